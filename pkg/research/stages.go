package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/research-director/pkg/metrics"
)

// StageResult tells callers whether a stage produced new output
type StageResult struct {
	Applied bool
	State   *State
}

// StageFunc is the signature shared by all stages
type StageFunc func(ctx context.Context, state *State) (StageResult, error)

const (
	minSubqueries = 3
	maxSubqueries = 5
)

// Stages holds the collaborators the stage functions call into
type Stages struct {
	Planner Planner
	Search  SearchProvider
	Fetcher Fetcher
	Judge   Judge

	BatchSize       int
	Workers         int
	MaxItemAttempts int

	Logger *slog.Logger
	// Shuffle permutes candidates before batch truncation
	Shuffle func(n int, swap func(i, j int))
	Now     func() time.Time
}

// NewStages wires the collaborators with cfg limits
func NewStages(cfg Config, planner Planner, search SearchProvider, fetcher Fetcher, judge Judge) *Stages {
	cfg = cfg.withDefaults()
	return &Stages{
		Planner:         planner,
		Search:          search,
		Fetcher:         fetcher,
		Judge:           judge,
		BatchSize:       cfg.BatchSize,
		Workers:         cfg.Workers,
		MaxItemAttempts: cfg.MaxItemAttempts,
		Logger:          slog.Default(),
		Shuffle:         rand.Shuffle,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches action to its stage
func (s *Stages) Run(ctx context.Context, action Action, state *State) (StageResult, error) {
	fn, ok := s.lookup(action)
	if !ok {
		return StageResult{State: state}, fmt.Errorf("%w: %w %q", ErrFatal, ErrUnknownAction, action)
	}
	return fn(ctx, state)
}

func (s *Stages) lookup(action Action) (StageFunc, bool) {
	switch action {
	case ActionGenerateSubqueries:
		return s.GenerateSubqueries, true
	case ActionSearch:
		return s.RunSearch, true
	case ActionCollect:
		return s.Collect, true
	case ActionVerify:
		return s.Verify, true
	case ActionSummarize:
		return s.Summarize, true
	case ActionGenerateReport:
		return s.GenerateReport, true
	default:
		return nil, false
	}
}

func (s *Stages) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Stages) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Stages) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s *Stages) workers() int {
	if s.Workers <= 0 {
		return DefaultWorkers
	}
	return s.Workers
}

func (s *Stages) shuffle(n int, swap func(i, j int)) {
	if s.Shuffle != nil {
		s.Shuffle(n, swap)
		return
	}
	rand.Shuffle(n, swap)
}

func missing(name string) error {
	return fmt.Errorf("%w: no %s configured", ErrFatal, name)
}

// --- generate_subqueries ---

// GenerateSubqueries appends 3-5 new sub-queries. Planner output is deduplicated
// and padded from fallback phrasings so the minimum always holds.
func (s *Stages) GenerateSubqueries(ctx context.Context, state *State) (StageResult, error) {
	next := state.Clone()
	s.logger().Info("Starting sub-query generation", "query", state.Query, "existing", len(state.SubQueries))

	var proposed []string
	if s.Planner != nil {
		var err error
		proposed, err = s.Planner.GenerateSubqueries(ctx, state.Query, state.SubQueries, maxSubqueries)
		if err != nil {
			if ctx.Err() != nil {
				return StageResult{State: next}, ctx.Err()
			}
			s.logger().Warn("Planner failed, using fallback sub-queries", "error", err)
			proposed = nil
		}
	}

	added := 0
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || added >= maxSubqueries || next.HasSubQuery(q) {
			return
		}
		next.SubQueries = append(next.SubQueries, q)
		added++
	}
	for _, q := range proposed {
		add(q)
	}
	for i := 0; added < minSubqueries; i++ {
		add(fallbackSubquery(state.Query, i))
	}

	s.logger().Info("Generated sub-queries", "added", added, "sub_queries", next.SubQueries[len(next.SubQueries)-added:])
	return StageResult{Applied: true, State: next}, nil
}

var fallbackAngles = []string{
	"%s overview",
	"%s recent developments",
	"%s key challenges and limitations",
	"%s evidence and studies",
	"%s future outlook",
}

func fallbackSubquery(query string, i int) string {
	if i < len(fallbackAngles) {
		return fmt.Sprintf(fallbackAngles[i], query)
	}
	return fmt.Sprintf("%s aspect %d", query, i-len(fallbackAngles)+1)
}

// --- search ---

// RunSearch searches every pending query once and appends results in query
// order. Provider failures become empty result sets.
func (s *Stages) RunSearch(ctx context.Context, state *State) (StageResult, error) {
	pending := state.PendingQueries()
	if len(pending) == 0 {
		return StageResult{State: state}, nil
	}
	if s.Search == nil {
		return StageResult{State: state}, missing("search provider")
	}
	s.logger().Info("Starting search stage", "pending", len(pending))

	results := make([][]SearchHit, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, q := range pending {
		g.Go(func() error {
			hits, err := s.Search.Search(gctx, q)
			if err != nil {
				s.logger().Error("Search failed", "query", q, "error", err)
				metrics.ItemFailures.WithLabelValues(string(ActionSearch)).Inc()
				hits = nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	next := state.Clone()
	if err := ctx.Err(); err != nil {
		return StageResult{State: next}, err
	}
	for i, q := range pending {
		hits := results[i]
		if hits == nil {
			hits = []SearchHit{}
		}
		next.SearchResults = append(next.SearchResults, SearchResult{Query: q, Results: hits})
		s.logger().Info("Search complete", "query", q, "count", len(hits))
	}
	return StageResult{Applied: true, State: next}, nil
}

// --- collect ---

// Collect fetches up to BatchSize uncollected URLs chosen at random
func (s *Stages) Collect(ctx context.Context, state *State) (StageResult, error) {
	candidates := state.PendingHits(s.MaxItemAttempts)
	if len(candidates) == 0 {
		return StageResult{State: state}, nil
	}
	if s.Fetcher == nil {
		return StageResult{State: state}, missing("fetcher")
	}
	s.shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > s.batchSize() {
		candidates = candidates[:s.batchSize()]
	}
	s.logger().Info("Starting collect stage", "batch", len(candidates))

	collected := make([]*CollectedItem, len(candidates))
	s.forEach(ctx, len(candidates), func(ctx context.Context, i int) {
		hit := candidates[i]
		item, err := s.collectOne(ctx, state.Query, hit)
		if err != nil {
			s.logger().Warn("Failed to collect source", "url", hit.URL, "error", err)
			metrics.ItemFailures.WithLabelValues(string(ActionCollect)).Inc()
			return
		}
		collected[i] = item
	})

	next := state.Clone()
	applied := false
	seen := next.collectedURLs()
	for i, item := range collected {
		url := candidates[i].URL
		if item == nil {
			if ctx.Err() == nil {
				if next.CollectFailures == nil {
					next.CollectFailures = make(map[string]int)
				}
				next.CollectFailures[url]++
			}
			continue
		}
		if seen[item.URL] {
			continue
		}
		seen[item.URL] = true
		next.CollectedData = append(next.CollectedData, *item)
		applied = true
	}
	if err := ctx.Err(); err != nil {
		return StageResult{Applied: applied, State: next}, err
	}
	return StageResult{Applied: applied, State: next}, nil
}

func (s *Stages) collectOne(ctx context.Context, query string, hit SearchHit) (*CollectedItem, error) {
	page, err := s.Fetcher.Fetch(ctx, hit.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if strings.TrimSpace(page.Content) == "" {
		return nil, errors.New("fetch returned no content")
	}

	content := page.Content
	if s.Judge != nil {
		extracted, err := s.Judge.ExtractRelevantContent(ctx, query, page.Content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger().Warn("Extraction failed, keeping page text", "url", hit.URL, "error", err)
			content = truncateRunes(page.Content, ExtractCharBudget)
		} else if strings.TrimSpace(extracted) != "" {
			content = extracted
		}
	}

	title := hit.Title
	if title == "" {
		title = page.Title
	}
	date := page.PublishedDate
	if date == "" {
		date = hit.PublishedDate
	}
	return &CollectedItem{
		URL:           hit.URL,
		Title:         title,
		Content:       content,
		PublishedDate: date,
		CollectedAt:   s.now(),
	}, nil
}

// --- verify ---

// Verify scores up to BatchSize unverified items chosen at random
func (s *Stages) Verify(ctx context.Context, state *State) (StageResult, error) {
	candidates := state.PendingVerification(s.MaxItemAttempts)
	if len(candidates) == 0 {
		return StageResult{State: state}, nil
	}
	if s.Judge == nil {
		return StageResult{State: state}, missing("judge")
	}
	s.shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > s.batchSize() {
		candidates = candidates[:s.batchSize()]
	}
	s.logger().Info("Starting verify stage", "batch", len(candidates))

	verified := make([]*VerifiedItem, len(candidates))
	s.forEach(ctx, len(candidates), func(ctx context.Context, i int) {
		item := candidates[i]
		v, err := s.Judge.ScoreAndVerify(ctx, state.Query, item)
		if err != nil {
			s.logger().Warn("Failed to verify source", "url", item.URL, "error", err)
			metrics.ItemFailures.WithLabelValues(string(ActionVerify)).Inc()
			return
		}
		verified[i] = &VerifiedItem{
			SourceURL:        item.URL,
			Title:            item.Title,
			PublishedDate:    item.PublishedDate,
			ReliabilityScore: clampScore(v.Score),
			VerifiedContent:  v.VerifiedContent,
			Notes:            v.Notes,
			VerifiedAt:       s.now(),
		}
	})

	next := state.Clone()
	applied := false
	seen := next.verifiedURLs()
	for i, v := range verified {
		url := candidates[i].URL
		if v == nil {
			if ctx.Err() == nil {
				if next.VerifyFailures == nil {
					next.VerifyFailures = make(map[string]int)
				}
				next.VerifyFailures[url]++
			}
			continue
		}
		if seen[v.SourceURL] {
			continue
		}
		seen[v.SourceURL] = true
		next.VerifiedData = append(next.VerifiedData, *v)
		applied = true
	}
	if err := ctx.Err(); err != nil {
		return StageResult{Applied: applied, State: next}, err
	}
	return StageResult{Applied: applied, State: next}, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// forEach runs fn for indexes [0,n) on at most Workers goroutines and waits
// for all of them. Items do not cancel each other.
func (s *Stages) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers())
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}

// --- summarize ---

// Summarize synthesizes the verified data once at least three items exist
func (s *Stages) Summarize(ctx context.Context, state *State) (StageResult, error) {
	if state.Summary != "" || len(state.VerifiedData) < MinVerifiedForSummary {
		return StageResult{State: state}, nil
	}
	if s.Judge == nil {
		return StageResult{State: state}, missing("judge")
	}
	s.logger().Info("Creating summary", "verified", len(state.VerifiedData))

	text, err := s.Judge.Synthesize(ctx, SynthesisRequest{
		Kind:  SynthesisSummary,
		Query: state.Query,
		Items: state.VerifiedData,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if ctx.Err() != nil {
			return StageResult{State: state}, ctx.Err()
		}
		s.logger().Error("Summary generation failed", "error", err)
		metrics.ItemFailures.WithLabelValues(string(ActionSummarize)).Inc()
		return StageResult{State: state}, nil
	}

	next := state.Clone()
	next.Summary = strings.TrimSpace(text)
	return StageResult{Applied: true, State: next}, nil
}

// --- generate_report ---

// GenerateReport writes the final report once a summary exists
func (s *Stages) GenerateReport(ctx context.Context, state *State) (StageResult, error) {
	if state.Summary == "" || state.Report != "" {
		return StageResult{State: state}, nil
	}
	if s.Judge == nil {
		return StageResult{State: state}, missing("judge")
	}
	s.logger().Info("Compiling final report", "sources", len(state.VerifiedData))

	text, err := s.Judge.Synthesize(ctx, SynthesisRequest{
		Kind:    SynthesisReport,
		Query:   state.Query,
		Summary: state.Summary,
		Items:   state.VerifiedData,
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if ctx.Err() != nil {
			return StageResult{State: state}, ctx.Err()
		}
		s.logger().Error("Report generation failed", "error", err)
		metrics.ItemFailures.WithLabelValues(string(ActionGenerateReport)).Inc()
		return StageResult{State: state}, nil
	}

	next := state.Clone()
	next.Report = strings.TrimSpace(text)
	s.logger().Info("Final report generated", "length", len(next.Report))
	return StageResult{Applied: true, State: next}, nil
}
