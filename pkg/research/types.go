package research

import (
	"time"

	"github.com/google/uuid"
)

// Config holds the loop limits for a research run
type Config struct {
	MaxIterations int `json:"max_iterations"`
	// BatchSize caps how many URLs (collect) or items (verify) a single stage
	// invocation processes.
	BatchSize int `json:"batch_size"`
	// Workers bounds concurrent per-item calls inside collect and verify.
	Workers int `json:"workers"`
	// MaxItemAttempts is the number of failed attempts after which a URL is no
	// longer offered to collect or verify. Zero keeps failed items eligible forever.
	MaxItemAttempts int `json:"max_item_attempts"`
}

const (
	DefaultMaxIterations   = 20
	DefaultBatchSize       = 3
	DefaultWorkers         = 3
	// DefaultMaxItemAttempts keeps failed URLs eligible, so a run does not
	// complete while search hits remain uncollected.
	DefaultMaxItemAttempts = 0

	// MinVerifiedForSummary is the number of verified items required before
	// the summarize stage does any work.
	MinVerifiedForSummary = 3
)

// DefaultConfig returns the limits used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxIterations:   DefaultMaxIterations,
		BatchSize:       DefaultBatchSize,
		Workers:         DefaultWorkers,
		MaxItemAttempts: DefaultMaxItemAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxIterations < 0 {
		c.MaxIterations = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxItemAttempts < 0 {
		c.MaxItemAttempts = 0
	}
	return c
}

// Status is the lifecycle state of a research run
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further stages will run
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// SearchHit is a single record returned by a search provider
type SearchHit struct {
	URL           string `json:"url"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	Source        string `json:"source,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

// SearchResult groups the hits returned for one searched query
type SearchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

// CollectedItem is the extracted content of one fetched URL
type CollectedItem struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	PublishedDate string    `json:"published_date,omitempty"`
	CollectedAt   time.Time `json:"collected_at"`
}

// VerifiedItem is a collected item after reliability scoring
type VerifiedItem struct {
	SourceURL        string    `json:"source_url"`
	Title            string    `json:"title"`
	PublishedDate    string    `json:"published_date,omitempty"`
	ReliabilityScore float64   `json:"reliability_score"`
	VerifiedContent  string    `json:"verified_content"`
	Notes            string    `json:"notes"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// Step records one loop pass
type Step struct {
	Iteration int           `json:"iteration"`
	Action    Action        `json:"action"`
	Rationale string        `json:"rationale"`
	Applied   bool          `json:"applied"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Source is the exported view of a verified item
type Source struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Date        string  `json:"date,omitempty"`
	Reliability float64 `json:"reliability"`
}

// State is the single aggregate threaded through the pipeline.
// Sequences are append-only and keep first-write order.
type State struct {
	ID             string          `json:"id"`
	Query          string          `json:"query"`
	SubQueries     []string        `json:"sub_queries"`
	SearchResults  []SearchResult  `json:"search_results"`
	CollectedData  []CollectedItem `json:"collected_data"`
	VerifiedData   []VerifiedItem  `json:"verified_data"`
	Summary        string          `json:"summary,omitempty"`
	Report         string          `json:"report,omitempty"`
	IterationCount int             `json:"iteration_count"`
	Status         Status          `json:"status"`
	Error          string          `json:"error,omitempty"`

	// CollectFailures and VerifyFailures count failed attempts per URL.
	CollectFailures map[string]int `json:"collect_failures,omitempty"`
	VerifyFailures  map[string]int `json:"verify_failures,omitempty"`

	History   []Step    `json:"history,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates an initialized state for query
func NewState(query string) *State {
	now := time.Now().UTC()
	return &State{
		ID:            uuid.NewString(),
		Query:         query,
		SubQueries:    []string{},
		SearchResults: []SearchResult{},
		CollectedData: []CollectedItem{},
		VerifiedData:  []VerifiedItem{},
		Status:        StatusInitialized,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so stages never write into their input
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.SubQueries = append([]string(nil), s.SubQueries...)
	c.SearchResults = make([]SearchResult, len(s.SearchResults))
	for i, r := range s.SearchResults {
		c.SearchResults[i] = SearchResult{Query: r.Query, Results: append([]SearchHit(nil), r.Results...)}
	}
	c.CollectedData = append([]CollectedItem(nil), s.CollectedData...)
	c.VerifiedData = append([]VerifiedItem(nil), s.VerifiedData...)
	c.History = append([]Step(nil), s.History...)
	c.CollectFailures = copyCounts(s.CollectFailures)
	c.VerifyFailures = copyCounts(s.VerifyFailures)
	return &c
}

func copyCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HasSubQuery reports whether q was already appended
func (s *State) HasSubQuery(q string) bool {
	for _, existing := range s.SubQueries {
		if existing == q {
			return true
		}
	}
	return false
}

func (s *State) searched() map[string]bool {
	done := make(map[string]bool, len(s.SearchResults))
	for _, r := range s.SearchResults {
		done[r.Query] = true
	}
	return done
}

// PendingQueries returns the queries that still need a search, in order.
// The root query stands in when no sub-queries exist.
func (s *State) PendingQueries() []string {
	done := s.searched()
	if len(s.SubQueries) == 0 {
		if done[s.Query] {
			return nil
		}
		return []string{s.Query}
	}
	var pending []string
	for _, q := range s.SubQueries {
		if !done[q] {
			pending = append(pending, q)
		}
	}
	return pending
}

func (s *State) collectedURLs() map[string]bool {
	seen := make(map[string]bool, len(s.CollectedData))
	for _, item := range s.CollectedData {
		seen[item.URL] = true
	}
	return seen
}

func (s *State) verifiedURLs() map[string]bool {
	seen := make(map[string]bool, len(s.VerifiedData))
	for _, item := range s.VerifiedData {
		seen[item.SourceURL] = true
	}
	return seen
}

// PendingHits returns search hits whose URL is not collected yet, one per URL
// in first-seen order. URLs that failed maxAttempts times are left out.
func (s *State) PendingHits(maxAttempts int) []SearchHit {
	collected := s.collectedURLs()
	seen := make(map[string]bool)
	var pending []SearchHit
	for _, r := range s.SearchResults {
		for _, hit := range r.Results {
			if hit.URL == "" || collected[hit.URL] || seen[hit.URL] {
				continue
			}
			seen[hit.URL] = true
			if exhausted(s.CollectFailures, hit.URL, maxAttempts) {
				continue
			}
			pending = append(pending, hit)
		}
	}
	return pending
}

// PendingVerification returns collected items without a verified entry
func (s *State) PendingVerification(maxAttempts int) []CollectedItem {
	verified := s.verifiedURLs()
	var pending []CollectedItem
	for _, item := range s.CollectedData {
		if verified[item.URL] || exhausted(s.VerifyFailures, item.URL, maxAttempts) {
			continue
		}
		pending = append(pending, item)
	}
	return pending
}

func exhausted(failures map[string]int, url string, maxAttempts int) bool {
	return maxAttempts > 0 && failures[url] >= maxAttempts
}

// Sources lists verified items in verification order
func (s *State) Sources() []Source {
	sources := make([]Source, 0, len(s.VerifiedData))
	for _, v := range s.VerifiedData {
		sources = append(sources, Source{
			Title:       v.Title,
			URL:         v.SourceURL,
			Date:        v.PublishedDate,
			Reliability: v.ReliabilityScore,
		})
	}
	return sources
}

// Progress is a compact count summary used for logs and advisory prompts
type Progress struct {
	SubQueries    int  `json:"sub_queries"`
	SearchResults int  `json:"search_results"`
	Collected     int  `json:"collected"`
	Verified      int  `json:"verified"`
	HasSummary    bool `json:"has_summary"`
	HasReport     bool `json:"has_report"`
}

// Progress returns the current counts
func (s *State) Progress() Progress {
	return Progress{
		SubQueries:    len(s.SubQueries),
		SearchResults: len(s.SearchResults),
		Collected:     len(s.CollectedData),
		Verified:      len(s.VerifiedData),
		HasSummary:    s.Summary != "",
		HasReport:     s.Report != "",
	}
}
