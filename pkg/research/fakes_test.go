package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type fakePlanner struct {
	queries []string
	err     error
	calls   int
}

func (f *fakePlanner) GenerateSubqueries(ctx context.Context, query string, existing []string, n int) ([]string, error) {
	f.calls++
	return f.queries, f.err
}

// fakeSearch returns hits keyed by query, or two generated hits per query
type fakeSearch struct {
	mu    sync.Mutex
	hits  map[string][]SearchHit
	fail  map[string]bool
	calls []string
}

func (f *fakeSearch) Search(ctx context.Context, query string) ([]SearchHit, error) {
	f.mu.Lock()
	f.calls = append(f.calls, query)
	f.mu.Unlock()
	if f.fail[query] {
		return nil, errors.New("provider down")
	}
	if hits, ok := f.hits[query]; ok {
		return hits, nil
	}
	return []SearchHit{
		{URL: "https://example.com/" + query + "/1", Title: query + " one"},
		{URL: "https://example.com/" + query + "/2", Title: query + " two"},
	}, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	// block makes Fetch wait for ctx cancellation
	block bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return Page{}, ctx.Err()
	}
	if f.fail[url] {
		return Page{}, errors.New("http 500")
	}
	return Page{Title: "Page " + url, Content: "content of " + url, PublishedDate: "2024-01-01"}, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeJudge struct {
	mu         sync.Mutex
	extractErr error
	verifyFail map[string]bool
	score      float64
	synthErr   error
	synthCalls int
}

func (f *fakeJudge) ExtractRelevantContent(ctx context.Context, query, raw string) (string, error) {
	if f.extractErr != nil {
		return "", f.extractErr
	}
	return "relevant: " + raw, nil
}

func (f *fakeJudge) ScoreAndVerify(ctx context.Context, query string, item CollectedItem) (Verification, error) {
	if f.verifyFail[item.URL] {
		return Verification{}, errors.New("judge unavailable")
	}
	return Verification{Score: f.score, VerifiedContent: "verified " + item.URL, Notes: "ok"}, nil
}

func (f *fakeJudge) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	f.mu.Lock()
	f.synthCalls++
	f.mu.Unlock()
	if f.synthErr != nil {
		return "", f.synthErr
	}
	return fmt.Sprintf("%s of %d items for %s", req.Kind, len(req.Items), req.Query), nil
}

type fakeAdvisor struct {
	advice string
	err    error
	calls  int
}

func (f *fakeAdvisor) Advise(ctx context.Context, summary string) (string, error) {
	f.calls++
	return f.advice, f.err
}

// sequenceSelector replays a fixed list of actions, then repeats the last one
type sequenceSelector struct {
	actions []Action
	i       int
}

func (s *sequenceSelector) SelectNext(ctx context.Context, state *State) (Action, string, error) {
	a := s.actions[len(s.actions)-1]
	if s.i < len(s.actions) {
		a = s.actions[s.i]
	}
	s.i++
	return a, "scripted", nil
}

type recordingStore struct {
	mu     sync.Mutex
	saves  []State
	err    error
	ctxErr []error
}

func (r *recordingStore) Save(ctx context.Context, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, *state.Clone())
	r.ctxErr = append(r.ctxErr, ctx.Err())
	return r.err
}

func (r *recordingStore) Load(ctx context.Context, id string) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.saves) - 1; i >= 0; i-- {
		if r.saves[i].ID == id {
			return r.saves[i].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func noShuffle(n int, swap func(i, j int)) {}

func newTestStages(search SearchProvider, fetcher Fetcher, judge Judge) *Stages {
	st := NewStages(DefaultConfig(), &fakePlanner{}, search, fetcher, judge)
	st.Shuffle = noShuffle
	return st
}

// stateWithHits returns a state whose single sub-query was searched and
// produced n hits
func stateWithHits(n int) *State {
	state := NewState("fusion")
	state.SubQueries = []string{"fusion"}
	hits := make([]SearchHit, n)
	for i := range hits {
		hits[i] = SearchHit{URL: fmt.Sprintf("https://example.com/%d", i), Title: fmt.Sprintf("Hit %d", i)}
	}
	state.SearchResults = []SearchResult{{Query: "fusion", Results: hits}}
	return state
}

func collectAll(state *State) {
	for _, r := range state.SearchResults {
		for _, h := range r.Results {
			state.CollectedData = append(state.CollectedData, CollectedItem{URL: h.URL, Title: h.Title, Content: "text"})
		}
	}
}

func verifyFirst(state *State, n int) {
	for _, item := range state.CollectedData[:n] {
		state.VerifiedData = append(state.VerifiedData, VerifiedItem{SourceURL: item.URL, Title: item.Title, ReliabilityScore: 0.7, VerifiedContent: "v"})
	}
}
