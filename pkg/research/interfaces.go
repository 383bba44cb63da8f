package research

import (
	"context"
	"errors"
)

var (
	// ErrFatal marks failures that halt the loop with StatusFailed
	ErrFatal = errors.New("fatal research error")
	// ErrUnknownAction is returned when a selector produces a name outside the action set
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotFound is returned by state stores for unknown ids
	ErrNotFound = errors.New("research state not found")
)

// SearchProvider runs one search for a query
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchHit, error)
}

// Page is the fetched and extracted form of a URL
type Page struct {
	Title         string
	Content       string
	PublishedDate string
}

// Fetcher downloads a URL and extracts its readable content
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Verification is the judge's assessment of one collected item
type Verification struct {
	Score           float64
	VerifiedContent string
	Notes           string
}

// SynthesisKind selects the prompt used by Judge.Synthesize
type SynthesisKind string

const (
	SynthesisSummary SynthesisKind = "summary"
	SynthesisReport  SynthesisKind = "report"
)

// SynthesisRequest is the input to Judge.Synthesize
type SynthesisRequest struct {
	Kind    SynthesisKind
	Query   string
	Summary string
	Items   []VerifiedItem
}

// Judge wraps the narrow LLM capabilities the stages need. Implementations
// cap their input size and return a fallback value together with any error.
type Judge interface {
	ExtractRelevantContent(ctx context.Context, query, raw string) (string, error)
	ScoreAndVerify(ctx context.Context, query string, item CollectedItem) (Verification, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// Planner decomposes the root query into searchable sub-queries
type Planner interface {
	GenerateSubqueries(ctx context.Context, query string, existing []string, n int) ([]string, error)
}

// Advisor gives a freeform recommendation for the next action
type Advisor interface {
	Advise(ctx context.Context, stateSummary string) (string, error)
}

// StateStore persists state snapshots between iterations
type StateStore interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, id string) (*State, error)
}
