package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/research-director/pkg/metrics"
)

// Action names one pipeline stage, or completion
type Action string

const (
	ActionGenerateSubqueries Action = "generate_subqueries"
	ActionSearch             Action = "search"
	ActionCollect            Action = "collect"
	ActionVerify             Action = "verify"
	ActionSummarize          Action = "summarize"
	ActionGenerateReport     Action = "generate_report"
	ActionComplete           Action = "complete"
)

// Actions is the closed action set in precedence order
var Actions = []Action{
	ActionGenerateSubqueries,
	ActionSearch,
	ActionCollect,
	ActionVerify,
	ActionSummarize,
	ActionGenerateReport,
	ActionComplete,
}

// Valid reports whether a is a member of the action set
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

var rationales = map[Action]string{
	ActionGenerateSubqueries: "Generating focused sub-queries",
	ActionSearch:             "Searching for information",
	ActionCollect:            "Collecting data from search results",
	ActionVerify:             "Verifying collected data",
	ActionSummarize:          "Creating summary of findings",
	ActionGenerateReport:     "Generating final research report",
	ActionComplete:           "Research complete",
}

// NormalizeAdvice maps freeform advisory text onto the action set. Names are
// matched as case-insensitive substrings in precedence order, so the earliest
// action in Actions wins when several appear. Anything unrecognized is search.
func NormalizeAdvice(text string) Action {
	lower := strings.ToLower(text)
	for _, a := range Actions {
		if strings.Contains(lower, string(a)) {
			return a
		}
	}
	return ActionSearch
}

// ActionSelector picks the next stage for a state
type ActionSelector interface {
	SelectNext(ctx context.Context, state *State) (Action, string, error)
}

// Selector is the rule-based policy. When Advisor is set it is consulted for
// the one ambiguous case: nothing is left to gather but too little was
// verified to summarize.
type Selector struct {
	Advisor         Advisor
	MaxItemAttempts int
	Logger          *slog.Logger
}

// NewSelector creates a rule-based selector
func NewSelector(advisor Advisor, maxItemAttempts int) *Selector {
	return &Selector{
		Advisor:         advisor,
		MaxItemAttempts: maxItemAttempts,
		Logger:          slog.Default(),
	}
}

// Decide applies the precedence rules without consulting the advisor
func (p *Selector) Decide(state *State) Action {
	switch {
	case len(state.SubQueries) == 0:
		return ActionGenerateSubqueries
	case len(state.PendingQueries()) > 0:
		return ActionSearch
	case len(state.PendingHits(p.MaxItemAttempts)) > 0:
		return ActionCollect
	case len(state.PendingVerification(p.MaxItemAttempts)) > 0:
		return ActionVerify
	case len(state.VerifiedData) >= MinVerifiedForSummary && state.Summary == "":
		return ActionSummarize
	case state.Summary != "" && state.Report == "":
		return ActionGenerateReport
	default:
		return ActionComplete
	}
}

func (p *Selector) ambiguous(state *State, decided Action) bool {
	return decided == ActionComplete && state.Summary == "" && len(state.VerifiedData) < MinVerifiedForSummary
}

// SelectNext returns the next action and a short rationale
func (p *Selector) SelectNext(ctx context.Context, state *State) (Action, string, error) {
	if state == nil {
		return "", "", fmt.Errorf("%w: nil state", ErrFatal)
	}
	action := p.Decide(state)
	if p.Advisor == nil || !p.ambiguous(state, action) {
		metrics.SelectorDecisions.WithLabelValues(string(action), "rules").Inc()
		return action, rationales[action], nil
	}

	advice, err := p.Advisor.Advise(ctx, DescribeProgress(state))
	if err != nil {
		p.logger().Warn("Advisor failed, using rule decision", "error", err)
		metrics.SelectorDecisions.WithLabelValues(string(action), "rules").Inc()
		return action, rationales[action], nil
	}
	advised := NormalizeAdvice(advice)
	p.logger().Info("Advisor recommendation", "advice", truncateRunes(advice, 200), "action", advised)
	metrics.SelectorDecisions.WithLabelValues(string(advised), "advisor").Inc()
	return advised, rationales[advised], nil
}

func (p *Selector) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// DescribeProgress renders the state counts for an advisory prompt
func DescribeProgress(state *State) string {
	status := func(done bool) string {
		if done {
			return "completed"
		}
		return "not started"
	}
	pr := state.Progress()
	return fmt.Sprintf(`Research topic: %s

Current state of research:
- Sub-queries generated: %d
- Search results collected: %d
- Web pages analyzed: %d
- Verified data points: %d
- Summary status: %s
- Report status: %s`,
		state.Query, pr.SubQueries, pr.SearchResults, pr.Collected, pr.Verified,
		status(pr.HasSummary), status(pr.HasReport))
}
