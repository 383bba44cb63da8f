package research

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorDecide(t *testing.T) {
	const maxAttempts = 3
	sel := NewSelector(nil, maxAttempts)

	tests := []struct {
		name  string
		state func() *State
		want  Action
	}{
		{
			name:  "fresh state",
			state: func() *State { return NewState("fusion") },
			want:  ActionGenerateSubqueries,
		},
		{
			name: "sub-queries not searched",
			state: func() *State {
				s := NewState("fusion")
				s.SubQueries = []string{"a", "b", "c"}
				return s
			},
			want: ActionSearch,
		},
		{
			name: "one sub-query still pending",
			state: func() *State {
				s := NewState("fusion")
				s.SubQueries = []string{"a", "b"}
				s.SearchResults = []SearchResult{{Query: "a", Results: []SearchHit{}}}
				return s
			},
			want: ActionSearch,
		},
		{
			name:  "uncollected hits",
			state: func() *State { return stateWithHits(4) },
			want:  ActionCollect,
		},
		{
			name: "unverified items",
			state: func() *State {
				s := stateWithHits(5)
				collectAll(s)
				verifyFirst(s, 2)
				return s
			},
			want: ActionVerify,
		},
		{
			name: "enough verified data",
			state: func() *State {
				s := stateWithHits(3)
				collectAll(s)
				verifyFirst(s, 3)
				return s
			},
			want: ActionSummarize,
		},
		{
			name: "summary without report",
			state: func() *State {
				s := stateWithHits(3)
				collectAll(s)
				verifyFirst(s, 3)
				s.Summary = "summary"
				return s
			},
			want: ActionGenerateReport,
		},
		{
			name: "report written",
			state: func() *State {
				s := stateWithHits(3)
				collectAll(s)
				verifyFirst(s, 3)
				s.Summary = "summary"
				s.Report = "report"
				return s
			},
			want: ActionComplete,
		},
		{
			name: "nothing left and too little verified",
			state: func() *State {
				s := stateWithHits(2)
				collectAll(s)
				verifyFirst(s, 2)
				return s
			},
			want: ActionComplete,
		},
		{
			name: "exhausted URLs are skipped",
			state: func() *State {
				s := stateWithHits(1)
				s.CollectFailures = map[string]int{"https://example.com/0": maxAttempts}
				return s
			},
			want: ActionComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sel.Decide(tt.state()))
		})
	}
}

func TestSelectorPrecedence(t *testing.T) {
	ctx := context.Background()
	sel := NewSelector(&fakeAdvisor{advice: "complete"}, 3)

	t.Run("three unsearched sub-queries", func(t *testing.T) {
		s := NewState("fusion")
		s.SubQueries = []string{"a", "b", "c"}
		action, rationale, err := sel.SelectNext(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, ActionSearch, action)
		assert.NotEmpty(t, rationale)
	})

	t.Run("verify before summarize", func(t *testing.T) {
		s := stateWithHits(5)
		collectAll(s)
		verifyFirst(s, 2)
		action, _, err := sel.SelectNext(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, ActionVerify, action)
	})

	t.Run("summarize with three verified", func(t *testing.T) {
		s := stateWithHits(3)
		collectAll(s)
		verifyFirst(s, 3)
		action, _, err := sel.SelectNext(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, ActionSummarize, action)
	})
}

func TestSelectorDefaultRetriesFailedURLs(t *testing.T) {
	cfg := DefaultConfig()
	sel := NewSelector(nil, cfg.MaxItemAttempts)

	s := stateWithHits(1)
	s.CollectFailures = map[string]int{"https://example.com/0": 10}
	assert.Equal(t, ActionCollect, sel.Decide(s), "uncollected hits block completion")

	collectAll(s)
	s.VerifyFailures = map[string]int{"https://example.com/0": 10}
	assert.Equal(t, ActionVerify, sel.Decide(s))
}

func TestSelectorTotal(t *testing.T) {
	sel := NewSelector(nil, 0)
	states := []*State{
		NewState(""),
		{Query: "q", Summary: "s"},
		{Query: "q", Report: "r"},
		{Query: "q", SubQueries: []string{"a"}, VerifiedData: make([]VerifiedItem, 10)},
	}
	for _, s := range states {
		action, _, err := sel.SelectNext(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, action.Valid(), "action %q", action)
	}

	_, _, err := sel.SelectNext(context.Background(), nil)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestSelectorAdvisor(t *testing.T) {
	ctx := context.Background()

	ambiguous := func() *State {
		s := stateWithHits(1)
		collectAll(s)
		verifyFirst(s, 1)
		return s
	}

	t.Run("consulted in the ambiguous case", func(t *testing.T) {
		adv := &fakeAdvisor{advice: "I think we should GENERATE_SUBQUERIES to widen coverage"}
		sel := NewSelector(adv, 0)
		action, _, err := sel.SelectNext(ctx, ambiguous())
		require.NoError(t, err)
		assert.Equal(t, ActionGenerateSubqueries, action)
		assert.Equal(t, 1, adv.calls)
	})

	t.Run("not consulted when rules are clear", func(t *testing.T) {
		adv := &fakeAdvisor{advice: "complete"}
		sel := NewSelector(adv, 0)
		action, _, err := sel.SelectNext(ctx, stateWithHits(2))
		require.NoError(t, err)
		assert.Equal(t, ActionCollect, action)
		assert.Zero(t, adv.calls)
	})

	t.Run("advisor failure keeps the rule decision", func(t *testing.T) {
		adv := &fakeAdvisor{err: errors.New("quota")}
		sel := NewSelector(adv, 0)
		action, _, err := sel.SelectNext(ctx, ambiguous())
		require.NoError(t, err)
		assert.Equal(t, ActionComplete, action)
	})
}

func TestNormalizeAdvice(t *testing.T) {
	tests := []struct {
		advice string
		want   Action
	}{
		{"complete", ActionComplete},
		{"Next: verify the remaining items.", ActionVerify},
		{"Summarize now", ActionSummarize},
		{"generate_report: we have a summary", ActionGenerateReport},
		// earlier actions win when several names appear
		{"collect, then verify", ActionCollect},
		{"search more or complete", ActionSearch},
		{"", ActionSearch},
		{"no idea", ActionSearch},
	}
	for _, tt := range tests {
		t.Run(tt.advice, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAdvice(tt.advice))
		})
	}
}

func TestDescribeProgress(t *testing.T) {
	s := stateWithHits(2)
	s.Summary = "done"
	out := DescribeProgress(s)
	assert.Contains(t, out, "Research topic: fusion")
	assert.Contains(t, out, "Search results collected: 1")
	assert.Contains(t, out, "Summary status: completed")
	assert.Contains(t, out, "Report status: not started")
}
