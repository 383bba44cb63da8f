package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSubqueries(t *testing.T) {
	ctx := context.Background()

	t.Run("planner output is deduplicated and capped", func(t *testing.T) {
		planner := &fakePlanner{queries: []string{"a", "b", "a", " ", "c", "d", "e", "f"}}
		st := newTestStages(nil, nil, nil)
		st.Planner = planner

		in := NewState("fusion")
		res, err := st.GenerateSubqueries(ctx, in)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, res.State.SubQueries)
		assert.Empty(t, in.SubQueries, "input state must not be modified")
	})

	t.Run("fallback when the planner fails", func(t *testing.T) {
		st := newTestStages(nil, nil, nil)
		st.Planner = &fakePlanner{err: errors.New("bad json")}

		res, err := st.GenerateSubqueries(ctx, NewState("fusion"))
		require.NoError(t, err)
		assert.Len(t, res.State.SubQueries, 3)
		assert.Equal(t, "fusion overview", res.State.SubQueries[0])
	})

	t.Run("pads short planner output and keeps existing entries", func(t *testing.T) {
		st := newTestStages(nil, nil, nil)
		st.Planner = &fakePlanner{queries: []string{"old", "new"}}

		in := NewState("fusion")
		in.SubQueries = []string{"old"}
		res, err := st.GenerateSubqueries(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, "old", res.State.SubQueries[0])
		assert.Len(t, res.State.SubQueries, 4)
		assert.Contains(t, res.State.SubQueries, "new")
	})
}

func TestRunSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("searches each pending query once", func(t *testing.T) {
		search := &fakeSearch{fail: map[string]bool{"b": true}}
		st := newTestStages(search, nil, nil)

		in := NewState("fusion")
		in.SubQueries = []string{"a", "b", "c"}
		in.SearchResults = []SearchResult{{Query: "a", Results: []SearchHit{}}}

		res, err := st.RunSearch(ctx, in)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		require.Len(t, res.State.SearchResults, 3)
		assert.Equal(t, "b", res.State.SearchResults[1].Query)
		assert.Empty(t, res.State.SearchResults[1].Results)
		assert.Equal(t, "c", res.State.SearchResults[2].Query)
		assert.Len(t, res.State.SearchResults[2].Results, 2)
		assert.ElementsMatch(t, []string{"b", "c"}, search.calls)
		assert.Len(t, in.SearchResults, 1)

		again, err := st.RunSearch(ctx, res.State)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Len(t, again.State.SearchResults, 3)
	})

	t.Run("root query stands in without sub-queries", func(t *testing.T) {
		search := &fakeSearch{}
		st := newTestStages(search, nil, nil)

		res, err := st.RunSearch(ctx, NewState("fusion"))
		require.NoError(t, err)
		require.Len(t, res.State.SearchResults, 1)
		assert.Equal(t, "fusion", res.State.SearchResults[0].Query)
	})

	t.Run("missing provider is fatal", func(t *testing.T) {
		st := newTestStages(nil, nil, nil)
		in := NewState("fusion")
		in.SubQueries = []string{"a"}
		_, err := st.RunSearch(ctx, in)
		assert.ErrorIs(t, err, ErrFatal)
	})
}

func TestCollectBatch(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{fail: map[string]bool{"https://example.com/1": true}}
	st := newTestStages(nil, fetcher, &fakeJudge{})
	st.BatchSize = 3

	in := stateWithHits(10)
	res, err := st.Collect(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	assert.Len(t, fetcher.fetched(), 3)
	require.Len(t, res.State.CollectedData, 2)
	assert.Equal(t, "https://example.com/0", res.State.CollectedData[0].URL)
	assert.Equal(t, "https://example.com/2", res.State.CollectedData[1].URL)
	assert.Equal(t, "relevant: content of https://example.com/0", res.State.CollectedData[0].Content)
	assert.Equal(t, "Hit 0", res.State.CollectedData[0].Title)
	assert.Equal(t, "2024-01-01", res.State.CollectedData[0].PublishedDate)
	assert.Equal(t, 1, res.State.CollectFailures["https://example.com/1"])
	assert.Empty(t, in.CollectedData)

	pending := res.State.PendingHits(st.MaxItemAttempts)
	assert.Len(t, pending, 8)
	assert.Equal(t, "https://example.com/1", pending[0].URL)
}

func TestCollectRandomSelection(t *testing.T) {
	st := newTestStages(nil, &fakeFetcher{}, &fakeJudge{})
	st.BatchSize = 2
	st.Shuffle = func(n int, swap func(i, j int)) {
		// reverse
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}

	res, err := st.Collect(context.Background(), stateWithHits(5))
	require.NoError(t, err)
	require.Len(t, res.State.CollectedData, 2)
	assert.Equal(t, "https://example.com/4", res.State.CollectedData[0].URL)
	assert.Equal(t, "https://example.com/3", res.State.CollectedData[1].URL)
}

func TestCollectDeduplicatesURLs(t *testing.T) {
	in := NewState("fusion")
	in.SubQueries = []string{"a", "b"}
	hit := SearchHit{URL: "https://example.com/same", Title: "Same"}
	in.SearchResults = []SearchResult{
		{Query: "a", Results: []SearchHit{hit}},
		{Query: "b", Results: []SearchHit{hit}},
	}
	fetcher := &fakeFetcher{}
	st := newTestStages(nil, fetcher, &fakeJudge{})

	res, err := st.Collect(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, res.State.CollectedData, 1)
	assert.Len(t, fetcher.fetched(), 1)

	again, err := st.Collect(context.Background(), res.State)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Len(t, again.State.CollectedData, 1)
}

func TestCollectExtractionFallback(t *testing.T) {
	st := newTestStages(nil, &fakeFetcher{}, &fakeJudge{extractErr: errors.New("model error")})
	res, err := st.Collect(context.Background(), stateWithHits(1))
	require.NoError(t, err)
	require.Len(t, res.State.CollectedData, 1)
	assert.Equal(t, "content of https://example.com/0", res.State.CollectedData[0].Content)
}

func TestCollectAbandonsAfterMaxAttempts(t *testing.T) {
	fetcher := &fakeFetcher{fail: map[string]bool{"https://example.com/0": true}}
	st := newTestStages(nil, fetcher, &fakeJudge{})
	st.MaxItemAttempts = 2

	state := stateWithHits(1)
	for i := 0; i < 2; i++ {
		res, err := st.Collect(context.Background(), state)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		state = res.State
	}
	assert.Equal(t, 2, state.CollectFailures["https://example.com/0"])
	assert.Empty(t, state.PendingHits(st.MaxItemAttempts))

	res, err := st.Collect(context.Background(), state)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, fetcher.fetched(), 2)
}

func TestCollectCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newTestStages(nil, &fakeFetcher{block: true}, &fakeJudge{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := st.Collect(ctx, stateWithHits(3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.State.CollectedData)
	assert.Empty(t, res.State.CollectFailures, "canceled attempts are not failures")
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	judge := &fakeJudge{score: 1.7, verifyFail: map[string]bool{"https://example.com/3": true}}
	st := newTestStages(nil, nil, judge)
	st.BatchSize = 3

	in := stateWithHits(5)
	collectAll(in)
	verifyFirst(in, 1)

	res, err := st.Verify(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.Len(t, res.State.VerifiedData, 3)
	assert.Len(t, in.VerifiedData, 1)

	added := res.State.VerifiedData[1:]
	assert.Equal(t, "https://example.com/1", added[0].SourceURL)
	assert.Equal(t, "https://example.com/2", added[1].SourceURL)
	for _, v := range added {
		assert.Equal(t, 1.0, v.ReliabilityScore, "score is clamped")
		assert.Equal(t, "verified "+v.SourceURL, v.VerifiedContent)
	}
	assert.Equal(t, 1, res.State.VerifyFailures["https://example.com/3"])

	pending := res.State.PendingVerification(st.MaxItemAttempts)
	require.Len(t, pending, 2)
	assert.Equal(t, "https://example.com/3", pending[0].URL)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	judge := &fakeJudge{}
	st := newTestStages(nil, nil, judge)

	t.Run("needs three verified items", func(t *testing.T) {
		in := stateWithHits(2)
		collectAll(in)
		verifyFirst(in, 2)
		res, err := st.Summarize(ctx, in)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Empty(t, res.State.Summary)
	})

	t.Run("writes once", func(t *testing.T) {
		in := stateWithHits(3)
		collectAll(in)
		verifyFirst(in, 3)

		res, err := st.Summarize(ctx, in)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, "summary of 3 items for fusion", res.State.Summary)
		assert.Empty(t, in.Summary)

		calls := judge.synthCalls
		again, err := st.Summarize(ctx, res.State)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Equal(t, res.State.Summary, again.State.Summary)
		assert.Equal(t, calls, judge.synthCalls)
	})

	t.Run("failure leaves the summary unset", func(t *testing.T) {
		failing := newTestStages(nil, nil, &fakeJudge{synthErr: errors.New("timeout")})
		in := stateWithHits(3)
		collectAll(in)
		verifyFirst(in, 3)
		res, err := failing.Summarize(ctx, in)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Empty(t, res.State.Summary)
	})
}

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	st := newTestStages(nil, nil, &fakeJudge{})

	noSummary, err := st.GenerateReport(ctx, NewState("fusion"))
	require.NoError(t, err)
	assert.False(t, noSummary.Applied)

	in := stateWithHits(3)
	collectAll(in)
	verifyFirst(in, 3)
	in.Summary = "summary"
	res, err := st.GenerateReport(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "report of 3 items for fusion", res.State.Report)

	again, err := st.GenerateReport(ctx, res.State)
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, res.State.Report, again.State.Report)
}

func TestStagesRunUnknownAction(t *testing.T) {
	st := newTestStages(nil, nil, nil)
	for _, a := range []Action{ActionComplete, Action("dance")} {
		t.Run(string(a), func(t *testing.T) {
			_, err := st.Run(context.Background(), a, NewState("q"))
			assert.ErrorIs(t, err, ErrUnknownAction)
			assert.ErrorIs(t, err, ErrFatal)
		})
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	st := newTestStages(nil, nil, nil)
	st.Workers = 2

	var mu sync.Mutex
	active, peak := 0, 0
	results := make(chan int, 10)
	st.forEach(context.Background(), 6, func(ctx context.Context, i int) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		results <- i
	})
	close(results)

	seen := map[int]bool{}
	for i := range results {
		seen[i] = true
	}
	assert.Len(t, seen, 6)
	assert.LessOrEqual(t, peak, 2, fmt.Sprintf("peak concurrency %d", peak))
}
