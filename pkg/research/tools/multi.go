package tools

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/research-director/pkg/research"
)

// MultiSearch queries several providers concurrently and merges their hits.
// Hits keep provider order and the first occurrence of a URL wins.
type MultiSearch struct {
	Providers []research.SearchProvider
	Logger    *slog.Logger
}

// NewMultiSearch combines providers, skipping nil entries
func NewMultiSearch(providers ...research.SearchProvider) *MultiSearch {
	m := &MultiSearch{Logger: slog.Default()}
	for _, p := range providers {
		if p != nil {
			m.Providers = append(m.Providers, p)
		}
	}
	return m
}

var _ research.SearchProvider = (*MultiSearch)(nil)

// Search fails only when every provider fails
func (m *MultiSearch) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	if len(m.Providers) == 0 {
		return nil, errors.New("no search providers configured")
	}

	results := make([][]research.SearchHit, len(m.Providers))
	errs := make([]error, len(m.Providers))
	var g errgroup.Group
	for i, p := range m.Providers {
		g.Go(func() error {
			results[i], errs[i] = p.Search(ctx, query)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var merged []research.SearchHit
	failed := 0
	for i := range m.Providers {
		if errs[i] != nil {
			failed++
			m.logger().Warn("Search provider failed", "query", query, "provider", i, "error", errs[i])
			continue
		}
		for _, hit := range results[i] {
			if hit.URL == "" || seen[hit.URL] {
				continue
			}
			seen[hit.URL] = true
			merged = append(merged, hit)
		}
	}
	if failed == len(m.Providers) {
		return nil, errors.Join(errs...)
	}
	return merged, nil
}

func (m *MultiSearch) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
