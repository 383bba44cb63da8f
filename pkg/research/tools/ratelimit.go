package tools

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/mikeboe/research-director/pkg/metrics"
	"github.com/mikeboe/research-director/pkg/research"
)

// RateLimited throttles calls to a search provider
type RateLimited struct {
	Provider research.SearchProvider
	limiter  *rate.Limiter
}

// NewRateLimited allows rps searches per second with a burst of one.
// A non-positive rps disables limiting.
func NewRateLimited(p research.SearchProvider, rps float64) *RateLimited {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(limit, 1)}
}

// Search waits for a token before delegating
func (r *RateLimited) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Search(ctx, query)
}

func countRequest(provider, status string) {
	metrics.ProviderRequests.WithLabelValues(provider, status).Inc()
}
