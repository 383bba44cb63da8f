package clients

import (
	"context"
	"log/slog"

	"github.com/mikeboe/research-director/pkg/config"
	"github.com/mikeboe/research-director/pkg/research"
	"github.com/mikeboe/research-director/pkg/research/tools"
)

// Research bundles the judges and providers an engine needs. They are safe
// to share between concurrently running engines.
type Research struct {
	Fast      *research.LLMJudge
	Reasoning *research.LLMJudge
	Search    research.SearchProvider
	Fetcher   research.Fetcher
}

// NewResearch builds the Gemini judges and the search and fetch providers.
// SerpAPI engines are added when SERPAPI_API_KEY is set; arXiv is always on.
func NewResearch(ctx context.Context, cfg *config.Config) (*Research, error) {
	fast, err := GoogleAi(ctx, cfg.GoogleApiKey, ModelType(cfg.FastModel))
	if err != nil {
		return nil, err
	}
	reasoning, err := GoogleAi(ctx, cfg.GoogleApiKey, ModelType(cfg.ReasoningModel))
	if err != nil {
		return nil, err
	}

	providers := []research.SearchProvider{}
	if cfg.SerpAPIKey != "" {
		providers = append(providers,
			tools.NewSerpAPISearch(cfg.SerpAPIKey, tools.EngineGoogle, 10),
			tools.NewSerpAPISearch(cfg.SerpAPIKey, tools.EngineNews, 10),
			tools.NewSerpAPISearch(cfg.SerpAPIKey, tools.EngineScholar, 10),
		)
	} else {
		slog.Warn("SERPAPI_API_KEY not set, searching arXiv only")
	}
	providers = append(providers, tools.NewArxivSearch(5))

	var pdf tools.PDFExtractor
	if cfg.MistralKey != "" {
		pdf = tools.NewPDFScraper(cfg.MistralKey)
	}

	return &Research{
		Fast:      research.NewLLMJudge(fast),
		Reasoning: research.NewLLMJudge(reasoning),
		Search:    tools.NewRateLimited(tools.NewMultiSearch(providers...), cfg.SearchRPS),
		Fetcher:   tools.NewWebFetcher(cfg.FetchTimeout, pdf),
	}, nil
}

// Engine builds an engine over the shared collaborators
func (r *Research) Engine(cfg research.Config, store research.StateStore, logger *slog.Logger) *research.Engine {
	engine := research.NewEngine(cfg, research.Collaborators{
		Planner: r.Reasoning,
		Search:  r.Search,
		Fetcher: r.Fetcher,
		Judge:   r.Fast,
		Advisor: r.Reasoning,
		Store:   store,
	})
	if logger != nil {
		engine.SetLogger(logger)
	}
	return engine
}
