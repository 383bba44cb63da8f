package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mikeboe/research-director/pkg/research"
)

const defaultSerpAPIURL = "https://serpapi.com/search.json"

// SerpAPI engines used by the research director
const (
	EngineGoogle  = "google"
	EngineNews    = "google_news"
	EngineScholar = "google_scholar"
)

// SerpAPISearch runs one SerpAPI engine as a SearchProvider
type SerpAPISearch struct {
	APIKey     string
	Engine     string
	BaseURL    string
	NumResults int
	Client     *http.Client
	Logger     *slog.Logger
}

// NewSerpAPISearch creates a provider for engine
func NewSerpAPISearch(apiKey, engine string, numResults int) *SerpAPISearch {
	if numResults <= 0 {
		numResults = 10
	}
	return &SerpAPISearch{
		APIKey:     apiKey,
		Engine:     engine,
		BaseURL:    defaultSerpAPIURL,
		NumResults: numResults,
		Client:     http.DefaultClient,
		Logger:     slog.Default(),
	}
}

var _ research.SearchProvider = (*SerpAPISearch)(nil)

type serpResult struct {
	Title    string          `json:"title"`
	Link     string          `json:"link"`
	Snippet  string          `json:"snippet"`
	Date     string          `json:"date"`
	Source   json.RawMessage `json:"source"`
	Position int             `json:"position"`
}

type serpResponse struct {
	Error          string       `json:"error"`
	OrganicResults []serpResult `json:"organic_results"`
	NewsResults    []serpResult `json:"news_results"`
}

// Search calls the configured engine. Organic results are used for web and
// scholar, news results for the news engine.
func (s *SerpAPISearch) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	if s.APIKey == "" {
		return nil, errors.New("SERPAPI_API_KEY is not set")
	}

	params := url.Values{}
	params.Set("engine", s.Engine)
	params.Set("q", query)
	params.Set("api_key", s.APIKey)
	params.Set("num", strconv.Itoa(s.NumResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		countRequest("serpapi_"+s.Engine, "error")
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		countRequest("serpapi_"+s.Engine, "error")
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		countRequest("serpapi_"+s.Engine, "error")
		return nil, fmt.Errorf("API request failed with status: %s, body: %s", resp.Status, truncate(string(body), 200))
	}

	var parsed serpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		countRequest("serpapi_"+s.Engine, "error")
		return nil, fmt.Errorf("failed to unmarshal search response: %w", err)
	}
	if parsed.Error != "" {
		countRequest("serpapi_"+s.Engine, "error")
		return nil, fmt.Errorf("serpapi: %s", parsed.Error)
	}
	countRequest("serpapi_"+s.Engine, "ok")

	results := parsed.OrganicResults
	if s.Engine == EngineNews {
		results = parsed.NewsResults
	}

	hits := make([]research.SearchHit, 0, len(results))
	for _, r := range results {
		if r.Link == "" {
			continue
		}
		hits = append(hits, research.SearchHit{
			URL:           r.Link,
			Title:         r.Title,
			Snippet:       r.Snippet,
			Source:        s.sourceLabel(r.Source),
			PublishedDate: r.Date,
		})
	}
	s.logger().Info("SerpAPI search complete", "engine", s.Engine, "query", query, "count", len(hits))
	return hits, nil
}

// sourceLabel prefers the publisher name news results carry, which SerpAPI
// returns either as a string or as an object with a name field.
func (s *SerpAPISearch) sourceLabel(raw json.RawMessage) string {
	if len(raw) > 0 {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return name
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.Name != "" {
			return obj.Name
		}
	}
	switch s.Engine {
	case EngineNews:
		return "news"
	case EngineScholar:
		return "scholar"
	default:
		return "web"
	}
}

func (s *SerpAPISearch) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
