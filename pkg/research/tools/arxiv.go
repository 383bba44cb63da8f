package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mikeboe/research-director/pkg/research"
)

const defaultArxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
	Rel  string `xml:"rel,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// ArxivSearch is a SearchProvider over the arXiv Atom API
type ArxivSearch struct {
	BaseURL    string
	MaxResults int
	Client     *http.Client
	Logger     *slog.Logger
}

// NewArxivSearch creates an arXiv provider returning up to maxResults papers
func NewArxivSearch(maxResults int) *ArxivSearch {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &ArxivSearch{
		BaseURL:    defaultArxivURL,
		MaxResults: maxResults,
		Client:     http.DefaultClient,
		Logger:     slog.Default(),
	}
}

var _ research.SearchProvider = (*ArxivSearch)(nil)

// Search queries the arXiv API. Papers link to their PDF when one is listed.
func (a *ArxivSearch) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(a.MaxResults))
	params.Add("start", "0")
	apiURL := a.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		countRequest("arxiv", "error")
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		countRequest("arxiv", "error")
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		countRequest("arxiv", "error")
		return nil, fmt.Errorf("API returned non-200 status code: %d, body: %s", resp.StatusCode, truncate(string(body), 200))
	}
	countRequest("arxiv", "ok")

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	hits := make([]research.SearchHit, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		link := entry.ID
		for _, l := range entry.Link {
			if l.Type == "application/pdf" {
				link = l.Href
				break
			}
		}
		if link == "" {
			continue
		}
		hits = append(hits, research.SearchHit{
			URL:           link,
			Title:         collapseSpace(entry.Title),
			Snippet:       collapseSpace(entry.Summary),
			Source:        "arxiv",
			PublishedDate: entry.Published,
		})
	}
	a.logger().Info("arXiv search complete", "query", query, "count", len(hits))
	return hits, nil
}

func (a *ArxivSearch) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
