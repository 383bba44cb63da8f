package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/mikeboe/research-director/pkg/research"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxPageBytes     = 5 << 20
)

// noiseSelectors are removed before the main content is converted
var noiseSelectors = "script, style, noscript, iframe, svg, nav, header, footer, aside, form, .advertisement, .ads, .cookie-banner"

// contentSelectors are tried in order to find the article body
var contentSelectors = []string{"article", "main", "[role=main]", "#content", ".content", "body"}

var dateMeta = []string{
	`meta[property="article:published_time"]`,
	`meta[name="date"]`,
	`meta[name="publish-date"]`,
	`meta[name="citation_publication_date"]`,
	`meta[itemprop="datePublished"]`,
}

// PDFExtractor turns a PDF URL into text
type PDFExtractor interface {
	ScrapePDF(ctx context.Context, url string) (string, error)
}

// WebFetcher downloads pages and converts their main content to markdown
type WebFetcher struct {
	Client    *http.Client
	UserAgent string
	// PDF handles URLs that serve PDF documents; nil rejects them
	PDF    PDFExtractor
	Logger *slog.Logger

	converter *md.Converter
}

// NewWebFetcher creates a fetcher with a per-request timeout
func NewWebFetcher(timeout time.Duration, pdf PDFExtractor) *WebFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: defaultUserAgent,
		PDF:       pdf,
		Logger:    slog.Default(),
		converter: md.NewConverter("", true, nil),
	}
}

var _ research.Fetcher = (*WebFetcher)(nil)

// Fetch implements research.Fetcher
func (w *WebFetcher) Fetch(ctx context.Context, url string) (research.Page, error) {
	if isPDFURL(url) {
		return w.fetchPDF(ctx, url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return research.Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.Client.Do(req)
	if err != nil {
		countRequest("web", "error")
		return research.Page{}, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		countRequest("web", "error")
		return research.Page{}, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/pdf") {
		countRequest("web", "ok")
		return w.fetchPDF(ctx, url)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		countRequest("web", "error")
		return research.Page{}, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	countRequest("web", "ok")

	page := w.extract(doc)
	if page.Content == "" {
		return research.Page{}, fmt.Errorf("no readable content at %s", url)
	}
	return page, nil
}

// extract pulls title, publication date and main content from doc
func (w *WebFetcher) extract(doc *goquery.Document) research.Page {
	title := strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var date string
	for _, sel := range dateMeta {
		if v := strings.TrimSpace(doc.Find(sel).AttrOr("content", "")); v != "" {
			date = v
			break
		}
	}
	if date == "" {
		date = strings.TrimSpace(doc.Find("time[datetime]").First().AttrOr("datetime", ""))
	}

	doc.Find(noiseSelectors).Remove()

	var main *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			main = s
			break
		}
	}
	if main == nil {
		return research.Page{Title: title, PublishedDate: date}
	}

	conv := w.converter
	if conv == nil {
		conv = md.NewConverter("", true, nil)
	}
	content := strings.TrimSpace(conv.Convert(main))
	if content == "" {
		content = collapseSpace(main.Text())
	}
	return research.Page{Title: title, Content: content, PublishedDate: date}
}

func (w *WebFetcher) fetchPDF(ctx context.Context, url string) (research.Page, error) {
	if w.PDF == nil {
		return research.Page{}, errors.New("pdf extraction is not configured")
	}
	text, err := w.PDF.ScrapePDF(ctx, url)
	if err != nil {
		return research.Page{}, fmt.Errorf("failed to scrape pdf: %w", err)
	}
	return research.Page{Content: text}, nil
}

func isPDFURL(url string) bool {
	lower := strings.ToLower(url)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".pdf") || strings.Contains(lower, "arxiv.org/pdf/")
}
