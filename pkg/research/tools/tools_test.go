package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/research-director/pkg/research"
)

const arxivFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00001v1</id>
    <title>Solid State
      Batteries</title>
    <summary>  A survey of electrolytes.  </summary>
    <published>2024-01-02T00:00:00Z</published>
    <link href="http://arxiv.org/abs/2401.00001v1" rel="alternate" type="text/html"/>
    <link href="http://arxiv.org/pdf/2401.00001v1" rel="related" type="application/pdf"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2401.00002v1</id>
    <title>No PDF</title>
    <summary>Abstract only.</summary>
    <published>2024-01-03T00:00:00Z</published>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		assert.Equal(t, "3", r.URL.Query().Get("max_results"))
		fmt.Fprint(w, arxivFeed)
	}))
	defer srv.Close()

	a := NewArxivSearch(3)
	a.BaseURL = srv.URL

	hits, err := a.Search(context.Background(), "solid state batteries")
	require.NoError(t, err)
	assert.Equal(t, "all:solid state batteries", gotQuery)
	require.Len(t, hits, 2)

	assert.Equal(t, "http://arxiv.org/pdf/2401.00001v1", hits[0].URL)
	assert.Equal(t, "Solid State Batteries", hits[0].Title)
	assert.Equal(t, "A survey of electrolytes.", hits[0].Snippet)
	assert.Equal(t, "arxiv", hits[0].Source)
	assert.Equal(t, "2024-01-02T00:00:00Z", hits[0].PublishedDate)

	assert.Equal(t, "http://arxiv.org/abs/2401.00002v1", hits[1].URL)
}

func TestArxivSearchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewArxivSearch(0)
	a.BaseURL = srv.URL
	_, err := a.Search(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSerpAPISearch(t *testing.T) {
	tests := []struct {
		name       string
		engine     string
		body       string
		wantURLs   []string
		wantSource string
	}{
		{
			name:       "web organic results",
			engine:     EngineGoogle,
			body:       `{"organic_results":[{"title":"A","link":"https://a.example","snippet":"sa"},{"title":"no link"},{"title":"B","link":"https://b.example"}]}`,
			wantURLs:   []string{"https://a.example", "https://b.example"},
			wantSource: "web",
		},
		{
			name:       "news results with publisher object",
			engine:     EngineNews,
			body:       `{"organic_results":[{"link":"https://ignored.example"}],"news_results":[{"title":"N","link":"https://n.example","date":"2 days ago","source":{"name":"Reuters"}}]}`,
			wantURLs:   []string{"https://n.example"},
			wantSource: "Reuters",
		},
		{
			name:       "scholar results",
			engine:     EngineScholar,
			body:       `{"organic_results":[{"title":"Paper","link":"https://s.example/p"}]}`,
			wantURLs:   []string{"https://s.example/p"},
			wantSource: "scholar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.engine, r.URL.Query().Get("engine"))
				assert.Equal(t, "key", r.URL.Query().Get("api_key"))
				assert.Equal(t, "fusion", r.URL.Query().Get("q"))
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			s := NewSerpAPISearch("key", tt.engine, 5)
			s.BaseURL = srv.URL
			hits, err := s.Search(context.Background(), "fusion")
			require.NoError(t, err)

			var urls []string
			for _, h := range hits {
				urls = append(urls, h.URL)
			}
			assert.Equal(t, tt.wantURLs, urls)
			assert.Equal(t, tt.wantSource, hits[0].Source)
		})
	}
}

func TestSerpAPISearchErrors(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		_, err := NewSerpAPISearch("", EngineGoogle, 0).Search(context.Background(), "q")
		require.Error(t, err)
	})

	t.Run("api error field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error":"Invalid API key"}`)
		}))
		defer srv.Close()
		s := NewSerpAPISearch("bad", EngineGoogle, 0)
		s.BaseURL = srv.URL
		_, err := s.Search(context.Background(), "q")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid API key")
	})
}

type stubProvider struct {
	hits []research.SearchHit
	err  error
}

func (s stubProvider) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	return s.hits, s.err
}

func TestMultiSearch(t *testing.T) {
	web := stubProvider{hits: []research.SearchHit{{URL: "https://a"}, {URL: "https://b"}}}
	news := stubProvider{hits: []research.SearchHit{{URL: "https://b", Title: "dup"}, {URL: "https://c"}}}
	broken := stubProvider{err: errors.New("down")}

	m := NewMultiSearch(web, nil, broken, news)
	require.Len(t, m.Providers, 3)

	hits, err := m.Search(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "https://a", hits[0].URL)
	assert.Equal(t, "https://b", hits[1].URL)
	assert.Empty(t, hits[1].Title)
	assert.Equal(t, "https://c", hits[2].URL)

	_, err = NewMultiSearch(broken, broken).Search(context.Background(), "q")
	require.Error(t, err)

	_, err = NewMultiSearch().Search(context.Background(), "q")
	require.Error(t, err)
}

type countingProvider struct{ calls atomic.Int32 }

func (c *countingProvider) Search(ctx context.Context, query string) ([]research.SearchHit, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestRateLimitedHonorsContext(t *testing.T) {
	inner := &countingProvider{}
	r := NewRateLimited(inner, 0.001)

	_, err := r.Search(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Search(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRateLimitedUnlimited(t *testing.T) {
	inner := &countingProvider{}
	r := NewRateLimited(inner, 0)
	for i := 0; i < 10; i++ {
		_, err := r.Search(context.Background(), "q")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(10), inner.calls.Load())
}

const articleHTML = `<html><head>
<title>Fallback Title</title>
<meta property="og:title" content="Fusion Milestone">
<meta property="article:published_time" content="2024-05-01">
<script>var tracking = 1;</script>
</head><body>
<nav>Home | About</nav>
<article><h1>Fusion Milestone</h1><p>The reactor produced <b>net energy</b> for the first time.</p></article>
<footer>Copyright</footer>
</body></html>`

func TestWebFetcherExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	f := NewWebFetcher(time.Second, nil)
	page, err := f.Fetch(context.Background(), srv.URL+"/news")
	require.NoError(t, err)

	assert.Equal(t, "Fusion Milestone", page.Title)
	assert.Equal(t, "2024-05-01", page.PublishedDate)
	assert.Contains(t, page.Content, "net energy")
	assert.NotContains(t, page.Content, "tracking")
	assert.NotContains(t, page.Content, "Home | About")
	assert.NotContains(t, page.Content, "Copyright")
}

func TestWebFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/empty":
			fmt.Fprint(w, "<html><body><script>x()</script></body></html>")
		}
	}))
	defer srv.Close()

	f := NewWebFetcher(time.Second, nil)
	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/empty")
	require.Error(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/paper.pdf")
	require.Error(t, err)
}

type stubPDF struct{ url string }

func (s *stubPDF) ScrapePDF(ctx context.Context, url string) (string, error) {
	s.url = url
	return "pdf text", nil
}

func TestWebFetcherDelegatesPDF(t *testing.T) {
	pdf := &stubPDF{}
	f := NewWebFetcher(time.Second, pdf)

	page, err := f.Fetch(context.Background(), "http://arxiv.org/pdf/2401.00001v1")
	require.NoError(t, err)
	assert.Equal(t, "pdf text", page.Content)
	assert.Equal(t, "http://arxiv.org/pdf/2401.00001v1", pdf.url)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer srv.Close()
	page, err = f.Fetch(context.Background(), srv.URL+"/download?id=1")
	require.NoError(t, err)
	assert.Equal(t, "pdf text", page.Content)
}

func TestPDFScraper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"pages":[{"index":0,"markdown":"# Page one"},{"index":1,"markdown":"Page two"}]}`)
	}))
	defer srv.Close()

	p := NewPDFScraper("secret")
	p.BaseURL = srv.URL
	text, err := p.ScrapePDF(context.Background(), "http://example.com/a.pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "# Page one"))
	assert.Contains(t, text, "Page two")

	_, err = NewPDFScraper("").ScrapePDF(context.Background(), "https://example.com/a.pdf")
	require.Error(t, err)
}
