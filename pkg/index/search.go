package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mikeboe/research-director/pkg/vectorstore"
)

// SearchContentArgs are the arguments of a semantic search
type SearchContentArgs struct {
	Query          string  `json:"query" jsonschema:"the search query"`
	TopK           int     `json:"topK,omitempty" jsonschema:"number of top results to return (default 5)"`
	Source         string  `json:"source,omitempty" jsonschema:"only return chunks from this source URL"`
	JobID          string  `json:"job_id,omitempty" jsonschema:"only return content verified by this research job"`
	MinReliability float64 `json:"min_reliability,omitempty" jsonschema:"minimum reliability score between 0 and 1"`
}

// Searcher answers content queries over indexed verified data
type Searcher struct {
	Store    Store
	Embedder Embedder
	Logger   *slog.Logger
}

// NewSearcher wires a searcher
func NewSearcher(store Store, embedder Embedder) *Searcher {
	return &Searcher{Store: store, Embedder: embedder, Logger: slog.Default()}
}

// SearchContent runs a similarity search and formats the hits
func (s *Searcher) SearchContent(ctx context.Context, args SearchContentArgs) (string, error) {
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}
	s.logger().Info("Search content", "query", args.Query, "topK", args.TopK, "source", args.Source, "job", args.JobID)

	queryEmbedding, err := s.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("failed to generate query embedding: %w", err)
	}

	results, err := s.Store.SimilaritySearch(ctx, queryEmbedding, args.TopK, vectorstore.Filter{
		Source:         args.Source,
		JobID:          args.JobID,
		MinReliability: args.MinReliability,
	})
	if err != nil {
		return "", fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return "No matching content found.", nil
	}

	formatted := make([]string, 0, len(results))
	for _, r := range results {
		formatted = append(formatted, formatDocument(r.Document, r.Score))
	}
	return strings.Join(formatted, "\n\n"), nil
}

// FindContentBySource returns every indexed chunk of a source URL in order
func (s *Searcher) FindContentBySource(ctx context.Context, source string) (string, error) {
	docs, err := s.Store.GetContentBySource(ctx, source)
	if err != nil {
		return "", fmt.Errorf("failed to find content: %w", err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

// FindContentByMetadata filters chunks with a $and/$or/$not metadata filter
func (s *Searcher) FindContentByMetadata(ctx context.Context, filter map[string]interface{}, limit int) (string, error) {
	docs, err := s.Store.GetContentByMetadata(ctx, filter, limit)
	if err != nil {
		return "", fmt.Errorf("failed to find content: %w", err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, formatDocument(d, -1))
	}
	return strings.Join(parts, "\n\n"), nil
}

// formatDocument renders source, content and remaining metadata in key
// order. A negative score is omitted.
func formatDocument(doc vectorstore.Document, score float64) string {
	source := "unknown"
	if v, ok := doc.Metadata[vectorstore.MetaSource].(string); ok && v != "" {
		source = v
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Source]: %s\n", source)
	if score >= 0 {
		fmt.Fprintf(&sb, "[Score]: %.3f\n", score)
	}
	fmt.Fprintf(&sb, "[Content]: %s", doc.Content)

	keys := make([]string, 0, len(doc.Metadata))
	for k := range doc.Metadata {
		if k != vectorstore.MetaSource {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n[%s]: %v", k, doc.Metadata[k])
	}
	return sb.String()
}

func (s *Searcher) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
