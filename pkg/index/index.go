// Package index writes verified research content to the vector store and
// searches it.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mikeboe/research-director/pkg/metrics"
	"github.com/mikeboe/research-director/pkg/research"
	"github.com/mikeboe/research-director/pkg/vectorstore"
)

// Embedder turns text into vectors
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Splitter chunks text before embedding
type Splitter interface {
	SplitText(text string) ([]string, error)
}

// Store is the subset of the pgvector store used here
type Store interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter vectorstore.Filter) ([]vectorstore.SimilaritySearchResult, error)
	GetContentBySource(ctx context.Context, source string) ([]vectorstore.Document, error)
	GetContentByMetadata(ctx context.Context, filter map[string]interface{}, limit int) ([]vectorstore.Document, error)
	IndexedSources(ctx context.Context, jobID string) (map[string]bool, error)
}

// Indexer embeds verified items that were not indexed yet
type Indexer struct {
	Store    Store
	Embedder Embedder
	Splitter Splitter
	Logger   *slog.Logger

	// mu guards jobs only; each job serializes its own writes
	mu   sync.Mutex
	jobs map[string]*jobIndex
}

// jobIndex tracks the sources already written for one job
type jobIndex struct {
	mu      sync.Mutex
	sources map[string]bool
}

// NewIndexer wires the indexer
func NewIndexer(store Store, embedder Embedder, splitter Splitter) *Indexer {
	return &Indexer{
		Store:    store,
		Embedder: embedder,
		Splitter: splitter,
		Logger:   slog.Default(),
		jobs:     make(map[string]*jobIndex),
	}
}

// Index writes chunks for every verified item of state that is not in the
// store yet and returns the number of chunks written.
func (ix *Indexer) Index(ctx context.Context, state *research.State) (int, error) {
	if state == nil || len(state.VerifiedData) == 0 {
		return 0, nil
	}

	job := ix.job(state.ID)
	job.mu.Lock()
	defer job.mu.Unlock()

	seen, err := ix.seen(ctx, job, state.ID)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, item := range state.VerifiedData {
		if seen[item.SourceURL] || strings.TrimSpace(item.VerifiedContent) == "" {
			continue
		}
		docs, err := ix.documents(ctx, state.ID, item)
		if err != nil {
			return written, fmt.Errorf("index %s: %w", item.SourceURL, err)
		}
		if err := ix.Store.AddDocuments(ctx, docs); err != nil {
			return written, fmt.Errorf("index %s: %w", item.SourceURL, err)
		}
		seen[item.SourceURL] = true
		written += len(docs)
		metrics.IndexedChunks.Add(float64(len(docs)))
	}

	if written > 0 {
		ix.logger().Info("Indexed verified content", "job", state.ID, "chunks", written)
	}
	return written, nil
}

func (ix *Indexer) job(jobID string) *jobIndex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.jobs == nil {
		ix.jobs = make(map[string]*jobIndex)
	}
	j, ok := ix.jobs[jobID]
	if !ok {
		j = &jobIndex{}
		ix.jobs[jobID] = j
	}
	return j
}

// seen returns the indexed sources for a job, loading them once per process.
// The caller holds job.mu.
func (ix *Indexer) seen(ctx context.Context, job *jobIndex, jobID string) (map[string]bool, error) {
	if job.sources != nil {
		return job.sources, nil
	}
	s, err := ix.Store.IndexedSources(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = make(map[string]bool)
	}
	job.sources = s
	return s, nil
}

func (ix *Indexer) documents(ctx context.Context, jobID string, item research.VerifiedItem) ([]vectorstore.Document, error) {
	chunks, err := ix.Splitter.SplitText(item.VerifiedContent)
	if err != nil {
		return nil, fmt.Errorf("failed to split content: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	vectors, err := ix.Embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = vectorstore.Document{
			Content: chunk,
			Metadata: map[string]interface{}{
				vectorstore.MetaSource:      item.SourceURL,
				vectorstore.MetaTitle:       item.Title,
				vectorstore.MetaJobID:       jobID,
				vectorstore.MetaReliability: item.ReliabilityScore,
				vectorstore.MetaPublished:   item.PublishedDate,
				vectorstore.MetaChunk:       i,
			},
			Embedding: vectors[i],
		}
	}
	return docs, nil
}

func (ix *Indexer) logger() *slog.Logger {
	if ix.Logger != nil {
		return ix.Logger
	}
	return slog.Default()
}
