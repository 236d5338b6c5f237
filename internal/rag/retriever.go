package rag

import (
	"context"
	"fmt"

	"github.com/liliang-cn/docqa/internal/domain"
)

// IndexSource yields the current index for read paths. Implementations
// swap whole instances on rebuild, so a retrieved pointer is always a
// complete index.
type IndexSource interface {
	Current() *Index
}

// ContextRetriever returns ranked supporting chunks for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, question string) ([]domain.RetrievedChunk, error)
}

// Ensure Retriever implements the interface.
var _ ContextRetriever = (*Retriever)(nil)

// Retriever embeds the question, searches the index and applies the
// minimum-similarity filter. Stateless and idempotent: the same question
// against an unchanged index yields the same context.
type Retriever struct {
	embedder Embedder
	source   IndexSource
	topK     int
	minScore float64
}

// NewRetriever creates a retriever over the source's current index.
func NewRetriever(embedder Embedder, source IndexSource, topK int, minScore float64) *Retriever {
	return &Retriever{
		embedder: embedder,
		source:   source,
		topK:     topK,
		minScore: minScore,
	}
}

// Retrieve returns up to topK chunks scoring at least minScore against
// the question, descending by similarity. An empty result means no
// relevant context exists; callers must still answer gracefully.
func (r *Retriever) Retrieve(ctx context.Context, question string) ([]domain.RetrievedChunk, error) {
	index := r.source.Current()
	if index == nil {
		return nil, domain.ErrNotIndexed
	}

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	matches, err := index.Search(vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	results := make([]domain.RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.minScore {
			continue
		}
		chunk, ok := index.Chunk(m.ChunkID)
		if !ok {
			continue
		}
		results = append(results, domain.RetrievedChunk{Chunk: chunk, Score: m.Score})
	}
	return results, nil
}
