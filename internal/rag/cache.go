package rag

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/liliang-cn/docqa/internal/domain"
)

// WrapLRUCache decorates a retriever with an expiring LRU keyed by the
// index generation and the question text. Entries from a previous index
// build never match after a rebuild because the generation changes.
func WrapLRUCache(next ContextRetriever, source IndexSource, size int, ttl time.Duration) ContextRetriever {
	if next == nil || size <= 0 || ttl <= 0 {
		return next
	}
	return &cachedRetriever{
		next:   next,
		source: source,
		cache:  expirable.NewLRU[string, []domain.RetrievedChunk](size, nil, ttl),
	}
}

type cachedRetriever struct {
	next   ContextRetriever
	source IndexSource
	cache  *expirable.LRU[string, []domain.RetrievedChunk]
}

func (c *cachedRetriever) Retrieve(ctx context.Context, question string) ([]domain.RetrievedChunk, error) {
	key := c.cacheKey(question)
	if cached, ok := c.cache.Get(key); ok {
		return cloneRetrieved(cached), nil
	}
	res, err := c.next.Retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneRetrieved(res))
	return res, nil
}

func (c *cachedRetriever) cacheKey(question string) string {
	var gen uint64
	if index := c.source.Current(); index != nil {
		gen = index.Generation()
	}
	return strconv.FormatUint(gen, 10) + ":" + question
}

func cloneRetrieved(chunks []domain.RetrievedChunk) []domain.RetrievedChunk {
	if len(chunks) == 0 {
		return nil
	}
	clone := make([]domain.RetrievedChunk, len(chunks))
	copy(clone, chunks)
	return clone
}
