package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/docqa/internal/domain"
)

type fakeEmbedder struct {
	dims  int
	fn    func(text string) []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.fn(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return f.dims }
func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }

type fixedSource struct {
	ix *Index
}

func (s *fixedSource) Current() *Index { return s.ix }

func threeChunkIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex(3)
	require.NoError(t, err)
	require.NoError(t, ix.Add(testChunk("a"), []float32{1, 0, 0}))
	require.NoError(t, ix.Add(testChunk("b"), []float32{0, 1, 0}))
	require.NoError(t, ix.Add(testChunk("c"), []float32{0.9, 0.45, 0}))
	return ix
}

func unitXEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		dims: 3,
		fn:   func(string) []float32 { return []float32{1, 0, 0} },
	}
}

func TestRetrieverRetrieve_FiltersBelowMinSimilarity(t *testing.T) {
	source := &fixedSource{ix: threeChunkIndex(t)}
	r := NewRetriever(unitXEmbedder(), source, 5, 0.5)

	got, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Equal(t, "text for a", got[0].Text)
}

func TestRetrieverRetrieve_MonotoneInMinSimilarity(t *testing.T) {
	source := &fixedSource{ix: threeChunkIndex(t)}

	prev := -1
	for _, minScore := range []float64{0.0, 0.5, 0.95, 1.1} {
		r := NewRetriever(unitXEmbedder(), source, 5, minScore)
		got, err := r.Retrieve(context.Background(), "anything")
		require.NoError(t, err)
		if prev >= 0 {
			assert.LessOrEqual(t, len(got), prev, "min_similarity %v grew the result", minScore)
		}
		prev = len(got)
	}
}

func TestRetrieverRetrieve_EmptyIndexYieldsNoContext(t *testing.T) {
	ix, err := NewIndex(3)
	require.NoError(t, err)
	r := NewRetriever(unitXEmbedder(), &fixedSource{ix: ix}, 5, 0.3)

	got, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieverRetrieve_NoIndexIsNotIndexed(t *testing.T) {
	r := NewRetriever(unitXEmbedder(), &fixedSource{}, 5, 0.3)

	_, err := r.Retrieve(context.Background(), "anything")
	assert.ErrorIs(t, err, domain.ErrNotIndexed)
}

func TestRetrieverRetrieve_EmbedderFailurePropagates(t *testing.T) {
	embedder := &fakeEmbedder{dims: 3, err: domain.ErrEmbeddingUnavailable}
	r := NewRetriever(embedder, &fixedSource{ix: threeChunkIndex(t)}, 5, 0.3)

	_, err := r.Retrieve(context.Background(), "anything")
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
}
