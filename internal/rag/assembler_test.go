package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/docqa/internal/domain"
)

func retrieved(id string, score float64) domain.RetrievedChunk {
	return domain.RetrievedChunk{Chunk: testChunk(id), Score: score}
}

func TestContextAssemblerAssemble_IncludesQuestionAndContext(t *testing.T) {
	a := NewContextAssembler(0)
	chunks := []domain.RetrievedChunk{retrieved("a", 0.91)}

	prompt := a.Assemble("What is a?", chunks)

	assert.Contains(t, prompt, "What is a?")
	assert.Contains(t, prompt, "text for a")
	assert.Contains(t, prompt, "[source 1: a.txt (similarity 0.91)]")
	assert.Contains(t, prompt, "ANSWER:")
	assert.NotContains(t, prompt, NoContextMarker)
}

func TestContextAssemblerAssemble_Deterministic(t *testing.T) {
	a := NewContextAssembler(0)
	chunks := []domain.RetrievedChunk{retrieved("a", 0.9), retrieved("b", 0.5)}

	assert.Equal(t, a.Assemble("q", chunks), a.Assemble("q", chunks))
}

func TestContextAssemblerRenderContext_EmptyMarksNoContext(t *testing.T) {
	a := NewContextAssembler(0)

	assert.Equal(t, NoContextMarker, a.RenderContext(nil))
	assert.Contains(t, a.Assemble("q", nil), NoContextMarker)
}

func TestContextAssemblerRenderContext_DropsLowestScoringOverBudget(t *testing.T) {
	chunks := []domain.RetrievedChunk{retrieved("a", 0.9), retrieved("b", 0.5)}

	firstOnly := NewContextAssembler(0).RenderContext(chunks[:1])
	budget := len(firstOnly)

	got := NewContextAssembler(budget).RenderContext(chunks)
	assert.Equal(t, firstOnly, got)
	assert.NotContains(t, got, "[source 2:")
}

func TestContextAssemblerRenderContext_NumbersSourcesInScoreOrder(t *testing.T) {
	chunks := []domain.RetrievedChunk{retrieved("a", 0.9), retrieved("b", 0.5)}

	got := NewContextAssembler(0).RenderContext(chunks)

	first := strings.Index(got, "[source 1: a.txt")
	second := strings.Index(got, "[source 2: b.txt")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first)
}

func TestSources_ProjectsRetrievedChunks(t *testing.T) {
	chunks := []domain.RetrievedChunk{retrieved("a", 0.9)}

	sources := Sources(chunks)
	require.Len(t, sources, 1)
	assert.Equal(t, "doc-a", sources[0].DocumentID)
	assert.Equal(t, "a.txt", sources[0].SourcePath)
	assert.Equal(t, "text for a", sources[0].Text)
	assert.Equal(t, 0.9, sources[0].Score)

	assert.Nil(t, Sources(nil))
}
