package rag

import (
	"fmt"
	"strings"

	"github.com/liliang-cn/docqa/internal/domain"
)

// NoContextMarker is rendered in place of the context block when
// retrieval produced nothing, so the model is told explicitly instead
// of receiving a silently empty section.
const NoContextMarker = "No supporting context found."

const promptTemplate = `You are a knowledgeable assistant that answers questions using a set of reference documents.
- Read the retrieved context carefully before answering.
- Base your answer on the context and cite the source passages when useful.
- If the context is insufficient or unrelated to the question, say so clearly instead of guessing.
- Organize your answer logically: the main point first, then supporting detail.

CONTEXT:
%s

QUESTION: %s

ANSWER:`

// ContextAssembler renders retrieved chunks plus the question into one
// generation prompt. Rendering is deterministic: the same chunks and
// question always produce the same prompt.
type ContextAssembler struct {
	budget int
}

// NewContextAssembler creates an assembler whose rendered context block
// is limited to budget characters. A budget of zero or less disables
// the limit.
func NewContextAssembler(budget int) *ContextAssembler {
	return &ContextAssembler{budget: budget}
}

// Assemble builds the full prompt for a question from its retrieved
// chunks. Chunks must already be in descending score order.
func (a *ContextAssembler) Assemble(question string, chunks []domain.RetrievedChunk) string {
	return fmt.Sprintf(promptTemplate, a.RenderContext(chunks), question)
}

// RenderContext formats chunks as numbered source blocks. When the
// budget would be exceeded, lowest-scoring chunks are dropped first;
// since chunks arrive in descending score order this keeps the longest
// prefix that fits.
func (a *ContextAssembler) RenderContext(chunks []domain.RetrievedChunk) string {
	if len(chunks) == 0 {
		return NoContextMarker
	}

	var sb strings.Builder
	for i, rc := range chunks {
		block := fmt.Sprintf("[source %d: %s (similarity %.2f)]\n%s\n", i+1, rc.SourcePath, rc.Score, rc.Text)
		if i > 0 {
			block = "\n" + block
		}
		if a.budget > 0 && sb.Len()+len(block) > a.budget {
			break
		}
		sb.WriteString(block)
	}
	if sb.Len() == 0 {
		return NoContextMarker
	}
	return sb.String()
}

// Sources projects retrieved chunks into the response shape returned to
// callers that asked for the supporting context.
func Sources(chunks []domain.RetrievedChunk) []domain.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]domain.Source, 0, len(chunks))
	for _, rc := range chunks {
		sources = append(sources, domain.Source{
			DocumentID: rc.DocumentID,
			SourcePath: rc.SourcePath,
			Text:       rc.Text,
			Score:      rc.Score,
		})
	}
	return sources
}
