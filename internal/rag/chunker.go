package rag

import (
	"fmt"
	"unicode/utf8"

	"github.com/liliang-cn/docqa/internal/domain"
)

// Chunker splits document text into bounded, overlapping passages.
type Chunker struct {
	chunkSize int
	overlap   int
}

// NewChunker creates a chunker. overlap must be smaller than chunkSize.
func NewChunker(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, chunkSize)
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Split cuts the document into ordered chunks whose offset ranges jointly
// cover [0, len(text)) with no gaps. Consecutive chunks overlap by exactly
// the configured window, clamped at the document end. Boundaries snap to a
// sentence or paragraph break inside a tolerance window before the size
// limit when one exists; otherwise the text is hard-split at the limit.
func (c *Chunker) Split(doc domain.Document) ([]domain.Chunk, error) {
	text := doc.RawText
	if len(text) == 0 {
		return nil, domain.ErrEmptyDocument
	}

	var chunks []domain.Chunk
	start := 0
	for {
		end := start + c.chunkSize
		if end >= len(text) {
			chunks = append(chunks, c.newChunk(doc, len(chunks), start, len(text)))
			break
		}
		end = c.cutAt(text, start, end)
		chunks = append(chunks, c.newChunk(doc, len(chunks), start, end))
		start = end - c.overlap
	}
	return chunks, nil
}

// cutAt picks the boundary for a chunk starting at start with hard limit
// hardEnd. The returned boundary always exceeds start+overlap so the next
// chunk makes progress past this chunk's start.
func (c *Chunker) cutAt(text string, start, hardEnd int) int {
	floor := start + c.overlap + 1
	window := hardEnd - c.chunkSize/4
	if window < floor {
		window = floor
	}
	for i := hardEnd - 1; i >= window; i-- {
		if !utf8.RuneStart(text[i]) {
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if i+size > hardEnd || !isBreakRune(r) {
			continue
		}
		return i + size
	}
	// No break in the window: hard split, stepping back to a rune
	// boundary when there is room to do so.
	end := hardEnd
	for end > floor && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

// isBreakRune reports whether r ends a sentence or paragraph. Covers
// Latin, Arabic and CJK terminators.
func isBreakRune(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '؟', '؛', '。':
		return true
	}
	return false
}

func (c *Chunker) newChunk(doc domain.Document, seq, start, end int) domain.Chunk {
	return domain.Chunk{
		ID:          fmt.Sprintf("%s:%d", doc.ID, seq),
		DocumentID:  doc.ID,
		SourcePath:  doc.SourcePath,
		Text:        doc.RawText[start:end],
		StartOffset: start,
		EndOffset:   end,
	}
}
