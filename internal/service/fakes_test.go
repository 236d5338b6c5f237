package service

import (
	"context"
	"strings"
	"sync"

	"github.com/liliang-cn/docqa/internal/rag"
)

// wordEmbedder is a deterministic embedder for tests: axis 0 responds to
// "cat", axis 1 to "dog", axis 2 to everything else.
type wordEmbedder struct {
	mu  sync.Mutex
	err error
}

func (f *wordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "cat"):
		return []float32{1, 0.1, 0}
	case strings.Contains(lower, "dog"):
		return []float32{0.1, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func (f *wordEmbedder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.vector(text), nil
}

func (f *wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

func (f *wordEmbedder) Dimensions() int   { return 3 }
func (f *wordEmbedder) ModelName() string { return "word-embedder" }

// fakeStream replays scripted segments, then stops with the scripted
// terminal error (nil for a natural end).
type fakeStream struct {
	segments []string
	err      error
	i        int
	cur      string
	closed   bool
}

func (f *fakeStream) Next() bool {
	if f.closed || f.i >= len(f.segments) {
		return false
	}
	f.cur = f.segments[f.i]
	f.i++
	return true
}

func (f *fakeStream) Current() string { return f.cur }

func (f *fakeStream) Err() error {
	if f.i < len(f.segments) {
		return nil
	}
	return f.err
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

// fakeGenerator serves scripted answers and streams, recording the
// prompts it saw.
type fakeGenerator struct {
	mu            sync.Mutex
	answer        string
	segments      []string
	streamErr     error
	startErr      error
	lastPrompt    string
	streamCalls   int
	generateCalls int
	lastStream    *fakeStream
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrompt = prompt
	g.generateCalls++
	if g.startErr != nil {
		return "", g.startErr
	}
	return g.answer, nil
}

func (g *fakeGenerator) GenerateStream(ctx context.Context, prompt string) (rag.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrompt = prompt
	g.streamCalls++
	if g.startErr != nil {
		return nil, g.startErr
	}
	g.lastStream = &fakeStream{segments: g.segments, err: g.streamErr}
	return g.lastStream, nil
}

func (g *fakeGenerator) stream() *fakeStream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStream
}

func (g *fakeGenerator) prompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastPrompt
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamCalls
}

func (g *fakeGenerator) completions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generateCalls
}
