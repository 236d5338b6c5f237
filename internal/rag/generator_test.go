package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/docqa/internal/domain"
)

func contentFrame(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
}

func streamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range frames {
			io.WriteString(w, frame)
			fl.Flush()
		}
	}))
}

func newTestGenerator(t *testing.T, baseURL string, idle time.Duration) *OpenAIGenerator {
	t.Helper()
	g, err := NewOpenAIGenerator(GeneratorConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Model:       "test-model",
		IdleTimeout: idle,
	})
	require.NoError(t, err)
	return g
}

func TestNewOpenAIGenerator_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIGenerator(GeneratorConfig{})
	assert.Error(t, err)
}

func TestOpenAIGeneratorGenerateStream_YieldsSegmentsUntilDone(t *testing.T) {
	srv := streamServer(t,
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n",
		contentFrame("Hello"),
		"\n",
		contentFrame(" world"),
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)
	defer stream.Close()

	var parts []string
	for stream.Next() {
		parts = append(parts, stream.Current())
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"Hello", " world"}, parts)
}

func TestOpenAIGeneratorGenerateStream_SkipsMalformedFrames(t *testing.T) {
	srv := streamServer(t,
		"data: {not json at all\n\n",
		contentFrame("ok"),
		"data: [DONE]\n\n",
	)
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)
	defer stream.Close()

	var parts []string
	for stream.Next() {
		parts = append(parts, stream.Current())
	}
	require.NoError(t, stream.Err())
	assert.Equal(t, []string{"ok"}, parts)
}

func TestOpenAIGeneratorGenerateStream_ErrorFrameIsTerminal(t *testing.T) {
	srv := streamServer(t,
		contentFrame("partial"),
		"data: {\"error\":{\"message\":\"upstream exploded\"}}\n\n",
	)
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Next())
	assert.Equal(t, "partial", stream.Current())
	assert.False(t, stream.Next())
	assert.ErrorContains(t, stream.Err(), "upstream exploded")
	assert.False(t, stream.Next(), "stream must stay terminated")
}

func TestOpenAIGeneratorGenerateStream_ContentFilterIsRefusal(t *testing.T) {
	srv := streamServer(t,
		contentFrame("I"),
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\n",
	)
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Next())
	assert.False(t, stream.Next())
	assert.ErrorIs(t, stream.Err(), domain.ErrModelRefusal)
}

func TestOpenAIGeneratorGenerateStream_InactivityTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		io.WriteString(w, contentFrame("partial"))
		fl.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	g := newTestGenerator(t, srv.URL, 50*time.Millisecond)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Next())
	assert.Equal(t, "partial", stream.Current())
	assert.False(t, stream.Next())
	assert.ErrorIs(t, stream.Err(), domain.ErrModelTimeout)
}

func TestOpenAIGeneratorGenerateStream_CloseReleasesConnection(t *testing.T) {
	disconnected := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(disconnected)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for {
			io.WriteString(w, contentFrame("x"))
			fl.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	stream, err := g.GenerateStream(context.Background(), "prompt")
	require.NoError(t, err)

	require.True(t, stream.Next())
	require.NoError(t, stream.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not released after Close")
	}
	assert.False(t, stream.Next())
}

func TestOpenAIGeneratorGenerateStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model"}}`)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	_, err := g.GenerateStream(context.Background(), "prompt")
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad model")
}

func TestOpenAIGeneratorGenerate_ReturnsCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"The answer."},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	got, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "The answer.", got)
}

func TestOpenAIGeneratorGenerate_ContentFilterIsRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	_, err := g.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, domain.ErrModelRefusal)
}

func TestOpenAIGeneratorGenerate_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, time.Second)
	_, err := g.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.ErrorContains(t, err, "bad model")
}
