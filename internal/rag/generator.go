package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/docqa/internal/domain"
)

// Generator produces model completions for an assembled prompt.
type Generator interface {
	// Generate returns the full completion in one call.
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateStream starts a fresh generation and returns its segment
	// stream. Streams are finite and single-use: they cannot be restarted.
	GenerateStream(ctx context.Context, prompt string) (Stream, error)
}

// Stream yields generated text segments lazily. Drain it with Next/Current
// or abandon it with Close; either way the underlying model connection is
// released. Err reports why the stream stopped: nil on natural completion,
// domain.ErrModelTimeout when the inactivity window elapsed without a
// segment, domain.ErrModelRefusal on a model-level content rejection.
type Stream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Ensure OpenAIGenerator implements the interface.
var _ Generator = (*OpenAIGenerator)(nil)

// Generator defaults.
const (
	DefaultGenerationModel  = "gpt-4o-mini"
	DefaultGeneratorTimeout = 120 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	defaultGeneratorBaseURL = "https://api.openai.com/v1"
)

// GeneratorConfig holds configuration for the OpenAI-compatible generator.
type GeneratorConfig struct {
	// BaseURL is the API base URL. Works with any OpenAI-compatible
	// endpoint.
	BaseURL string

	// APIKey is the bearer token (required).
	APIKey string

	// Model is the generation model identifier.
	Model string

	// Temperature is the sampling temperature.
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int

	// Timeout bounds a whole non-streaming request (default: 120s).
	Timeout time.Duration

	// IdleTimeout bounds the wait for the next streamed segment
	// (default: 30s). Expiry surfaces domain.ErrModelTimeout.
	IdleTimeout time.Duration
}

// OpenAIGenerator produces completions through an OpenAI-compatible
// /chat/completions endpoint, streaming or not.
type OpenAIGenerator struct {
	client      *http.Client
	streamCl    *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	idleTimeout time.Duration
}

// chatCompletionRequest is the /chat/completions request format.
type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []chatCompletionMsg `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

// chatCompletionMsg is the chat message format.
type chatCompletionMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionResponse is the non-streaming response format.
type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// chatStreamChunk is one decoded frame of the streaming response.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIGenerator creates a generator backed by an OpenAI-compatible API.
func NewOpenAIGenerator(cfg GeneratorConfig) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generator: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeneratorBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGenerationModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultGeneratorTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &OpenAIGenerator{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		// Streaming responses outlive any sane whole-request timeout;
		// the per-segment inactivity timer bounds them instead.
		streamCl:    &http.Client{},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		idleTimeout: cfg.IdleTimeout,
	}, nil
}

// Generate returns the full completion for a prompt in one call.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := g.requestBody(prompt, false)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", domain.ErrModelTimeout, err)
		}
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("model error: %s", chatResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model error (status %d): %s", resp.StatusCode, string(raw))
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	choice := chatResp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", fmt.Errorf("%w: content filtered", domain.ErrModelRefusal)
	}
	return choice.Message.Content, nil
}

// GenerateStream starts a streaming generation. The returned stream owns
// the HTTP connection and releases it on Close or when drained.
func (g *OpenAIGenerator) GenerateStream(ctx context.Context, prompt string) (Stream, error) {
	body, err := g.requestBody(prompt, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.streamCl.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("model error (status %d): %s", resp.StatusCode, string(raw))
	}

	return &openaiStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
		idle:    g.idleTimeout,
	}, nil
}

func (g *OpenAIGenerator) requestBody(prompt string, stream bool) (io.Reader, error) {
	reqBody := chatCompletionRequest{
		Model:       g.model,
		Messages:    []chatCompletionMsg{{Role: "user", Content: prompt}},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
		Stream:      stream,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return bytes.NewReader(jsonBody), nil
}

func (g *OpenAIGenerator) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// openaiStream parses the upstream SSE body frame by frame.
type openaiStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	cancel   context.CancelFunc
	idle     time.Duration
	timedOut atomic.Bool
	current  string
	err      error
	closed   bool
}

// Next advances to the following text segment. It returns false when the
// stream ends, errs, or the inactivity window elapses; every false return
// has already released the connection.
func (s *openaiStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	for {
		timer := time.AfterFunc(s.idle, s.abort)
		ok := s.scanner.Scan()
		timer.Stop()
		if !ok {
			if s.timedOut.Load() {
				s.err = fmt.Errorf("%w: no segment within %v", domain.ErrModelTimeout, s.idle)
			} else if err := s.scanner.Err(); err != nil {
				s.err = fmt.Errorf("read stream: %w", err)
			}
			s.Close()
			return false
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.Close()
			return false
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			s.err = fmt.Errorf("model error: %s", chunk.Error.Message)
			s.Close()
			return false
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason == "content_filter" {
			s.err = fmt.Errorf("%w: content filtered", domain.ErrModelRefusal)
			s.Close()
			return false
		}
		if choice.Delta.Content == "" {
			continue
		}
		s.current = choice.Delta.Content
		return true
	}
}

// Current returns the segment read by the last successful Next.
func (s *openaiStream) Current() string {
	return s.current
}

// Err reports why the stream stopped. Nil after a natural end.
func (s *openaiStream) Err() error {
	return s.err
}

// Close releases the model connection. Safe to call at any point,
// including before the stream is drained.
func (s *openaiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.body.Close()
}

// abort fires on segment inactivity and severs the in-flight read.
func (s *openaiStream) abort() {
	s.timedOut.Store(true)
	s.cancel()
}
