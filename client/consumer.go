// Package client is the library collaborators embed to talk to a DocQA
// server: a stream consumer with session-deadline and cancellation
// semantics, and a health monitor that gates submission.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// State is the lifecycle state of a consumer-side session.
type State string

const (
	// StateIdle is a session built but not yet submitted.
	StateIdle State = "idle"
	// StateStreaming is a session with an open answer stream.
	StateStreaming State = "streaming"
	// StateCompleted is a session whose stream ended with [DONE].
	StateCompleted State = "completed"
	// StateFailed is a session ended by an error frame, a rejection or
	// the session deadline.
	StateFailed State = "failed"
	// StateCancelled is a session abandoned by the caller.
	StateCancelled State = "cancelled"
)

var (
	// ErrStreamTimeout reports that the session deadline expired before
	// the stream finished.
	ErrStreamTimeout = errors.New("stream timed out")
	// ErrCancelled reports that the caller abandoned the session.
	ErrCancelled = errors.New("stream cancelled")
	// ErrNotReady reports a submission attempted while the engine is
	// not indexed.
	ErrNotReady = errors.New("engine is not ready for queries")
)

// RemoteError is a failure the server reported, either through an error
// frame or by rejecting the submission outright.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// DefaultSessionTimeout bounds one whole session, submission through
// the [DONE] sentinel.
const DefaultSessionTimeout = 120 * time.Second

const (
	doneSentinel   = "[DONE]"
	framePrefix    = "data: "
	timeoutMessage = "The answer did not finish within the session deadline."
)

// Session is the client-side record of one submitted question.
type Session struct {
	ID              string
	Question        string
	State           State
	AccumulatedText string
	Error           string
}

// chatFrame is the decoded payload of one data: line. Exactly one field
// is set per frame.
type chatFrame struct {
	Content *string `json:"content"`
	Error   *string `json:"error"`
}

// Config configures a Consumer.
type Config struct {
	// BaseURL is the server address (required).
	BaseURL string

	// SessionTimeout bounds submit through done (default:
	// DefaultSessionTimeout).
	SessionTimeout time.Duration

	// Health, when set, gates submissions on engine readiness.
	Health *HealthMonitor

	// HTTPClient overrides the transport. The default carries no
	// whole-request timeout; the session deadline governs instead.
	HTTPClient *http.Client
}

// Consumer submits questions and consumes the framed answer stream.
// Frames are processed strictly in arrival order on the calling
// goroutine.
type Consumer struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	health  *HealthMonitor
}

// New creates a new consumer
func New(cfg Config) (*Consumer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Consumer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		timeout: cfg.SessionTimeout,
		health:  cfg.Health,
	}, nil
}

// Ask submits one question and blocks until the session reaches a
// terminal state. onDelta, when non-nil, observes every content delta in
// arrival order. The returned session is never nil; the error is nil
// only when the session completed.
func (c *Consumer) Ask(ctx context.Context, question string, onDelta func(delta string)) (*Session, error) {
	session := &Session{Question: question, State: StateIdle}

	// Readiness is checked before any transport is opened; a refused
	// session never leaves Idle and may be resubmitted after indexing.
	if c.health != nil && !c.health.Snapshot().Indexed {
		return session, ErrNotReady
	}

	// One deadline covers the whole session.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session.State = StateStreaming

	body, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return c.failed(session, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return c.failed(session, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.terminate(ctx, session, err)
	}
	defer resp.Body.Close()

	session.ID = resp.Header.Get("X-Session-ID")
	if resp.StatusCode != http.StatusOK {
		return c.failed(session, &RemoteError{Message: readErrorBody(resp)})
	}

	done := false
	scanner := bufio.NewScanner(resp.Body)
	for !done && scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue // blank separators between frames
		}
		payload, isFrame := strings.CutPrefix(line, framePrefix)
		if !isFrame {
			continue // unknown lines are skipped
		}
		if payload == doneSentinel {
			done = true
			continue
		}

		var frame chatFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		switch {
		case frame.Error != nil:
			// An error frame is terminal and replaces any partial
			// answer wholesale.
			session.State = StateFailed
			session.AccumulatedText = *frame.Error
			session.Error = *frame.Error
			return session, &RemoteError{Message: *frame.Error}
		case frame.Content != nil:
			session.AccumulatedText += *frame.Content
			if onDelta != nil {
				onDelta(*frame.Content)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return c.terminate(ctx, session, err)
	}
	if !done {
		return c.failed(session, fmt.Errorf("stream ended without completion"))
	}

	session.State = StateCompleted
	return session, nil
}

// terminate classifies an aborted submission or read: session deadline,
// caller cancellation, or a plain transport failure.
func (c *Consumer) terminate(ctx context.Context, session *Session, err error) (*Session, error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		session.State = StateFailed
		session.AccumulatedText = timeoutMessage
		session.Error = timeoutMessage
		return session, ErrStreamTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		// The caller hung up; partial text is kept and no error message
		// is recorded.
		session.State = StateCancelled
		return session, ErrCancelled
	default:
		return c.failed(session, err)
	}
}

func (c *Consumer) failed(session *Session, err error) (*Session, error) {
	session.State = StateFailed
	session.Error = err.Error()
	return session, err
}

func readErrorBody(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return fmt.Sprintf("server rejected the query: %s", resp.Status)
}
