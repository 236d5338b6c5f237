package domain

import "time"

// SessionState is the lifecycle state of a QuerySession.
type SessionState string

// Session states. Completed, Failed and Cancelled are terminal:
// no further events are valid once one of them is reached.
const (
	SessionPending   SessionState = "pending"
	SessionStreaming SessionState = "streaming"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// QuerySession tracks one submitted question through its stream lifecycle.
type QuerySession struct {
	ID              string       `json:"id"`
	Question        string       `json:"question"`
	State           SessionState `json:"state"`
	AccumulatedText string       `json:"accumulated_text"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// EventKind tags a StreamEvent variant.
type EventKind int

const (
	// EventContent carries an answer fragment to append.
	EventContent EventKind = iota
	// EventError carries a terminal error message that replaces
	// any partial answer. No content may follow it.
	EventError
	// EventDone marks the natural end of the stream.
	EventDone
)

// StreamEvent is one element of a query's ordered event stream.
// Exactly one variant applies, selected by Kind.
type StreamEvent struct {
	Kind    EventKind
	Text    string // EventContent
	Message string // EventError
}

// ContentEvent builds a content delta event.
func ContentEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventContent, Text: text}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Kind: EventError, Message: message}
}

// DoneEvent builds the end-of-stream event.
func DoneEvent() StreamEvent {
	return StreamEvent{Kind: EventDone}
}

// ChatRequest is the request to ask a question.
type ChatRequest struct {
	Question      string `json:"question" binding:"required"`
	ReturnContext bool   `json:"return_context,omitempty"`
}

// ChatResponse is the synchronous answer to a question.
type ChatResponse struct {
	SessionID string   `json:"session_id,omitempty"`
	Question  string   `json:"question"`
	Answer    string   `json:"answer"`
	Context   string   `json:"context,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
}

// IndexRequest is the request to build the index.
type IndexRequest struct {
	DocsDir string `json:"docs_dir,omitempty"`
}

// IndexResponse reports the outcome of an index build.
type IndexResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	NumDocuments int    `json:"num_documents"`
}

// HealthResponse reports engine readiness. Callers must not submit
// queries while Indexed is false.
type HealthResponse struct {
	Status       string `json:"status"`
	Indexed      bool   `json:"indexed"`
	NumDocuments int    `json:"num_documents"`
}
