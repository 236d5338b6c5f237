package domain

import "errors"

var (
	// ErrEmptyDocument indicates chunking input with no text
	ErrEmptyDocument = errors.New("document is empty")
	// ErrDimensionMismatch indicates a vector whose size differs from the index
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmbeddingUnavailable indicates the embedding backend failed
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrNotIndexed indicates a query arrived before any successful build
	ErrNotIndexed = errors.New("no documents indexed")
	// ErrIndexing indicates an index build is already in progress
	ErrIndexing = errors.New("indexing already in progress")
	// ErrModelTimeout indicates no model output within the inactivity window
	ErrModelTimeout = errors.New("model timed out")
	// ErrModelRefusal indicates model-level content rejection
	ErrModelRefusal = errors.New("model refused to answer")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
)
