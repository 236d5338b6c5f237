package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/docqa/internal/domain"
	"github.com/liliang-cn/docqa/internal/service"
)

// doneFrame is the sentinel that terminates every event stream.
const doneFrame = "[DONE]"

// contentFrame and errorFrame are the two JSON payloads a stream may
// carry. Exactly one key each; consumers dispatch on which key is set.
type contentFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// Handler serves the query and index endpoints.
type Handler struct {
	query  *service.QueryService
	index  *service.IndexService
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(query *service.QueryService, index *service.IndexService, logger *zap.Logger) *Handler {
	return &Handler{query: query, index: index, logger: logger}
}

// Health reports engine readiness. Callers gate querying on "indexed".
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.index.Health())
}

// Chat answers a question synchronously
func (h *Handler) Chat(c *gin.Context) {
	req, ok := h.bindQuestion(c)
	if !ok {
		return
	}

	resp, err := h.query.Ask(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ChatStream answers a question as a stream of data: frames terminated
// by the [DONE] sentinel. Precondition failures are reported as plain
// JSON errors before any frame is written.
func (h *Handler) ChatStream(c *gin.Context) {
	req, ok := h.bindQuestion(c)
	if !ok {
		return
	}

	sessionID, events, err := h.query.Stream(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Session-ID", sessionID)

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			writeRaw(w, doneFrame)
			return false
		}
		switch ev.Kind {
		case domain.EventContent:
			writeFrame(w, contentFrame{Content: ev.Text})
		case domain.EventError:
			writeFrame(w, errorFrame{Error: ev.Message})
		case domain.EventDone:
			// The producer closes the channel next; the sentinel is
			// written on close so it goes out exactly once on every path.
		}
		return true
	})
}

// BuildIndex rebuilds the document index. Guarded by the API key
// middleware when a key is configured.
func (h *Handler) BuildIndex(c *gin.Context) {
	var req domain.IndexRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	stats, err := h.index.Build(c.Request.Context(), req.DocsDir)
	if err != nil {
		if errors.Is(err, domain.ErrIndexing) {
			c.JSON(http.StatusConflict, gin.H{"error": "an index build is already in progress"})
			return
		}
		h.logger.Error("Index build failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, domain.IndexResponse{
		Status:       "ok",
		Message:      fmt.Sprintf("indexed %d documents (%d chunks)", stats.Documents, stats.Chunks),
		NumDocuments: stats.Documents,
	})
}

// GetSession returns a recorded query session
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.query.GetSession(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// bindQuestion decodes and validates a chat request body.
func (h *Handler) bindQuestion(c *gin.Context) (*domain.ChatRequest, bool) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question must not be blank"})
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotIndexed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no documents indexed; build the index first"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func writeFrame(w io.Writer, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeRaw(w io.Writer, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
