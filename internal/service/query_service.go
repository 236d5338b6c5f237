package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/liliang-cn/docqa/internal/domain"
	"github.com/liliang-cn/docqa/internal/rag"
	"github.com/liliang-cn/docqa/internal/repository"
)

// noContextAnswer is the graceful reply when retrieval finds nothing
// relevant; the model is not consulted in that case.
const noContextAnswer = "Sorry, I could not find relevant information in the indexed documents to answer this question."

// QueryService answers questions against the current index.
type QueryService struct {
	retriever   rag.ContextRetriever
	assembler   *rag.ContextAssembler
	generator   rag.Generator
	index       *IndexService
	sessionRepo *repository.SessionRepository
	logger      *zap.Logger
}

// NewQueryService creates a new query service
func NewQueryService(
	retriever rag.ContextRetriever,
	assembler *rag.ContextAssembler,
	generator rag.Generator,
	index *IndexService,
	sessionRepo *repository.SessionRepository,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		retriever:   retriever,
		assembler:   assembler,
		generator:   generator,
		index:       index,
		sessionRepo: sessionRepo,
		logger:      logger,
	}
}

// Ask answers a question in one response. Queries are rejected with
// domain.ErrNotIndexed until an index is available.
func (s *QueryService) Ask(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	if !s.index.Ready() {
		return nil, domain.ErrNotIndexed
	}

	session := &domain.QuerySession{Question: req.Question}
	s.createSession(session)

	chunks, err := s.retriever.Retrieve(ctx, req.Question)
	if err != nil {
		s.finishSession(session.ID, domain.SessionFailed, "", clientMessage(err))
		return nil, err
	}

	resp := &domain.ChatResponse{SessionID: session.ID, Question: req.Question}
	if len(chunks) == 0 {
		resp.Answer = noContextAnswer
	} else {
		answer, err := s.generator.Generate(ctx, s.assembler.Assemble(req.Question, chunks))
		if err != nil {
			s.finishSession(session.ID, domain.SessionFailed, "", clientMessage(err))
			return nil, err
		}
		resp.Answer = answer
	}

	if req.ReturnContext {
		resp.Context = s.assembler.RenderContext(chunks)
		resp.Sources = rag.Sources(chunks)
	}

	s.finishSession(session.ID, domain.SessionCompleted, resp.Answer, "")
	return resp, nil
}

// Stream answers a question as an ordered event stream. The returned
// channel carries content deltas followed by exactly one terminal event:
// Done on success or a single Error that supersedes all prior content.
// The not-indexed precondition is reported here, synchronously, so the
// caller can reject the query before opening any transport.
func (s *QueryService) Stream(ctx context.Context, req *domain.ChatRequest) (string, <-chan domain.StreamEvent, error) {
	if !s.index.Ready() {
		return "", nil, domain.ErrNotIndexed
	}

	session := &domain.QuerySession{Question: req.Question}
	s.createSession(session)

	ch := make(chan domain.StreamEvent, 16)
	go s.produce(ctx, session.ID, req.Question, ch)
	return session.ID, ch, nil
}

// GetSession returns a recorded query session.
func (s *QueryService) GetSession(id string) (*domain.QuerySession, error) {
	session, err := s.sessionRepo.Get(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func (s *QueryService) produce(ctx context.Context, sessionID, question string, ch chan<- domain.StreamEvent) {
	defer close(ch)

	chunks, err := s.retriever.Retrieve(ctx, question)
	if err != nil {
		s.fail(ctx, ch, sessionID, err)
		return
	}

	if len(chunks) == 0 {
		if s.emit(ctx, ch, domain.ContentEvent(noContextAnswer)) && s.emit(ctx, ch, domain.DoneEvent()) {
			s.finishSession(sessionID, domain.SessionCompleted, noContextAnswer, "")
		} else {
			s.finishSession(sessionID, domain.SessionCancelled, "", "")
		}
		return
	}

	prompt := s.assembler.Assemble(question, chunks)
	stream, err := s.generator.GenerateStream(ctx, prompt)
	if err != nil {
		s.fail(ctx, ch, sessionID, err)
		return
	}
	defer stream.Close()

	var accumulated strings.Builder
	for stream.Next() {
		if !s.emit(ctx, ch, domain.ContentEvent(stream.Current())) {
			s.finishSession(sessionID, domain.SessionCancelled, accumulated.String(), "")
			return
		}
		accumulated.WriteString(stream.Current())
	}
	if err := stream.Err(); err != nil {
		s.fail(ctx, ch, sessionID, err)
		return
	}

	// Some models end a stream without any deltas; fall back to one
	// non-streaming completion rather than finishing with nothing.
	if accumulated.Len() == 0 {
		answer, err := s.generator.Generate(ctx, prompt)
		if err != nil {
			s.fail(ctx, ch, sessionID, err)
			return
		}
		if !s.emit(ctx, ch, domain.ContentEvent(answer)) {
			s.finishSession(sessionID, domain.SessionCancelled, "", "")
			return
		}
		accumulated.WriteString(answer)
	}

	if s.emit(ctx, ch, domain.DoneEvent()) {
		s.finishSession(sessionID, domain.SessionCompleted, accumulated.String(), "")
	} else {
		s.finishSession(sessionID, domain.SessionCancelled, accumulated.String(), "")
	}
}

// emit delivers one event unless the consumer has gone away.
func (s *QueryService) emit(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail terminates a stream with a single error event. A canceled context
// is the caller hanging up, not a failure.
func (s *QueryService) fail(ctx context.Context, ch chan<- domain.StreamEvent, sessionID string, err error) {
	if errors.Is(err, context.Canceled) {
		s.finishSession(sessionID, domain.SessionCancelled, "", "")
		return
	}

	msg := clientMessage(err)
	s.logger.Error("Query stream failed",
		zap.String("session_id", sessionID),
		zap.Error(err))
	s.emit(ctx, ch, domain.ErrorEvent(msg))
	s.finishSession(sessionID, domain.SessionFailed, msg, msg)
}

// clientMessage maps engine failures to the message a consumer may see.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrModelTimeout):
		return "The model stopped responding before finishing the answer."
	case errors.Is(err, domain.ErrModelRefusal):
		return "The model declined to answer this question."
	case errors.Is(err, domain.ErrEmbeddingUnavailable):
		return "The question could not be processed right now. Please try again."
	case errors.Is(err, domain.ErrNotIndexed):
		return "No documents are indexed yet."
	default:
		return "Something went wrong while generating the answer."
	}
}

// Session records are bookkeeping; their failures are logged, never
// allowed to break an answer in flight.
func (s *QueryService) createSession(session *domain.QuerySession) {
	if err := s.sessionRepo.Create(session); err != nil {
		s.logger.Warn("Failed to record query session", zap.Error(err))
	}
}

func (s *QueryService) finishSession(id string, state domain.SessionState, text, errMsg string) {
	if id == "" {
		return
	}
	if err := s.sessionRepo.Finish(id, state, text, errMsg); err != nil {
		s.logger.Warn("Failed to update query session",
			zap.String("session_id", id),
			zap.Error(err))
	}
}
