package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/docqa/internal/domain"
)

// SessionRepository handles query session persistence
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new query session
func (r *SessionRepository) Create(session *domain.QuerySession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.State == "" {
		session.State = domain.SessionStreaming
	}
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO query_sessions (id, question, state, accumulated_text, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Question, string(session.State), session.AccumulatedText,
		nullableString(session.Error), session.CreatedAt, session.UpdatedAt)

	return err
}

// Get retrieves a query session by ID
func (r *SessionRepository) Get(id string) (*domain.QuerySession, error) {
	session := &domain.QuerySession{}
	var state string
	var errMsg sql.NullString

	err := r.db.QueryRow(`
		SELECT id, question, state, accumulated_text, error, created_at, updated_at
		FROM query_sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.Question, &state, &session.AccumulatedText,
		&errMsg, &session.CreatedAt, &session.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	session.State = domain.SessionState(state)
	if errMsg.Valid {
		session.Error = errMsg.String
	}

	return session, nil
}

// Finish records a session's terminal outcome
func (r *SessionRepository) Finish(id string, state domain.SessionState, accumulated, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE query_sessions
		SET state = ?, accumulated_text = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(state), accumulated, nullableString(errMsg), time.Now(), id)
	return err
}

// CountByState returns the number of sessions in a given state
func (r *SessionRepository) CountByState(state domain.SessionState) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM query_sessions WHERE state = ?`, string(state)).Scan(&count)
	return count, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
