package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMessage inserts a pending prompt message.
func (s *Store) CreateMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	if m.Status == "" {
		m.Status = MessagePending
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, participant_id, content, source,
			model, reasoning_effort, attachments, callback_url, callback_context,
			status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.ParticipantID, m.Content, m.Source, m.Model,
		m.ReasoningEffort, m.Attachments, m.CallbackURL, m.CallbackContext, m.Status,
		m.CreatedAt, nullTime(m.StartedAt), nullTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `SELECT id, session_id, participant_id, content, source,
	model, reasoning_effort, attachments, callback_url, callback_context, status,
	created_at, started_at, completed_at FROM messages`

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(id string) (*Message, error) {
	return s.scanMessage(s.db.QueryRow(messageColumns+` WHERE id = ?`, id))
}

// ProcessingMessage returns the message currently marked processing, if any.
func (s *Store) ProcessingMessage(sessionID string) (*Message, error) {
	return s.scanMessage(s.db.QueryRow(
		messageColumns+` WHERE session_id = ? AND status = ? LIMIT 1`,
		sessionID, MessageProcessing))
}

// OldestPending returns the next message in FIFO order, if any.
func (s *Store) OldestPending(sessionID string) (*Message, error) {
	return s.scanMessage(s.db.QueryRow(
		messageColumns+` WHERE session_id = ? AND status = ?
		 ORDER BY created_at, id LIMIT 1`,
		sessionID, MessagePending))
}

func (s *Store) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var started, completed sql.NullTime
	err := row.Scan(&m.ID, &m.SessionID, &m.ParticipantID, &m.Content, &m.Source,
		&m.Model, &m.ReasoningEffort, &m.Attachments, &m.CallbackURL,
		&m.CallbackContext, &m.Status, &m.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.StartedAt = timePtr(started)
	m.CompletedAt = timePtr(completed)
	return &m, nil
}

// MarkMessageProcessing claims a pending message. The WHERE clause only
// matches a pending row, so a double claim affects zero rows and is
// reported as ErrNotFound.
func (s *Store) MarkMessageProcessing(id string) (time.Time, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		MessageProcessing, now, id, MessagePending)
	if err != nil {
		return time.Time{}, fmt.Errorf("mark message processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

// FinishMessage transitions a processing message to completed or failed.
func (s *Store) FinishMessage(id string, status MessageStatus) (time.Time, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, now, id, MessageProcessing)
	if err != nil {
		return time.Time{}, fmt.Errorf("finish message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, ErrNotFound
	}
	return now, nil
}

// ListMessages pages through a session's messages, oldest first. An empty
// status lists all statuses. The limit is clamped to MaxMessageLimit.
func (s *Store) ListMessages(sessionID string, cursor Cursor, limit int, status MessageStatus) ([]*Message, error) {
	limit = clampLimit(limit, 50, MaxMessageLimit)

	query := messageColumns + ` WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))`
	args := []any{sessionID, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.ID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var started, completed sql.NullTime
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ParticipantID, &m.Content,
			&m.Source, &m.Model, &m.ReasoningEffort, &m.Attachments, &m.CallbackURL,
			&m.CallbackContext, &m.Status, &m.CreatedAt, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.StartedAt = timePtr(started)
		m.CompletedAt = timePtr(completed)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// AppendEvent inserts an append-only event row. Events are never mutated.
func (s *Store) AppendEvent(e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO events (id, session_id, message_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.MessageID, e.Type, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents pages through a session's event log, oldest first, optionally
// filtered by type and/or message id. The limit is clamped to MaxEventLimit.
func (s *Store) ListEvents(sessionID string, cursor Cursor, limit int, eventType, messageID string) ([]*Event, error) {
	limit = clampLimit(limit, 100, MaxEventLimit)

	query := `SELECT id, session_id, message_id, type, payload, created_at FROM events
		 WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))`
	args := []any{sessionID, cursor.CreatedAt.UTC(), cursor.CreatedAt.UTC(), cursor.ID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	if messageID != "" {
		query += ` AND message_id = ?`
		args = append(args, messageID)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
