package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = `id, user_id, status, started_at, ended_at, last_activity_at, minutes_debited, messages_count, end_reason`

func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if session.Open() {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE user_id = ? AND status != 'closed'`, session.UserID).Scan(&existing)
		if err == nil {
			return storage.ErrOpenSession
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check open session: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.UserID, string(session.Status), formatTime(session.StartedAt), nullableTime(session.EndedAt),
		formatTime(session.LastActivityAt), session.MinutesDebited, session.MessagesCount, string(session.EndReason)); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return tx.Commit()
}

func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, ended_at = ?, last_activity_at = ?, minutes_debited = ?, messages_count = ?, end_reason = ?
		WHERE id = ?
	`, string(session.Status), nullableTime(session.EndedAt), formatTime(session.LastActivityAt),
		session.MinutesDebited, session.MessagesCount, string(session.EndReason), session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return session, err
}

func (s *sessionStore) GetOpenByUser(ctx context.Context, userID string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status != 'closed'`, userID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return session, err
}

func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status != 'closed' ORDER BY started_at`)
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string, limit int) ([]storage.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
}

func (s *sessionStore) query(ctx context.Context, query string, args ...any) ([]storage.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *sessionStore) AppendTurn(ctx context.Context, turn storage.Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.SessionID, turn.Seq, turn.Role, turn.Content, formatTime(turn.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *sessionStore) ListTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, role, content, created_at
		FROM turns WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]storage.Turn, 0)
	for rows.Next() {
		var (
			turn      storage.Turn
			createdAt string
		)
		if err := rows.Scan(&turn.SessionID, &turn.Seq, &turn.Role, &turn.Content, &createdAt); err != nil {
			return nil, err
		}
		if turn.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	expired := `SELECT id FROM sessions WHERE status = 'closed' AND ended_at IS NOT NULL AND ended_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id IN (`+expired+`)`, formatTime(cutoff)); err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id IN (`+expired+`)`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return int(deleted), nil
}

func scanSession(row scanner) (*storage.Session, error) {
	var (
		session   storage.Session
		status    string
		startedAt string
		lastSeen  string
		endReason string
		endedAt   sql.NullString
	)
	if err := row.Scan(&session.ID, &session.UserID, &status, &startedAt, &endedAt, &lastSeen, &session.MinutesDebited, &session.MessagesCount, &endReason); err != nil {
		return nil, err
	}
	session.Status = storage.SessionStatus(status)
	session.EndReason = storage.EndReason(endReason)

	var err error
	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if session.LastActivityAt, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	if endedAt.Valid && endedAt.String != "" {
		ended, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		session.EndedAt = &ended
	}
	return &session, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
