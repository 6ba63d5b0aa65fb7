package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Create inserts a session through createSessionScript
func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	keys := []string{
		sessionKey(session.ID),
		openSessionsKey(),
		userOpenKey(session.UserID),
		userSessionsKey(session.UserID),
	}
	args := []interface{}{
		session.ID,
		session.UserID,
		string(session.Status),
		session.StartedAt.Format(time.RFC3339Nano),
		formatOptionalTime(session.EndedAt),
		session.LastActivityAt.Format(time.RFC3339Nano),
		session.MinutesDebited,
		string(session.EndReason),
		session.StartedAt.UnixNano(),
		session.MessagesCount,
	}

	code, err := createSession.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return err
	}
	if code == scriptOpenSession {
		return storage.ErrOpenSession
	}
	return nil
}

// Update rewrites the mutable session fields through updateSessionScript
func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	keys := []string{
		sessionKey(session.ID),
		openSessionsKey(),
		userOpenKey(session.UserID),
	}
	args := []interface{}{
		session.ID,
		string(session.Status),
		formatOptionalTime(session.EndedAt),
		session.LastActivityAt.Format(time.RFC3339Nano),
		session.MinutesDebited,
		string(session.EndReason),
		session.MessagesCount,
	}

	code, err := updateSession.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return err
	}
	if code == scriptMissingSession {
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// GetOpenByUser returns the user's active or closing session
func (s *sessionStore) GetOpenByUser(ctx context.Context, userID string) (*storage.Session, error) {
	id, err := s.client.Get(ctx, userOpenKey(userID)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// ListOpen returns every session that is not closed
func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, openSessionsKey()).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, ids)
}

// ListByUser returns the user's sessions, most recently started first
func (s *sessionStore) ListByUser(ctx context.Context, userID string, limit int) ([]storage.Session, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, userSessionsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return s.getMany(ctx, ids)
}

func (s *sessionStore) getMany(ctx context.Context, ids []string) ([]storage.Session, error) {
	if len(ids) == 0 {
		return []storage.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}
	return sessions, nil
}

// AppendTurn pushes a JSON-encoded turn onto the session's turn list
func (s *sessionStore) AppendTurn(ctx context.Context, turn storage.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	return s.client.RPush(ctx, turnsKey(turn.SessionID), data).Err()
}

// ListTurns returns the session's turns in the order they were appended
func (s *sessionStore) ListTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	raw, err := s.client.LRange(ctx, turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]storage.Turn, 0, len(raw))
	for _, item := range raw {
		var turn storage.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// DeleteClosedBefore scans session hashes and removes closed sessions that ended before cutoff
func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	deletedCount := 0

	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+":session:*", 100).Result()
		if err != nil {
			return deletedCount, err
		}
		cursor = next

		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return deletedCount, err
			}

			for _, cmd := range cmds {
				data, err := cmd.Result()
				if err != nil || len(data) == 0 {
					continue
				}
				session, err := parseSession(data)
				if err != nil || session.Open() || session.EndedAt == nil || !session.EndedAt.Before(cutoff) {
					continue
				}

				del := s.client.TxPipeline()
				del.Del(ctx, sessionKey(session.ID), turnsKey(session.ID))
				del.ZRem(ctx, userSessionsKey(session.UserID), session.ID)
				if _, err := del.Exec(ctx); err != nil {
					return deletedCount, err
				}
				deletedCount++
			}
		}

		if cursor == 0 {
			break
		}
	}

	return deletedCount, nil
}
