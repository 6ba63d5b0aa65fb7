package bolt

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

// Create stores a new session. The open-session index makes the
// one-open-session-per-user check and the insert a single transaction.
func (s *sessionStore) Create(ctx context.Context, session storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		open, err := bucket(tx, bucketOpenSessions)
		if err != nil {
			return err
		}
		if sessions.Get([]byte(session.ID)) != nil {
			return fmt.Errorf("session %s already exists", session.ID)
		}
		if session.Open() && open.Get([]byte(session.UserID)) != nil {
			return storage.ErrOpenSession
		}
		if err := putValue(sessions, session.ID, session); err != nil {
			return err
		}
		if session.Open() {
			return open.Put([]byte(session.UserID), []byte(session.ID))
		}
		return nil
	})
}

func (s *sessionStore) Update(ctx context.Context, session storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		open, err := bucket(tx, bucketOpenSessions)
		if err != nil {
			return err
		}
		if sessions.Get([]byte(session.ID)) == nil {
			return storage.ErrNotFound
		}
		if err := putValue(sessions, session.ID, session); err != nil {
			return err
		}
		if !session.Open() && string(open.Get([]byte(session.UserID))) == session.ID {
			return open.Delete([]byte(session.UserID))
		}
		return nil
	})
}

func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	return getBucketValue[storage.Session](ctx, s.db, bucketSessions, id)
}

func (s *sessionStore) GetOpenByUser(ctx context.Context, userID string) (*storage.Session, error) {
	var session *storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		open, err := bucket(tx, bucketOpenSessions)
		if err != nil {
			return err
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		id := open.Get([]byte(userID))
		if id == nil {
			return storage.ErrNotFound
		}
		raw := sessions.Get(id)
		if raw == nil {
			return storage.ErrNotFound
		}
		session = &storage.Session{}
		return unmarshal(raw, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) ListOpen(ctx context.Context) ([]storage.Session, error) {
	items := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		open, err := bucket(tx, bucketOpenSessions)
		if err != nil {
			return err
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		return open.ForEach(func(_, id []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			raw := sessions.Get(id)
			if raw == nil {
				return nil
			}
			var session storage.Session
			if err := unmarshal(raw, &session); err != nil {
				return err
			}
			items = append(items, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListByUser returns the user's sessions, most recently started first.
func (s *sessionStore) ListByUser(ctx context.Context, userID string, limit int) ([]storage.Session, error) {
	items := make([]storage.Session, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		return sessions.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var session storage.Session
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if session.UserID == userID {
				items = append(items, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].StartedAt.After(items[j].StartedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *sessionStore) AppendTurn(ctx context.Context, turn storage.Turn) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		turns, err := bucket(tx, bucketTurns)
		if err != nil {
			return err
		}
		return putValue(turns, turnKey(turn.SessionID, turn.Seq), turn)
	})
}

func (s *sessionStore) ListTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	items := make([]storage.Turn, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		turns, err := bucket(tx, bucketTurns)
		if err != nil {
			return err
		}
		prefix := []byte(sessionID + "/")
		c := turns.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var turn storage.Turn
			if err := unmarshal(v, &turn); err != nil {
				return err
			}
			items = append(items, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteClosedBefore removes closed sessions that ended before cutoff, along with their turns.
func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := bucket(tx, bucketSessions)
		if err != nil {
			return err
		}
		turns, err := bucket(tx, bucketTurns)
		if err != nil {
			return err
		}
		var expired []string
		err = sessions.ForEach(func(_, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var session storage.Session
			if err := unmarshal(v, &session); err != nil {
				return err
			}
			if !session.Open() && session.EndedAt != nil && session.EndedAt.Before(cutoff) {
				expired = append(expired, session.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := sessions.Delete([]byte(id)); err != nil {
				return err
			}
			if err := deletePrefix(turns, []byte(id+"/")); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func turnKey(sessionID string, seq int) string {
	return fmt.Sprintf("%s/%06d", sessionID, seq)
}
