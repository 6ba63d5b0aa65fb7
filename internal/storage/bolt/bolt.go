package bolt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketBalances     = "balances"
	bucketTransactions = "transactions"
	bucketIdempotency  = "idempotency"
	bucketSessions     = "sessions"
	bucketOpenSessions = "sessions_open"
	bucketTurns        = "turns"
)

// Store implements the storage.Store interface using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			bucketBalances,
			bucketTransactions,
			bucketIdempotency,
			bucketSessions,
			bucketOpenSessions,
			bucketTurns,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ledger returns the ledger store.
func (s *Store) Ledger() storage.LedgerStore { return &ledgerStore{db: s.db} }

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{db: s.db} }

func marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal value: %w", err)
	}
	return nil
}

// userKey builds an ordered key under a per-user prefix so a cursor Seek
// over userPrefix walks one user's records in time order.
func userKey(userID string, ts time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", userPrefix(userID), ts.UnixNano(), id)
}

// userPrefix hex-encodes the user id so no user's prefix is a prefix of
// another's.
func userPrefix(userID string) []byte {
	return []byte(hex.EncodeToString([]byte(userID)) + "/")
}

func getBucketValue[T any](ctx context.Context, db *bbolt.DB, bucket string, key string) (*T, error) {
	var item *T
	err := db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get([]byte(key))
		if value == nil {
			return storage.ErrNotFound
		}
		var result T
		if err := unmarshal(value, &result); err != nil {
			return err
		}
		item = &result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func putValue(b *bbolt.Bucket, key string, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", name)
	}
	return b, nil
}
