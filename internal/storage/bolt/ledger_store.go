package bolt

import (
	"bytes"
	"context"
	"errors"

	"github.com/goodtune/lunameter/internal/storage"
	"go.etcd.io/bbolt"
)

type ledgerStore struct {
	db *bbolt.DB
}

func (s *ledgerStore) GetBalance(ctx context.Context, userID string) (*storage.Balance, error) {
	return getBucketValue[storage.Balance](ctx, s.db, bucketBalances, userID)
}

// Append runs the idempotency check, the balance check and both writes in a
// single bolt read-write transaction.
func (s *ledgerStore) Append(ctx context.Context, txn storage.Transaction) (*storage.Balance, error) {
	var result storage.Balance
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		balances, err := bucket(tx, bucketBalances)
		if err != nil {
			return err
		}
		txns, err := bucket(tx, bucketTransactions)
		if err != nil {
			return err
		}
		idem, err := bucket(tx, bucketIdempotency)
		if err != nil {
			return err
		}

		if txn.IdempotencyKey != "" && idem.Get([]byte(txn.IdempotencyKey)) != nil {
			return storage.ErrDuplicateKey
		}

		var current *storage.Balance
		if raw := balances.Get([]byte(txn.UserID)); raw != nil {
			current = &storage.Balance{}
			if err := unmarshal(raw, current); err != nil {
				return err
			}
		}
		next := txn.ApplyTo(current)
		if next.MinutesRemaining < 0 {
			return storage.ErrNegativeBalance
		}

		key := userKey(txn.UserID, txn.CreatedAt, txn.ID)
		if err := putValue(txns, key, txn); err != nil {
			return err
		}
		if txn.IdempotencyKey != "" {
			if err := idem.Put([]byte(txn.IdempotencyKey), []byte(key)); err != nil {
				return err
			}
		}
		if err := putValue(balances, txn.UserID, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *ledgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*storage.Transaction, error) {
	var txn *storage.Transaction
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		idem, err := bucket(tx, bucketIdempotency)
		if err != nil {
			return err
		}
		txns, err := bucket(tx, bucketTransactions)
		if err != nil {
			return err
		}
		ref := idem.Get([]byte(key))
		if ref == nil {
			return storage.ErrNotFound
		}
		raw := txns.Get(ref)
		if raw == nil {
			return errors.New("idempotency index points at missing transaction")
		}
		txn = &storage.Transaction{}
		return unmarshal(raw, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions returns the user's transactions, newest first.
func (s *ledgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]storage.Transaction, error) {
	items := make([]storage.Transaction, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		txns, err := bucket(tx, bucketTransactions)
		if err != nil {
			return err
		}
		prefix := userPrefix(userID)
		c := txns.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var txn storage.Transaction
			if err := unmarshal(v, &txn); err != nil {
				return err
			}
			items = append(items, txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(items, limit), nil
}

func newestFirst[T any](items []T, limit int) []T {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
