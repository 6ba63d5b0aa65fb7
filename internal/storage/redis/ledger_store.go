package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
	"github.com/redis/go-redis/v9"
)

type ledgerStore struct {
	client *redis.Client
}

// GetBalance retrieves the balance hash for a user
func (s *ledgerStore) GetBalance(ctx context.Context, userID string) (*storage.Balance, error) {
	data, err := s.client.HGetAll(ctx, balanceKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return parseBalance(data)
}

// Append applies a transaction through appendTransactionScript
func (s *ledgerStore) Append(ctx context.Context, txn storage.Transaction) (*storage.Balance, error) {
	var usedDelta int64
	if txn.Kind == storage.KindSessionDebit {
		usedDelta = -txn.Delta
	}

	keys := []string{
		balanceKey(txn.UserID),
		txnKey(txn.ID),
		userTxnsKey(txn.UserID),
		idempotencyKey(txn.IdempotencyKey),
	}
	args := []interface{}{
		txn.ID,
		txn.UserID,
		txn.Delta,
		string(txn.Kind),
		txn.IdempotencyKey,
		txn.SessionID,
		txn.Note,
		txn.CreatedAt.Format(time.RFC3339Nano),
		usedDelta,
	}

	result, err := appendTransaction.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected append result: %v", result)
	}

	switch result[0] {
	case scriptDuplicateKey:
		return nil, storage.ErrDuplicateKey
	case scriptNegative:
		return nil, storage.ErrNegativeBalance
	}

	return &storage.Balance{
		UserID:           txn.UserID,
		MinutesRemaining: result[1],
		MinutesUsed:      result[2],
		UpdatedAt:        txn.CreatedAt,
	}, nil
}

// GetByIdempotencyKey resolves the idempotency index to the recorded transaction
func (s *ledgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*storage.Transaction, error) {
	id, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data, err := s.client.HGetAll(ctx, txnKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseTransaction(data)
}

// ListTransactions returns the user's transactions, newest first
func (s *ledgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]storage.Transaction, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.LRange(ctx, userTxnsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.Transaction{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, txnKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	txns := make([]storage.Transaction, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		txn, err := parseTransaction(data)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}

	return txns, nil
}
