package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/lunameter/internal/storage"
)

type ledgerStore struct {
	db *sql.DB
}

func (s *ledgerStore) GetBalance(ctx context.Context, userID string) (*storage.Balance, error) {
	var (
		balance   storage.Balance
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, minutes_remaining, minutes_used, updated_at
		FROM balances WHERE user_id = ?
	`, userID).Scan(&balance.UserID, &balance.MinutesRemaining, &balance.MinutesUsed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	if balance.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *ledgerStore) Append(ctx context.Context, txn storage.Transaction) (*storage.Balance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if txn.IdempotencyKey != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE idempotency_key = ?`, txn.IdempotencyKey).Scan(&exists)
		if err == nil {
			return nil, storage.ErrDuplicateKey
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	var current *storage.Balance
	var remaining, used int64
	err = tx.QueryRowContext(ctx, `SELECT minutes_remaining, minutes_used FROM balances WHERE user_id = ?`, txn.UserID).Scan(&remaining, &used)
	switch {
	case err == nil:
		current = &storage.Balance{UserID: txn.UserID, MinutesRemaining: remaining, MinutesUsed: used}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("query balance: %w", err)
	}

	next := txn.ApplyTo(current)
	if next.MinutesRemaining < 0 {
		return nil, storage.ErrNegativeBalance
	}

	var idemKey any
	if txn.IdempotencyKey != "" {
		idemKey = txn.IdempotencyKey
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, delta, kind, idempotency_key, session_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.UserID, txn.Delta, string(txn.Kind), idemKey, txn.SessionID, txn.Note, formatTime(txn.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, minutes_remaining, minutes_used, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			minutes_remaining = excluded.minutes_remaining,
			minutes_used = excluded.minutes_used,
			updated_at = excluded.updated_at
	`, next.UserID, next.MinutesRemaining, next.MinutesUsed, formatTime(next.UpdatedAt)); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return &next, nil
}

func (s *ledgerStore) GetByIdempotencyKey(ctx context.Context, key string) (*storage.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, delta, kind, COALESCE(idempotency_key, ''), session_id, note, created_at
		FROM transactions WHERE idempotency_key = ?
	`, key)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return txn, err
}

func (s *ledgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]storage.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delta, kind, COALESCE(idempotency_key, ''), session_id, note, created_at
		FROM transactions WHERE user_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	txns := make([]storage.Transaction, 0)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*storage.Transaction, error) {
	var (
		txn       storage.Transaction
		kind      string
		createdAt string
	)
	if err := row.Scan(&txn.ID, &txn.UserID, &txn.Delta, &kind, &txn.IdempotencyKey, &txn.SessionID, &txn.Note, &createdAt); err != nil {
		return nil, err
	}
	txn.Kind = storage.TransactionKind(kind)
	var err error
	if txn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &txn, nil
}
