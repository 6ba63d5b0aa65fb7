package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrDuplicateKey is returned by Append when the idempotency key was already recorded.
	ErrDuplicateKey = errors.New("storage: idempotency key already recorded")

	// ErrNegativeBalance is returned by Append when the delta would take the balance below zero.
	ErrNegativeBalance = errors.New("storage: balance would become negative")

	// ErrOpenSession is returned by Create when the user already has a session that is not closed.
	ErrOpenSession = errors.New("storage: user already has an open session")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ledger() LedgerStore
	Sessions() SessionStore
}

// LedgerStore persists balances and their append-only transaction history.
//
// Append is the only mutation. Backends apply it atomically: the idempotency
// check, the non-negative balance check, the transaction write and the balance
// update either all happen or none do.
type LedgerStore interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Append(ctx context.Context, txn Transaction) (*Balance, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// SessionStore persists conversational sessions and their turns.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Update(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetOpenByUser(ctx context.Context, userID string) (*Session, error)
	ListOpen(ctx context.Context) ([]Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Session, error)
	AppendTurn(ctx context.Context, turn Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
