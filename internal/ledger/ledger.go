// Package ledger is the authoritative record of every user's usage minutes.
//
// Balances only change by appending a Transaction. The storage backend applies
// each append atomically (idempotency check, non-negative check, write), and
// the Ledger additionally serializes mutations per user so that the
// transactions of one user are totally ordered.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/keylock"
	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/storage"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the minutes remaining.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrIdempotencyConflict is returned when an idempotency key is reused for a
	// different user or amount.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

	// ErrInvalidAmount is returned for non-positive credit or debit amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number of minutes")

	// ErrInvalidKind is returned when the transaction kind does not fit the operation.
	ErrInvalidKind = errors.New("invalid transaction kind")
)

// DefaultTrialMinutes is granted once per user by GrantTrial.
const DefaultTrialMinutes = 15

// Ledger applies credits and debits to user balances.
type Ledger struct {
	store        storage.LedgerStore
	locks        *keylock.Map
	trialMinutes int64
	now          func() time.Time
	logger       zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTrialMinutes sets the minutes granted by GrantTrial. Non-positive
// values keep the default.
func WithTrialMinutes(minutes int64) Option {
	return func(l *Ledger) {
		if minutes > 0 {
			l.trialMinutes = minutes
		}
	}
}

// WithClock overrides the time source used to stamp transactions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger backed by store.
func New(store storage.LedgerStore, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		locks:        keylock.New(),
		trialMinutes: DefaultTrialMinutes,
		now:          time.Now,
		logger:       logger.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TxnOption annotates a transaction.
type TxnOption func(*storage.Transaction)

// WithSession links the transaction to a session.
func WithSession(sessionID string) TxnOption {
	return func(t *storage.Transaction) { t.SessionID = sessionID }
}

// WithNote attaches a free-form note, used for operator adjustments.
func WithNote(note string) TxnOption {
	return func(t *storage.Transaction) { t.Note = note }
}

// Credit adds minutes to a user's balance.
//
// When idempotencyKey has already been recorded the earlier transaction is
// returned and nothing is applied. Reusing a key for another user or amount
// fails with ErrIdempotencyConflict.
func (l *Ledger) Credit(ctx context.Context, userID string, minutes int64, kind storage.TransactionKind, idempotencyKey string, opts ...TxnOption) (*storage.Transaction, error) {
	if minutes <= 0 {
		return nil, ErrInvalidAmount
	}
	if kind == storage.KindSessionDebit || !kind.Valid() {
		return nil, fmt.Errorf("%w: %s cannot credit", ErrInvalidKind, kind)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	txn := l.newTransaction(userID, minutes, kind, idempotencyKey, opts)
	balance, err := l.store.Append(ctx, txn)
	if errors.Is(err, storage.ErrDuplicateKey) {
		return l.replay(ctx, txn)
	}
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, fmt.Errorf("failed to credit %s: %w", userID, err)
	}

	l.applied(txn, balance)
	return &txn, nil
}

// Debit removes minutes from a user's balance. It fails with
// ErrInsufficientBalance, leaving the balance untouched, when fewer than
// minutes remain.
func (l *Ledger) Debit(ctx context.Context, userID string, minutes int64, kind storage.TransactionKind, opts ...TxnOption) (*storage.Transaction, error) {
	if minutes <= 0 {
		return nil, ErrInvalidAmount
	}
	if kind != storage.KindSessionDebit && kind != storage.KindAdjustment {
		return nil, fmt.Errorf("%w: %s cannot debit", ErrInvalidKind, kind)
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	txn := l.newTransaction(userID, -minutes, kind, "", opts)
	balance, err := l.store.Append(ctx, txn)
	if errors.Is(err, storage.ErrNegativeBalance) {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(kind), "rejected").Inc()
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, fmt.Errorf("failed to debit %s: %w", userID, err)
	}

	l.applied(txn, balance)
	return &txn, nil
}

// BalanceOf returns the minutes remaining for userID. Unknown users have zero.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (int64, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return balance.MinutesRemaining, nil
}

// Balance returns the full balance record for userID, zero-valued for unknown users.
func (l *Ledger) Balance(ctx context.Context, userID string) (*storage.Balance, error) {
	balance, err := l.store.GetBalance(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}
	return balance, nil
}

// History returns the most recent transactions for userID, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]storage.Transaction, error) {
	txns, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", userID, err)
	}
	return txns, nil
}

// Lookup returns the transaction recorded under idempotencyKey, or nil when
// the key is unused.
func (l *Ledger) Lookup(ctx context.Context, idempotencyKey string) (*storage.Transaction, error) {
	txn, err := l.store.GetByIdempotencyKey(ctx, idempotencyKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up key %s: %w", idempotencyKey, err)
	}
	return txn, nil
}

// GrantTrial credits the trial allowance. A user receives it at most once;
// later calls return the first grant.
func (l *Ledger) GrantTrial(ctx context.Context, userID string) (*storage.Transaction, error) {
	return l.Credit(ctx, userID, l.trialMinutes, storage.KindTrialGrant, TrialKey(userID))
}

// Adjust applies an operator correction. Positive deltas credit, negative
// deltas debit and never take the balance below zero.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta int64, note string) (*storage.Transaction, error) {
	switch {
	case delta > 0:
		return l.Credit(ctx, userID, delta, storage.KindAdjustment, "", WithNote(note))
	case delta < 0:
		return l.Debit(ctx, userID, -delta, storage.KindAdjustment, WithNote(note))
	default:
		return nil, ErrInvalidAmount
	}
}

// TrialKey is the idempotency key of a user's trial grant.
func TrialKey(userID string) string {
	return "trial:" + userID
}

func (l *Ledger) newTransaction(userID string, delta int64, kind storage.TransactionKind, key string, opts []TxnOption) storage.Transaction {
	txn := storage.Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Delta:          delta,
		Kind:           kind,
		IdempotencyKey: key,
		CreatedAt:      l.now(),
	}
	for _, opt := range opts {
		opt(&txn)
	}
	return txn
}

// replay resolves a duplicate idempotency key to the transaction that claimed it.
func (l *Ledger) replay(ctx context.Context, attempted storage.Transaction) (*storage.Transaction, error) {
	prior, err := l.store.GetByIdempotencyKey(ctx, attempted.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction for key %s: %w", attempted.IdempotencyKey, err)
	}

	// The trial allowance is configuration and may change after a user's
	// grant, so a trial replay only has to match the user.
	sameDelta := prior.Delta == attempted.Delta || attempted.Kind == storage.KindTrialGrant
	if prior.UserID != attempted.UserID || !sameDelta {
		metrics.IdempotencyConflictsTotal.Inc()
		metrics.LedgerTransactionsTotal.WithLabelValues(string(attempted.Kind), "conflict").Inc()
		l.logger.Error().
			Bool("alert", true).
			Str("idempotency_key", attempted.IdempotencyKey).
			Str("recorded_user", prior.UserID).
			Int64("recorded_delta", prior.Delta).
			Str("attempted_user", attempted.UserID).
			Int64("attempted_delta", attempted.Delta).
			Msg("Idempotency key reused with a different payload")
		return nil, ErrIdempotencyConflict
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(attempted.Kind), "replayed").Inc()
	l.logger.Debug().
		Str("idempotency_key", attempted.IdempotencyKey).
		Str("transaction_id", prior.ID).
		Msg("Duplicate credit ignored")
	return prior, nil
}

func (l *Ledger) applied(txn storage.Transaction, balance *storage.Balance) {
	minutes := txn.Delta
	if minutes < 0 {
		minutes = -minutes
	}
	metrics.LedgerTransactionsTotal.WithLabelValues(string(txn.Kind), "applied").Inc()
	metrics.LedgerMinutesTotal.WithLabelValues(string(txn.Kind)).Add(float64(minutes))

	l.logger.Info().
		Str("transaction_id", txn.ID).
		Str("user_id", txn.UserID).
		Str("kind", string(txn.Kind)).
		Int64("delta", txn.Delta).
		Int64("minutes_remaining", balance.MinutesRemaining).
		Msg("Ledger transaction applied")
}
