package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	KindTrialGrant     TransactionKind = "trial_grant"
	KindPurchaseCredit TransactionKind = "purchase_credit"
	KindSessionDebit   TransactionKind = "session_debit"
	KindAdjustment     TransactionKind = "adjustment"
)

// Valid reports whether k is a known transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindTrialGrant, KindPurchaseCredit, KindSessionDebit, KindAdjustment:
		return true
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler to normalize the kind to lowercase.
func (k *TransactionKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalized := TransactionKind(strings.ToLower(s))
	if !normalized.Valid() {
		return fmt.Errorf("invalid transaction kind: %s", s)
	}
	*k = normalized
	return nil
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusClosing SessionStatus = "closing"
	StatusClosed  SessionStatus = "closed"
)

// EndReason records why a session was closed.
type EndReason string

const (
	ReasonUserRequested    EndReason = "user_requested"
	ReasonIdleTimeout      EndReason = "idle_timeout"
	ReasonBalanceExhausted EndReason = "balance_exhausted"
	ReasonForced           EndReason = "forced"
)

// Valid reports whether r is a known end reason.
func (r EndReason) Valid() bool {
	switch r {
	case ReasonUserRequested, ReasonIdleTimeout, ReasonBalanceExhausted, ReasonForced:
		return true
	}
	return false
}

// Balance is a user's remaining minutes.
type Balance struct {
	UserID           string    `json:"user_id"`
	MinutesRemaining int64     `json:"minutes_remaining"`
	MinutesUsed      int64     `json:"minutes_used"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Delta          int64           `json:"delta"`
	Kind           TransactionKind `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ApplyTo returns the balance after applying the transaction to b.
// A nil b is treated as a zero balance for the transaction's user.
func (t Transaction) ApplyTo(b *Balance) Balance {
	next := Balance{UserID: t.UserID}
	if b != nil {
		next = *b
	}
	next.MinutesRemaining += t.Delta
	if t.Kind == KindSessionDebit {
		next.MinutesUsed -= t.Delta
	}
	next.UpdatedAt = t.CreatedAt
	return next
}

// Session is a metered conversational session.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	MinutesDebited int64         `json:"minutes_debited"`
	MessagesCount  int           `json:"messages_count"`
	EndReason      EndReason     `json:"end_reason,omitempty"`
}

// Open reports whether the session still counts against the one-session-per-user limit.
func (s Session) Open() bool {
	return s.Status != StatusClosed
}

// Turn is one message exchanged within a session.
type Turn struct {
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
