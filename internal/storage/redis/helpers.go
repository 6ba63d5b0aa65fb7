package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/lunameter/internal/storage"
)

// parseBalance converts a Redis hash to Balance
func parseBalance(data map[string]string) (*storage.Balance, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	remaining, err := strconv.ParseInt(data["minutes_remaining"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_remaining: %w", err)
	}

	used, err := strconv.ParseInt(data["minutes_used"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_used: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Balance{
		UserID:           data["user_id"],
		MinutesRemaining: remaining,
		MinutesUsed:      used,
		UpdatedAt:        updatedAt,
	}, nil
}

// parseTransaction converts a Redis hash to Transaction
func parseTransaction(data map[string]string) (*storage.Transaction, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	delta, err := strconv.ParseInt(data["delta"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delta: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &storage.Transaction{
		ID:             data["id"],
		UserID:         data["user_id"],
		Delta:          delta,
		Kind:           storage.TransactionKind(data["kind"]),
		IdempotencyKey: data["idempotency_key"],
		SessionID:      data["session_id"],
		Note:           data["note"],
		CreatedAt:      createdAt,
	}, nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastActivity, err := time.Parse(time.RFC3339Nano, data["last_activity_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity_at: %w", err)
	}

	debited, err := strconv.ParseInt(data["minutes_debited"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse minutes_debited: %w", err)
	}

	var messages int
	if raw := data["messages_count"]; raw != "" {
		if messages, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("failed to parse messages_count: %w", err)
		}
	}

	session := &storage.Session{
		ID:             data["id"],
		UserID:         data["user_id"],
		Status:         storage.SessionStatus(data["status"]),
		StartedAt:      startedAt,
		LastActivityAt: lastActivity,
		MinutesDebited: debited,
		MessagesCount:  messages,
		EndReason:      storage.EndReason(data["end_reason"]),
	}

	if raw := data["ended_at"]; raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &endedAt
	}

	return session, nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
