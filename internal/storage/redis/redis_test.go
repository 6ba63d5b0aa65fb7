package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/lunameter/internal/config"
	"github.com/goodtune/lunameter/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() already carries the port
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestLedgerStore_Append(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledger := store.Ledger()
	now := time.Now()

	balance, err := ledger.Append(ctx, storage.Transaction{
		ID: "t1", UserID: "user-1", Delta: 30, Kind: storage.KindTrialGrant,
		IdempotencyKey: "trial:user-1", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Append credit failed: %v", err)
	}
	if balance.MinutesRemaining != 30 {
		t.Errorf("Expected 30 minutes, got %d", balance.MinutesRemaining)
	}

	balance, err = ledger.Append(ctx, storage.Transaction{
		ID: "t2", UserID: "user-1", Delta: -1, Kind: storage.KindSessionDebit,
		SessionID: "s1", CreatedAt: now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Append debit failed: %v", err)
	}
	if balance.MinutesRemaining != 29 || balance.MinutesUsed != 1 {
		t.Errorf("Expected 29 remaining and 1 used, got %d and %d", balance.MinutesRemaining, balance.MinutesUsed)
	}

	stored, err := ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if stored.MinutesRemaining != 29 {
		t.Errorf("Expected stored balance 29, got %d", stored.MinutesRemaining)
	}

	history, err := ledger.ListTransactions(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(history))
	}
	if history[0].ID != "t2" || history[0].SessionID != "s1" {
		t.Errorf("Expected newest debit first, got %+v", history[0])
	}
	if history[1].Kind != storage.KindTrialGrant {
		t.Errorf("Expected trial grant kind, got %s", history[1].Kind)
	}
}

func TestLedgerStore_DuplicateAndNegative(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledger := store.Ledger()

	credit := storage.Transaction{
		ID: "t1", UserID: "user-1", Delta: 15, Kind: storage.KindPurchaseCredit,
		IdempotencyKey: "payment:evt-1", CreatedAt: time.Now(),
	}
	if _, err := ledger.Append(ctx, credit); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	credit.ID = "t2"
	if _, err := ledger.Append(ctx, credit); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}

	recorded, err := ledger.GetByIdempotencyKey(ctx, "payment:evt-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey failed: %v", err)
	}
	if recorded.ID != "t1" || recorded.Delta != 15 {
		t.Errorf("Expected recorded transaction, got %+v", recorded)
	}

	_, err = ledger.Append(ctx, storage.Transaction{
		ID: "t3", UserID: "user-1", Delta: -16, Kind: storage.KindSessionDebit, CreatedAt: time.Now(),
	})
	if !errors.Is(err, storage.ErrNegativeBalance) {
		t.Fatalf("Expected ErrNegativeBalance, got %v", err)
	}

	balance, err := ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.MinutesRemaining != 15 {
		t.Errorf("Expected balance 15, got %d", balance.MinutesRemaining)
	}

	if _, err := ledger.GetByIdempotencyKey(ctx, "payment:missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestLedgerStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledger := store.Ledger()

	if _, err := ledger.Append(ctx, storage.Transaction{
		ID: "seed", UserID: "user-1", Delta: 5, Kind: storage.KindAdjustment, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Append(ctx, storage.Transaction{
				ID: "debit-" + string(rune('a'+i)), UserID: "user-1", Delta: -1,
				Kind: storage.KindSessionDebit, CreatedAt: time.Now(),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("Expected exactly 5 successful debits, got %d", succeeded)
	}
	balance, err := ledger.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.MinutesRemaining != 0 {
		t.Errorf("Expected balance 0, got %d", balance.MinutesRemaining)
	}
}

func TestSessionStore_OpenIndex(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	now := time.Now()

	session := storage.Session{
		ID: "s1", UserID: "user-1", Status: storage.StatusActive,
		StartedAt: now, LastActivityAt: now,
	}
	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := session
	dup.ID = "s2"
	if err := sessions.Create(ctx, dup); !errors.Is(err, storage.ErrOpenSession) {
		t.Fatalf("Expected ErrOpenSession, got %v", err)
	}

	open, err := sessions.ListOpen(ctx)
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected 1 open session, got %d", len(open))
	}

	ended := now.Add(40 * time.Second)
	session.Status = storage.StatusClosed
	session.EndedAt = &ended
	session.MinutesDebited = 1
	session.MessagesCount = 4
	session.EndReason = storage.ReasonUserRequested
	if err := sessions.Update(ctx, session); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stored, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != storage.StatusClosed || stored.EndedAt == nil || stored.MinutesDebited != 1 || stored.MessagesCount != 4 {
		t.Errorf("Unexpected stored session: %+v", stored)
	}

	if _, err := sessions.GetOpenByUser(ctx, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected no open session, got %v", err)
	}

	missing := storage.Session{ID: "nope", UserID: "user-1", Status: storage.StatusActive}
	if err := sessions.Update(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound updating missing session, got %v", err)
	}
}

func TestSessionStore_TurnsAndRetention(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()
	old := time.Now().Add(-72 * time.Hour)
	ended := old.Add(5 * time.Minute)

	closed := storage.Session{
		ID: "old", UserID: "user-1", Status: storage.StatusClosed,
		StartedAt: old, EndedAt: &ended, LastActivityAt: ended, EndReason: storage.ReasonIdleTimeout,
	}
	if err := sessions.Create(ctx, closed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := sessions.AppendTurn(ctx, storage.Turn{SessionID: "old", Seq: 0, Role: "user", Content: "ciao", CreatedAt: old}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if err := sessions.AppendTurn(ctx, storage.Turn{SessionID: "old", Seq: 1, Role: "assistant", Content: "ciao!", CreatedAt: old}); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	turns, err := sessions.ListTurns(ctx, "old")
	if err != nil {
		t.Fatalf("ListTurns failed: %v", err)
	}
	if len(turns) != 2 || turns[1].Content != "ciao!" {
		t.Fatalf("Unexpected turns: %+v", turns)
	}

	byUser, err := sessions.ListByUser(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(byUser) != 1 {
		t.Fatalf("Expected 1 session for user, got %d", len(byUser))
	}

	deleted, err := sessions.DeleteClosedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteClosedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", deleted)
	}
	if mr.Exists(turnsKey("old")) {
		t.Error("Expected turns to be removed with the session")
	}
}
