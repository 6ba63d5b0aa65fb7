package topup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/storage/bolt"
)

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Ledger) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "topup.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	l := ledger.New(store.Ledger(), zerolog.Nop())
	return NewReconciler(l, Config{QueueSize: 4, MaxRetries: 2, InitialBackoff: time.Millisecond}, zerolog.Nop()), l
}

func balanceOf(t *testing.T, l *ledger.Ledger, userID string) int64 {
	t.Helper()
	remaining, err := l.BalanceOf(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return remaining
}

func TestHandleEventReplayCreditsOnce(t *testing.T) {
	r, l := newTestReconciler(t)
	ctx := context.Background()
	event := Event{ID: "evt_1", UserID: "u1", MinutesPurchased: 30}

	first, err := r.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first delivery reported as duplicate")
	}
	if first.Transaction.IdempotencyKey != "payment:evt_1" {
		t.Fatalf("unexpected key %q", first.Transaction.IdempotencyKey)
	}

	for i := 0; i < 3; i++ {
		replay, err := r.HandleEvent(ctx, event)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !replay.Duplicate || replay.Transaction.ID != first.Transaction.ID {
			t.Fatalf("replay %d not recognised: %+v", i, replay)
		}
	}

	if got := balanceOf(t, l, "u1"); got != 30 {
		t.Fatalf("expected 30 minutes, got %d", got)
	}
}

func TestHandleEventOutOfOrder(t *testing.T) {
	r, l := newTestReconciler(t)
	ctx := context.Background()

	events := []Event{
		{ID: "evt_3", UserID: "u1", PackID: "60min", Timestamp: 300},
		{ID: "evt_1", UserID: "u1", PackID: "15min", Timestamp: 100},
		{ID: "evt_3", UserID: "u1", PackID: "60min", Timestamp: 300},
		{ID: "evt_2", UserID: "u1", MinutesPurchased: 5, Timestamp: 200},
	}
	for _, ev := range events {
		if _, err := r.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("handle %s: %v", ev.ID, err)
		}
	}

	if got := balanceOf(t, l, "u1"); got != 80 {
		t.Fatalf("expected 80 minutes, got %d", got)
	}
}

func TestHandleEventRejectsInvalid(t *testing.T) {
	r, _ := newTestReconciler(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		event Event
	}{
		{"missing id", Event{UserID: "u1", MinutesPurchased: 5}},
		{"missing user", Event{ID: "evt", MinutesPurchased: 5}},
		{"negative minutes", Event{ID: "evt", UserID: "u1", MinutesPurchased: -5}},
		{"no minutes or pack", Event{ID: "evt", UserID: "u1"}},
		{"unknown pack", Event{ID: "evt", UserID: "u1", PackID: "lifetime"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.HandleEvent(ctx, tt.event); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestHandleEventConflict(t *testing.T) {
	r, l := newTestReconciler(t)
	ctx := context.Background()

	if _, err := r.HandleEvent(ctx, Event{ID: "evt_1", UserID: "u1", MinutesPurchased: 15}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	_, err := r.HandleEvent(ctx, Event{ID: "evt_1", UserID: "u2", MinutesPurchased: 15})
	if !errors.Is(err, ledger.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if got := balanceOf(t, l, "u2"); got != 0 {
		t.Fatalf("conflicting event credited u2 with %d", got)
	}
}

func TestSubmitThroughWorker(t *testing.T) {
	r, l := newTestReconciler(t)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Submit(context.Background(), Event{ID: "evt_dup", UserID: "u1", MinutesPurchased: 15}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := balanceOf(t, l, "u1"); got != 15 {
		t.Fatalf("expected a single credit of 15, got %d", got)
	}

	cancel()
	<-r.done

	if _, err := r.Submit(context.Background(), Event{ID: "evt_late", UserID: "u1", MinutesPurchased: 15}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after shutdown, got %v", err)
	}
}
