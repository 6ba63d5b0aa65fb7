package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/storage"
	"github.com/goodtune/lunameter/internal/storage/bolt"
)

func TestNextRun(t *testing.T) {
	clock := NewTestClock(time.Date(2025, 3, 14, 2, 30, 0, 0, time.UTC))
	rs, err := NewRetentionScheduler(nil, "03:00", 90, clock, zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	if got, want := rs.NextRun(), time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("before run time: got %v, want %v", got, want)
	}

	clock.Set(time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC))
	if got, want := rs.NextRun(), time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("at run time: got %v, want %v", got, want)
	}
}

func TestNewRetentionSchedulerRejectsBadTime(t *testing.T) {
	if _, err := NewRetentionScheduler(nil, "25:99", 90, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPurgeRemovesOnlyExpiredClosedSessions(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "retention.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -120)
	recent := now.AddDate(0, 0, -10)

	sessions := []storage.Session{
		{ID: "expired", UserID: "u1", Status: storage.StatusClosed, StartedAt: old, EndedAt: &old, LastActivityAt: old, EndReason: storage.ReasonUserRequested},
		{ID: "recent", UserID: "u2", Status: storage.StatusClosed, StartedAt: recent, EndedAt: &recent, LastActivityAt: recent, EndReason: storage.ReasonIdleTimeout},
		{ID: "active", UserID: "u3", Status: storage.StatusActive, StartedAt: old, LastActivityAt: old},
	}
	for _, s := range sessions {
		if err := store.Sessions().Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	rs, err := NewRetentionScheduler(store.Sessions(), "03:00", 90, NewTestClock(now), zerolog.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	deleted, err := rs.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 session purged, got %d", deleted)
	}

	for _, id := range []string{"recent", "active"} {
		if _, err := store.Sessions().Get(ctx, id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}
}
