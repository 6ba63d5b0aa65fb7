package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureParentDir(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "nested", "data", "lunameter.db")

	if err := EnsureParentDir(path); err != nil {
		t.Fatalf("EnsureParentDir failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, "nested", "data"))
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected a directory")
	}

	for _, p := range []string{"", ":memory:", "file:test.db?mode=memory", "local.db"} {
		if err := EnsureParentDir(p); err != nil {
			t.Errorf("EnsureParentDir(%q) failed: %v", p, err)
		}
	}
}

func TestTransactionApplyTo(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		start     *Balance
		txn       Transaction
		remaining int64
		used      int64
	}{
		{
			name:      "credit from nothing",
			txn:       Transaction{UserID: "u1", Delta: 30, Kind: KindPurchaseCredit, CreatedAt: now},
			remaining: 30,
		},
		{
			name:      "session debit counts as used",
			start:     &Balance{UserID: "u1", MinutesRemaining: 30},
			txn:       Transaction{UserID: "u1", Delta: -4, Kind: KindSessionDebit, CreatedAt: now},
			remaining: 26,
			used:      4,
		},
		{
			name:      "adjustment debit is not usage",
			start:     &Balance{UserID: "u1", MinutesRemaining: 30, MinutesUsed: 2},
			txn:       Transaction{UserID: "u1", Delta: -5, Kind: KindAdjustment, CreatedAt: now},
			remaining: 25,
			used:      2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.txn.ApplyTo(tt.start)
			if got.MinutesRemaining != tt.remaining {
				t.Errorf("MinutesRemaining = %d, want %d", got.MinutesRemaining, tt.remaining)
			}
			if got.MinutesUsed != tt.used {
				t.Errorf("MinutesUsed = %d, want %d", got.MinutesUsed, tt.used)
			}
			if !got.UpdatedAt.Equal(now) {
				t.Errorf("UpdatedAt not stamped")
			}
		})
	}
}

func TestTransactionKindUnmarshal(t *testing.T) {
	var kind TransactionKind
	if err := json.Unmarshal([]byte(`"trial_grant"`), &kind); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if kind != KindTrialGrant {
		t.Errorf("kind = %q, want %q", kind, KindTrialGrant)
	}

	if err := json.Unmarshal([]byte(`"refund"`), &kind); err == nil {
		t.Errorf("expected unknown kind to be rejected")
	}
}

func TestEndReasonValid(t *testing.T) {
	for _, r := range []EndReason{ReasonUserRequested, ReasonIdleTimeout, ReasonBalanceExhausted, ReasonForced} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if EndReason("crashed").Valid() {
		t.Errorf("unknown reason should be invalid")
	}
}
