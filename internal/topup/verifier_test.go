package topup

import (
	"errors"
	"testing"
	"time"
)

func TestVerifier(t *testing.T) {
	now := time.Unix(1_741_942_800, 0)
	payload := []byte(`{"event_id":"evt_1","user_id":"u1","minutes_purchased":30}`)

	signer := NewVerifier("whsec_test", 5*time.Minute)
	other := NewVerifier("whsec_other", 5*time.Minute)

	tests := []struct {
		name    string
		secret  string
		payload []byte
		header  string
		wantErr bool
	}{
		{"valid", "whsec_test", payload, signer.Sign(payload, now), false},
		{"valid with rotated secret", "whsec_test", payload, other.Sign(payload, now) + ",v1=" + signer.Sign(payload, now)[len("t=1741942800,v1="):], false},
		{"tampered payload", "whsec_test", []byte(`{"event_id":"evt_1","user_id":"u1","minutes_purchased":300}`), signer.Sign(payload, now), true},
		{"wrong secret", "whsec_test", payload, other.Sign(payload, now), true},
		{"stale", "whsec_test", payload, signer.Sign(payload, now.Add(-10*time.Minute)), true},
		{"from the future", "whsec_test", payload, signer.Sign(payload, now.Add(10*time.Minute)), true},
		{"missing header", "whsec_test", payload, "", true},
		{"malformed header", "whsec_test", payload, "garbage", true},
		{"bad timestamp", "whsec_test", payload, "t=soon,v1=00", true},
		{"no secret configured", "", payload, signer.Sign(payload, now), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(tt.secret, 5*time.Minute)
			v.now = func() time.Time { return now }

			err := v.Verify(tt.payload, tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected ErrUnauthorized, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid signature, got %v", err)
			}
		})
	}
}

func TestPacks(t *testing.T) {
	packs := DefaultPacks()

	if minutes, ok := packs.Minutes("monthly"); !ok || minutes != 300 {
		t.Fatalf("expected monthly = 300, got %d (%v)", minutes, ok)
	}
	if _, ok := packs.Minutes("lifetime"); ok {
		t.Fatal("unknown pack resolved")
	}

	ids := packs.IDs()
	if len(ids) != 4 || ids[0] != "15min" || ids[3] != "monthly" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
