package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const allowAllPolicy = `package lunameter.admin

import rego.v1

decision := {"allow": true, "reason": "open"}
`

const denyAllPolicy = `package lunameter.admin

import rego.v1

decision := {"allow": false, "reason": "closed"}
`

func writePolicy(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
}

func TestBuiltinPolicy(t *testing.T) {
	engine, err := NewEngine(Config{
		Data: map[string]interface{}{"admin_emails": []string{"ops@example.com"}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name  string
		input map[string]interface{}
		allow bool
	}{
		{"service role", map[string]interface{}{"role": "service_role"}, true},
		{"admin email", map[string]interface{}{"role": "authenticated", "email": "ops@example.com"}, true},
		{"admin email other case", map[string]interface{}{"role": "authenticated", "email": "OPS@Example.com"}, true},
		{"regular user", map[string]interface{}{"role": "authenticated", "email": "user@example.com"}, false},
		{"no email", map[string]interface{}{"role": "authenticated"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Allow != tt.allow {
				t.Errorf("Expected allow=%v, got %v (%s)", tt.allow, decision.Allow, decision.Reason)
			}
			if decision.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestPolicyDir(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admin.rego", allowAllPolicy)

	engine, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	decision, err := engine.Evaluate(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allow || decision.Reason != "open" {
		t.Errorf("Unexpected decision: %+v", decision)
	}

	if got := engine.Modules(); len(got) != 1 || got[0] != "admin.rego" {
		t.Errorf("Unexpected modules: %v", got)
	}
}

func TestEmptyPolicyDir(t *testing.T) {
	if _, err := NewEngine(Config{PolicyDir: t.TempDir()}, zerolog.Nop()); err == nil {
		t.Fatal("Expected error for directory without policies")
	}
}

func TestReloadKeepsPreviousPoliciesOnError(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admin.rego", allowAllPolicy)

	engine, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	writePolicy(t, dir, "admin.rego", "package lunameter.admin\n\ndecision := {")
	if err := engine.Reload(); err == nil {
		t.Fatal("Expected reload of broken policy to fail")
	}

	decision, err := engine.Evaluate(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allow {
		t.Error("Expected previous policy to stay in effect")
	}

	writePolicy(t, dir, "admin.rego", denyAllPolicy)
	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	decision, err = engine.Evaluate(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allow {
		t.Error("Expected reloaded policy to deny")
	}
}

// TestReloadThreadSafety tests that reload is thread-safe with concurrent evaluations
func TestReloadThreadSafety(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admin.rego", allowAllPolicy)

	engine, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	var wg sync.WaitGroup
	ctx := context.Background()
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					if _, err := engine.Evaluate(ctx, map[string]interface{}{"role": "service_role"}); err != nil {
						t.Errorf("Evaluate failed: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload %d failed: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(done)
	wg.Wait()
}
