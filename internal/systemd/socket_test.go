package systemd

import (
	"context"
	"testing"
	"time"
)

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated || listeners.API != nil || listeners.Metrics != nil {
		t.Errorf("Expected no listeners, got %+v", listeners)
	}
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	if IsSystemdService() {
		t.Error("Expected not to be running under systemd")
	}
	if err := NotifyReady(); err != nil {
		t.Errorf("NotifyReady: %v", err)
	}
	if err := NotifyReloading(); err != nil {
		t.Errorf("NotifyReloading: %v", err)
	}
	if err := NotifyStopping(); err != nil {
		t.Errorf("NotifyStopping: %v", err)
	}
}

func TestRunWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- RunWatchdog(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunWatchdog: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("RunWatchdog should return immediately when disabled")
	}
}
