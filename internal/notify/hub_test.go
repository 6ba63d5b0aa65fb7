package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func TestPublishRoutesByUser(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())

	events, cancel := hub.Subscribe("u1")
	defer cancel()
	other, cancelOther := hub.Subscribe("u2")
	defer cancelOther()

	hub.Publish(Event{Type: EventSessionStarted, UserID: "u1", SessionID: "s1"})

	select {
	case ev := <-events:
		if ev.SessionID != "s1" || ev.Type != EventSessionStarted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-other:
		t.Fatalf("u2 received u1's event: %+v", ev)
	default:
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	_, cancel := hub.Subscribe("u1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			hub.Publish(Event{Type: EventMinutesDebited, UserID: "u1", SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	_, cancel := hub.Subscribe("u1")
	cancel()
	cancel()

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if len(hub.subscribers) != 0 {
		t.Fatalf("expected no subscribers, got %d", len(hub.subscribers))
	}
}

func TestServeSessionStreamsUntilEnded(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSession(w, r, "u1", "s1")
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	// Wait for the handler to register before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.RLock()
		ready := len(hub.subscribers["u1"]) == 1
		hub.mu.RUnlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(Event{Type: EventMinutesDebited, UserID: "u1", SessionID: "other"})
	hub.Publish(Event{Type: EventSessionEnding, UserID: "u1", SessionID: "s1", Reason: "balance_exhausted"})
	hub.Publish(Event{Type: EventSessionEnded, UserID: "u1", SessionID: "s1", Reason: "balance_exhausted"})

	var got []Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("unexpected close: %v", err)
			}
			break
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events for s1, got %d: %+v", len(got), got)
	}
	if got[0].Type != EventSessionEnding || got[0].Reason != "balance_exhausted" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Type != EventSessionEnded {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}
