// Package notify pushes session lifecycle events to connected clients over
// websockets.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/metrics"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventMinutesDebited EventType = "minutes_debited"
	EventSessionEnding  EventType = "session_ending"
	EventSessionEnded   EventType = "session_ended"
)

const (
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// Event is delivered to every stream the session's user has open.
type Event struct {
	Type             EventType `json:"type"`
	UserID           string    `json:"-"`
	SessionID        string    `json:"session_id"`
	Reason           string    `json:"reason,omitempty"`
	MinutesDebited   int64     `json:"minutes_debited"`
	MinutesRemaining int64     `json:"minutes_remaining"`
	At               time.Time `json:"at"`
}

// Hub fans events out to per-user subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	origins     []string
	logger      zerolog.Logger
}

// NewHub creates a hub. origins restricts websocket upgrades to the given
// host patterns; "*" allows any origin.
func NewHub(origins []string, logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		origins:     origins,
		logger:      logger.With().Str("component", "notify").Logger(),
	}
}

// Subscribe registers a subscriber for userID's events. The returned cancel
// function must be called to release it.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan Event]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}
	h.mu.Unlock()
	metrics.NotifySubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers[userID], ch)
			if len(h.subscribers[userID]) == 0 {
				delete(h.subscribers, userID)
			}
			h.mu.Unlock()
			metrics.NotifySubscribers.Dec()
		})
	}
}

// SubscriberCount returns the number of open subscriptions for userID.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}

// Publish delivers event without blocking. Subscribers that are not keeping
// up miss the event.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[event.UserID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn().
				Str("user_id", event.UserID).
				Str("session_id", event.SessionID).
				Str("event", string(event.Type)).
				Msg("Dropped event for slow subscriber")
		}
	}
}

// ServeSession upgrades the request to a websocket and streams sessionID's
// events until the session ends or the client goes away.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	events, cancel := h.Subscribe(userID)
	defer cancel()

	// Clients never send; CloseRead handles control frames and reports disconnects.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug().Str("user_id", userID).Str("session_id", sessionID).Msg("Event stream opened")

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if event.SessionID != sessionID {
				continue
			}
			if err := h.write(ctx, conn, event); err != nil {
				h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Event stream write failed")
				return
			}
			if event.Type == EventSessionEnded {
				_ = conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
