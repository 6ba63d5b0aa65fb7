// Package session owns the lifecycle of metered conversational sessions.
//
// A user has at most one session that is not closed. Every mutation of a
// user's session happens under that user's lock; the ledger has its own
// per-user lock and is always acquired second.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/keylock"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/notify"
	"github.com/goodtune/lunameter/internal/storage"
	"github.com/goodtune/lunameter/internal/usage"
)

var (
	// ErrSessionConflict is returned by Start when the user already has an open session.
	ErrSessionConflict = errors.New("session already open for user")

	// ErrSessionNotFound is returned for unknown sessions and sessions owned by another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when a turn or activity targets a session that is closing or closed.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrExternalServiceUnavailable is returned when the conversation service fails a turn.
	ErrExternalServiceUnavailable = errors.New("conversation service unavailable")

	// ErrEmptyMessage is returned for blank turns.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrInvalidReason is returned for unknown end reasons.
	ErrInvalidReason = errors.New("invalid end reason")
)

const (
	// DefaultIdleTimeout is how long a session may go without a turn before it is closed.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultIdleCheckInterval is how often the reaper looks for idle sessions.
	DefaultIdleCheckInterval = 30 * time.Second

	// DefaultHistoryLimit caps the turns sent to the conversation service.
	DefaultHistoryLimit = 40

	backgroundTimeout = 30 * time.Second
)

// Conversation produces the assistant's reply to a message given the turns so far.
type Conversation interface {
	Reply(ctx context.Context, history []storage.Turn, message string) (string, error)
}

// Notifier receives session lifecycle events.
type Notifier interface {
	Publish(event notify.Event)
}

// Config holds manager configuration
type Config struct {
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	HistoryLimit      int
	Conversation      Conversation
	Notifier          Notifier
}

// EndResult is the outcome of closing a session.
type EndResult struct {
	Session          storage.Session `json:"session"`
	MinutesCharged   int64           `json:"minutes_charged"`
	MinutesRemaining int64           `json:"minutes_remaining"`
	AlreadyClosed    bool            `json:"already_closed"`
}

// TurnResult is the outcome of a conversational turn.
type TurnResult struct {
	Reply            string `json:"reply"`
	MinutesRemaining int64  `json:"minutes_remaining"`
}

// Manager runs the session state machine.
type Manager struct {
	sessions          storage.SessionStore
	ledger            *ledger.Ledger
	meter             *usage.Meter
	conversation      Conversation
	notifier          Notifier
	locks             *keylock.Map
	idleTimeout       time.Duration
	idleCheckInterval time.Duration
	historyLimit      int
	logger            zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager
func NewManager(sessions storage.SessionStore, l *ledger.Ledger, meter *usage.Meter, config Config, logger zerolog.Logger) *Manager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.IdleCheckInterval <= 0 {
		config.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}

	return &Manager{
		sessions:          sessions,
		ledger:            l,
		meter:             meter,
		conversation:      config.Conversation,
		notifier:          config.Notifier,
		locks:             keylock.New(),
		idleTimeout:       config.IdleTimeout,
		idleCheckInterval: config.IdleCheckInterval,
		historyLimit:      config.HistoryLimit,
		logger:            logger.With().Str("component", "session-manager").Logger(),
		stopChan:          make(chan struct{}),
	}
}

// Start opens a new session for userID.
func (m *Manager) Start(ctx context.Context, userID string) (*storage.Session, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	if _, err := m.sessions.GetOpenByUser(ctx, userID); err == nil {
		metrics.SessionStartsTotal.WithLabelValues("conflict").Inc()
		return nil, ErrSessionConflict
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}

	if err := m.meter.PreCheck(ctx, userID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.SessionStartsTotal.WithLabelValues("insufficient_balance").Inc()
		}
		return nil, err
	}

	now := m.meter.Now()
	session := storage.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         storage.StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, storage.ErrOpenSession) {
			metrics.SessionStartsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrSessionConflict
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.track(session)
	metrics.SessionStartsTotal.WithLabelValues("started").Inc()

	remaining, _ := m.ledger.BalanceOf(ctx, userID)
	m.publish(notify.EventSessionStarted, session, "", remaining)

	m.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", userID).
		Int64("minutes_available", remaining).
		Msg("Session started")

	return &session, nil
}

// RecordActivity marks the session as used now.
func (m *Manager) RecordActivity(ctx context.Context, sessionID string) error {
	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if session.Status != storage.StatusActive {
		return ErrSessionNotActive
	}
	session.LastActivityAt = m.meter.Now()
	if err := m.sessions.Update(ctx, *session); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// End closes the session and settles its final minutes. Ending a closed
// session returns its terminal record.
func (m *Manager) End(ctx context.Context, sessionID string, reason storage.EndReason) (*EndResult, error) {
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}

	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.endLocked(ctx, session, reason)
}

// ForceClose moves an active session to closing, tells the user's
// conversation channel it is ending, then closes it.
func (m *Manager) ForceClose(ctx context.Context, sessionID string, reason storage.EndReason) (*EndResult, error) {
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}

	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.forceCloseLocked(ctx, session, reason)
}

// Tick meters the session now: elapsed whole minutes are debited and the
// session is force-closed once the balance is exhausted.
func (m *Manager) Tick(ctx context.Context, sessionID string) error {
	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if session.Status != storage.StatusActive {
		m.meter.Untrack(sessionID)
		return nil
	}

	recorded := session.MinutesDebited
	result, err := m.meter.Tick(ctx, session)
	if session.MinutesDebited != recorded {
		if uerr := m.sessions.Update(ctx, *session); uerr != nil {
			return fmt.Errorf("failed to persist debited minutes: %w", uerr)
		}
		remaining, _ := m.ledger.BalanceOf(ctx, session.UserID)
		m.publish(notify.EventMinutesDebited, *session, "", remaining)
	}
	if err != nil {
		return err
	}

	if result.Exhausted {
		_, err := m.forceCloseLocked(ctx, session, storage.ReasonBalanceExhausted)
		return err
	}
	return nil
}

// Turn sends message to the conversation service and records both sides of
// the exchange. No lock is held while the service is working.
func (m *Manager) Turn(ctx context.Context, userID, sessionID, message string) (*TurnResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	session, err := m.GetForUser(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.StatusActive {
		return nil, ErrSessionNotActive
	}
	if err := m.meter.PreCheck(ctx, userID); err != nil {
		return nil, err
	}
	if err := m.RecordActivity(ctx, sessionID); err != nil {
		return nil, err
	}

	history, err := m.sessions.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	if len(history) > m.historyLimit {
		history = history[len(history)-m.historyLimit:]
	}

	if m.conversation == nil {
		return nil, ErrExternalServiceUnavailable
	}
	sentAt := m.meter.Now()
	reply, err := m.conversation.Reply(ctx, history, message)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Conversation turn failed")
		return nil, fmt.Errorf("%w: %v", ErrExternalServiceUnavailable, err)
	}

	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.appendExchange(ctx, session, message, reply, sentAt); err != nil {
		return nil, err
	}

	remaining, err := m.ledger.BalanceOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TurnResult{Reply: reply, MinutesRemaining: remaining}, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// GetForUser returns a session only if it belongs to userID.
func (m *Manager) GetForUser(ctx context.Context, userID, sessionID string) (*storage.Session, error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// OpenFor returns the user's session that is not yet closed, or nil.
func (m *Manager) OpenFor(ctx context.Context, userID string) (*storage.Session, error) {
	session, err := m.sessions.GetOpenByUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return session, err
}

// Transcript returns the recorded turns of a session.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	return m.sessions.ListTurns(ctx, sessionID)
}

// ListOpen returns every session that is not closed.
func (m *Manager) ListOpen(ctx context.Context) ([]storage.Session, error) {
	return m.sessions.ListOpen(ctx)
}

// ListByUser returns the user's most recent sessions.
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]storage.Session, error) {
	return m.sessions.ListByUser(ctx, userID, limit)
}

// Recover resumes metering for sessions left open by a previous process and
// finishes closing the ones it was closing.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	open, err := m.sessions.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open sessions: %w", err)
	}

	resumed := 0
	for _, s := range open {
		if err := m.recoverOne(ctx, s.ID); err != nil {
			m.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to recover session")
			continue
		}
		resumed++
	}

	m.logger.Info().Int("sessions", resumed).Msg("Session recovery complete")
	return resumed, nil
}

func (m *Manager) recoverOne(ctx context.Context, sessionID string) error {
	session, unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	switch session.Status {
	case storage.StatusClosing:
		reason := session.EndReason
		if !reason.Valid() {
			reason = storage.ReasonForced
		}
		_, err := m.endLocked(ctx, session, reason)
		return err

	case storage.StatusActive:
		debited, err := m.meter.Debited(ctx, session)
		if err != nil {
			return err
		}
		if debited != session.MinutesDebited {
			m.logger.Warn().
				Str("session_id", session.ID).
				Int64("recorded", session.MinutesDebited).
				Int64("ledger", debited).
				Msg("Session debit total disagrees with ledger, using ledger")
			session.MinutesDebited = debited
			if err := m.sessions.Update(ctx, *session); err != nil {
				return fmt.Errorf("failed to repair session: %w", err)
			}
		}
		m.track(*session)
	}
	return nil
}

// StartReaper launches the idle reaper.
func (m *Manager) StartReaper() {
	m.wg.Add(1)
	go m.runReaper()
	m.logger.Info().
		Dur("idle_timeout", m.idleTimeout).
		Dur("check_interval", m.idleCheckInterval).
		Msg("Idle session reaper started")
}

// Stop halts the reaper and every session ticker. Sessions stay open and are
// picked up again by Recover.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
	m.meter.Stop()
	m.logger.Info().Msg("Session manager stopped")
}

func (m *Manager) runReaper() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
			if _, err := m.ReapIdle(ctx); err != nil {
				m.logger.Error().Err(err).Msg("Idle sweep failed")
			}
			cancel()
		}
	}
}

// ReapIdle force-closes sessions idle for longer than the idle timeout and
// completes sessions stuck in closing. It returns the number closed.
func (m *Manager) ReapIdle(ctx context.Context) (int, error) {
	open, err := m.sessions.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open sessions: %w", err)
	}

	now := m.meter.Now()
	closed := 0
	for _, s := range open {
		reason := storage.ReasonIdleTimeout
		switch {
		case s.Status == storage.StatusClosing:
			reason = s.EndReason
			if !reason.Valid() {
				reason = storage.ReasonForced
			}
		case now.Sub(s.LastActivityAt) <= m.idleTimeout:
			continue
		}

		m.logger.Debug().
			Str("session_id", s.ID).
			Dur("idle", now.Sub(s.LastActivityAt)).
			Msg("Closing idle session")

		if _, err := m.ForceClose(ctx, s.ID, reason); err != nil {
			m.logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to close idle session")
			continue
		}
		closed++
	}
	return closed, nil
}

// lockSession loads a session, takes its user's lock and reloads it so the
// returned record cannot be stale.
func (m *Manager) lockSession(ctx context.Context, sessionID string) (*storage.Session, func(), error) {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	unlock := m.locks.Lock(session.UserID)
	session, err = m.Get(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return session, unlock, nil
}

func (m *Manager) forceCloseLocked(ctx context.Context, session *storage.Session, reason storage.EndReason) (*EndResult, error) {
	if session.Status == storage.StatusActive {
		m.meter.Untrack(session.ID)
		session.Status = storage.StatusClosing
		session.EndReason = reason
		if err := m.sessions.Update(ctx, *session); err != nil {
			return nil, fmt.Errorf("failed to mark session closing: %w", err)
		}

		remaining, _ := m.ledger.BalanceOf(ctx, session.UserID)
		m.publish(notify.EventSessionEnding, *session, string(reason), remaining)

		m.logger.Info().
			Str("session_id", session.ID).
			Str("user_id", session.UserID).
			Str("reason", string(reason)).
			Msg("Force-closing session")
	}
	return m.endLocked(ctx, session, reason)
}

func (m *Manager) endLocked(ctx context.Context, session *storage.Session, reason storage.EndReason) (*EndResult, error) {
	if session.Status == storage.StatusClosed {
		remaining, err := m.ledger.BalanceOf(ctx, session.UserID)
		if err != nil {
			return nil, err
		}
		return &EndResult{Session: *session, MinutesRemaining: remaining, AlreadyClosed: true}, nil
	}

	m.meter.Untrack(session.ID)

	endedAt := m.meter.Now()
	settlement, err := m.meter.Settle(ctx, session, endedAt)
	if err != nil {
		if session.Status == storage.StatusActive {
			m.track(*session)
		}
		return nil, err
	}

	if settlement.Shortfall() > 0 {
		metrics.ReconciliationMismatchesTotal.Inc()
		m.logger.Warn().
			Str("session_id", session.ID).
			Str("user_id", session.UserID).
			Int64("due", settlement.Due).
			Int64("charged", settlement.Charged).
			Str("requested_reason", string(reason)).
			Msg("Reconciliation mismatch: final settlement exceeded balance")
		reason = storage.ReasonBalanceExhausted
	}

	session.Status = storage.StatusClosed
	session.EndedAt = &endedAt
	session.EndReason = reason
	if err := m.sessions.Update(ctx, *session); err != nil {
		m.logger.Error().
			Err(err).
			Str("session_id", session.ID).
			Int64("minutes_charged", settlement.Charged).
			Msg("Settled session could not be archived")
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	remaining, err := m.ledger.BalanceOf(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	metrics.SessionDuration.Observe(endedAt.Sub(session.StartedAt).Seconds())
	m.publish(notify.EventSessionEnded, *session, string(reason), remaining)

	m.logger.Info().
		Str("session_id", session.ID).
		Str("user_id", session.UserID).
		Str("reason", string(reason)).
		Dur("duration", endedAt.Sub(session.StartedAt)).
		Int64("minutes_charged", settlement.Charged).
		Int64("minutes_debited", session.MinutesDebited).
		Int64("minutes_remaining", remaining).
		Msg("Session closed")

	return &EndResult{Session: *session, MinutesCharged: settlement.Charged, MinutesRemaining: remaining}, nil
}

func (m *Manager) appendExchange(ctx context.Context, session *storage.Session, message, reply string, sentAt time.Time) error {
	turns, err := m.sessions.ListTurns(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("failed to load session history: %w", err)
	}
	seq := len(turns)
	now := m.meter.Now()

	exchange := []storage.Turn{
		{SessionID: session.ID, Seq: seq, Role: RoleUser, Content: message, CreatedAt: sentAt},
		{SessionID: session.ID, Seq: seq + 1, Role: RoleAssistant, Content: reply, CreatedAt: now},
	}
	for _, turn := range exchange {
		if err := m.sessions.AppendTurn(ctx, turn); err != nil {
			return fmt.Errorf("failed to record turn: %w", err)
		}
	}

	session.MessagesCount += len(exchange)
	if session.Status == storage.StatusActive {
		session.LastActivityAt = now
	}
	if err := m.sessions.Update(ctx, *session); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (m *Manager) track(session storage.Session) {
	sessionID := session.ID
	m.meter.Track(sessionID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := m.Tick(ctx, sessionID); err != nil {
			m.logger.Error().Err(err).Str("session_id", sessionID).Msg("Metering tick failed")
		}
	})
}

func (m *Manager) publish(eventType notify.EventType, session storage.Session, reason string, remaining int64) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(notify.Event{
		Type:             eventType,
		UserID:           session.UserID,
		SessionID:        session.ID,
		Reason:           reason,
		MinutesDebited:   session.MinutesDebited,
		MinutesRemaining: remaining,
		At:               m.meter.Now(),
	})
}

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
