package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/storage"
)

const (
	// DefaultTickInterval is how often an active session is metered.
	DefaultTickInterval = 30 * time.Second

	// MinimumStartBalance is the balance a user needs to open a session.
	MinimumStartBalance = 1
)

// Meter converts elapsed session time into ledger debits.
//
// It keeps no persistent state: every computation starts from the session's
// StartedAt and the minutes the ledger already holds for it, so a restarted
// process or a retried close resumes metering without double counting.
type Meter struct {
	ledger   *ledger.Ledger
	clock    Clock
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	tickers map[string]context.CancelFunc
}

// Config holds meter configuration
type Config struct {
	TickInterval time.Duration
	Clock        Clock
}

// TickResult describes one metering tick.
type TickResult struct {
	Debited   int64
	Exhausted bool
}

// Settlement describes the final debit of a session.
type Settlement struct {
	// Due is what the elapsed time costs beyond the minutes already debited.
	Due int64
	// Charged is what was actually debited.
	Charged int64
}

// Shortfall reports the minutes that could not be charged.
func (s Settlement) Shortfall() int64 {
	return s.Due - s.Charged
}

// NewMeter creates a new usage meter
func NewMeter(l *ledger.Ledger, config Config, logger zerolog.Logger) *Meter {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	return &Meter{
		ledger:   l,
		clock:    config.Clock,
		interval: config.TickInterval,
		logger:   logger.With().Str("component", "usage-meter").Logger(),
		tickers:  make(map[string]context.CancelFunc),
	}
}

// Now returns the meter's current time.
func (m *Meter) Now() time.Time {
	return m.clock.Now()
}

// PreCheck fails with ledger.ErrInsufficientBalance unless the user can pay
// for at least one minute.
func (m *Meter) PreCheck(ctx context.Context, userID string) error {
	remaining, err := m.ledger.BalanceOf(ctx, userID)
	if err != nil {
		return err
	}
	if remaining < MinimumStartBalance {
		return ledger.ErrInsufficientBalance
	}
	return nil
}

// Tick debits the whole minutes that have elapsed since the last debit and
// adds them to session.MinutesDebited. Exhausted is set when the balance can
// no longer cover the session.
func (m *Meter) Tick(ctx context.Context, session *storage.Session) (TickResult, error) {
	var result TickResult

	if err := m.catchUp(ctx, session); err != nil {
		metrics.MeterTicksTotal.WithLabelValues("error").Inc()
		return result, err
	}

	elapsed := m.clock.Now().Sub(session.StartedAt)
	due := WholeMinutes(elapsed) - session.MinutesDebited
	if due > 0 {
		_, err := m.ledger.Debit(ctx, session.UserID, due, storage.KindSessionDebit, ledger.WithSession(session.ID))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			metrics.MeterTicksTotal.WithLabelValues("exhausted").Inc()
			m.logger.Info().
				Str("session_id", session.ID).
				Str("user_id", session.UserID).
				Int64("due", due).
				Msg("Balance cannot cover elapsed minutes")
			result.Exhausted = true
			return result, nil
		}
		if err != nil {
			metrics.MeterTicksTotal.WithLabelValues("error").Inc()
			return result, fmt.Errorf("failed to debit session %s: %w", session.ID, err)
		}

		session.MinutesDebited += due
		result.Debited = due
		metrics.UsageMinutesConsumed.Add(float64(due))

		m.logger.Debug().
			Str("session_id", session.ID).
			Int64("debited", due).
			Int64("minutes_debited", session.MinutesDebited).
			Msg("Metered elapsed minutes")
	}

	remaining, err := m.ledger.BalanceOf(ctx, session.UserID)
	if err != nil {
		metrics.MeterTicksTotal.WithLabelValues("error").Inc()
		return result, err
	}
	if remaining == 0 {
		result.Exhausted = true
		metrics.MeterTicksTotal.WithLabelValues("exhausted").Inc()
		return result, nil
	}

	if result.Debited > 0 {
		metrics.MeterTicksTotal.WithLabelValues("debited").Inc()
	} else {
		metrics.MeterTicksTotal.WithLabelValues("idle").Inc()
	}
	return result, nil
}

// Settle charges the remainder of a session at end time: the elapsed time
// rounded up to whole minutes, less what was already debited, clamped to the
// balance. session.MinutesDebited is increased by the amount charged.
func (m *Meter) Settle(ctx context.Context, session *storage.Session, endedAt time.Time) (Settlement, error) {
	var settlement Settlement

	if err := m.catchUp(ctx, session); err != nil {
		return settlement, err
	}

	settlement.Due = BilledMinutes(endedAt.Sub(session.StartedAt)) - session.MinutesDebited
	if settlement.Due <= 0 {
		settlement.Due = 0
		return settlement, nil
	}

	// A concurrent debit (an operator adjustment, for instance) can shrink the
	// balance between the read and the debit, so re-read on rejection.
	for attempt := 0; attempt < 3; attempt++ {
		remaining, err := m.ledger.BalanceOf(ctx, session.UserID)
		if err != nil {
			return settlement, err
		}
		charge := min(settlement.Due, remaining)
		if charge == 0 {
			break
		}

		_, err = m.ledger.Debit(ctx, session.UserID, charge, storage.KindSessionDebit, ledger.WithSession(session.ID))
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			continue
		}
		if err != nil {
			return settlement, fmt.Errorf("failed to settle session %s: %w", session.ID, err)
		}

		settlement.Charged = charge
		session.MinutesDebited += charge
		metrics.UsageMinutesConsumed.Add(float64(charge))
		break
	}

	return settlement, nil
}

// Debited sums the session debits the ledger recorded for session.
func (m *Meter) Debited(ctx context.Context, session *storage.Session) (int64, error) {
	history, err := m.ledger.History(ctx, session.UserID, 0)
	if err != nil {
		return 0, err
	}
	var debited int64
	for _, txn := range history {
		if txn.Kind == storage.KindSessionDebit && txn.SessionID == session.ID {
			debited -= txn.Delta
		}
	}
	return debited, nil
}

// catchUp raises session.MinutesDebited to the ledger's total for the
// session. The two differ when a debit committed but the session record
// carrying it was never saved.
func (m *Meter) catchUp(ctx context.Context, session *storage.Session) error {
	debited, err := m.Debited(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to read debits for session %s: %w", session.ID, err)
	}
	if debited > session.MinutesDebited {
		m.logger.Warn().
			Str("session_id", session.ID).
			Int64("recorded", session.MinutesDebited).
			Int64("ledger", debited).
			Msg("Session record behind ledger, resuming from ledger")
		session.MinutesDebited = debited
	}
	return nil
}

// Track starts calling tick every interval until Untrack is called for sessionID.
// Tracking an already tracked session is a no-op.
func (m *Meter) Track(sessionID string, tick func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tickers[sessionID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.tickers[sessionID] = cancel
	metrics.SessionsActive.Inc()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()

	m.logger.Debug().Str("session_id", sessionID).Dur("interval", m.interval).Msg("Metering started")
}

// Untrack stops the ticker for sessionID.
func (m *Meter) Untrack(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, exists := m.tickers[sessionID]
	if !exists {
		return
	}
	cancel()
	delete(m.tickers, sessionID)
	metrics.SessionsActive.Dec()

	m.logger.Debug().Str("session_id", sessionID).Msg("Metering stopped")
}

// Tracking reports whether sessionID has a running ticker.
func (m *Meter) Tracking(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.tickers[sessionID]
	return exists
}

// Stop cancels every running ticker.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, cancel := range m.tickers {
		cancel()
		delete(m.tickers, sessionID)
		metrics.SessionsActive.Dec()
	}
}

// WholeMinutes returns d in whole minutes, rounded down.
func WholeMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// BilledMinutes returns d in minutes, with any partial minute rounded up.
func BilledMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}
