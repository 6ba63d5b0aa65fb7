// Package topup turns payment-confirmation webhooks into ledger credits.
//
// Events may arrive duplicated, late or out of order. Each one is credited
// under the idempotency key "payment:<event id>", so a replay is a no-op and
// credits commute.
package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/storage"
)

var (
	// ErrUnauthorized is returned when a webhook signature does not verify.
	ErrUnauthorized = errors.New("payment event signature invalid")

	// ErrInvalidEvent is returned for events that cannot be credited.
	ErrInvalidEvent = errors.New("invalid payment event")

	// ErrStopped is returned by Submit once the worker has stopped.
	ErrStopped = errors.New("reconciler stopped")
)

// DefaultQueueSize is the number of events that may wait for the worker.
const DefaultQueueSize = 64

// Event is a verified payment confirmation.
type Event struct {
	ID               string `json:"event_id"`
	UserID           string `json:"user_id"`
	MinutesPurchased int64  `json:"minutes_purchased"`
	PackID           string `json:"pack_id,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Outcome is the result of reconciling one event.
type Outcome struct {
	Transaction *storage.Transaction `json:"transaction"`
	Duplicate   bool                 `json:"duplicate"`
}

// IdempotencyKey returns the ledger key used for the event.
func (e Event) IdempotencyKey() string {
	return "payment:" + e.ID
}

type job struct {
	ctx    context.Context
	event  Event
	result chan jobResult
}

type jobResult struct {
	outcome *Outcome
	err     error
}

// Reconciler credits payment events. A single worker started with Run
// consumes events handed over by Submit.
type Reconciler struct {
	ledger     *ledger.Ledger
	packs      Packs
	queue      chan job
	maxRetries uint64
	backoff    time.Duration
	logger     zerolog.Logger
	done       chan struct{}
}

// Config holds reconciler configuration
type Config struct {
	Packs          Packs
	QueueSize      int
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// NewReconciler creates a reconciler
func NewReconciler(l *ledger.Ledger, config Config, logger zerolog.Logger) *Reconciler {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Packs == nil {
		config.Packs = DefaultPacks()
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}

	return &Reconciler{
		ledger:     l,
		packs:      config.Packs,
		queue:      make(chan job, config.QueueSize),
		maxRetries: config.MaxRetries,
		backoff:    config.InitialBackoff,
		logger:     logger.With().Str("component", "topup").Logger(),
		done:       make(chan struct{}),
	}
}

// Run processes submitted events until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)
	r.logger.Info().Msg("Top-up reconciler started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Top-up reconciler stopped")
			return
		case j := <-r.queue:
			outcome, err := r.HandleEvent(j.ctx, j.event)
			j.result <- jobResult{outcome: outcome, err: err}
		}
	}
}

// Submit hands event to the worker and waits for its outcome.
func (r *Reconciler) Submit(ctx context.Context, event Event) (*Outcome, error) {
	result := make(chan jobResult, 1)

	select {
	case r.queue <- job{ctx: ctx, event: event, result: result}:
	case <-r.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-result:
		return res.outcome, res.err
	case <-r.done:
		// The worker may have finished the job just before stopping.
		select {
		case res := <-result:
			return res.outcome, res.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleEvent credits the minutes bought by event. Duplicate events return
// the first transaction with Duplicate set.
func (r *Reconciler) HandleEvent(ctx context.Context, event Event) (*Outcome, error) {
	minutes, err := r.resolve(event)
	if err != nil {
		metrics.TopupEventsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	var outcome *Outcome
	operation := func() error {
		prior, err := r.ledger.Lookup(ctx, event.IdempotencyKey())
		if err != nil {
			return err
		}

		txn, err := r.ledger.Credit(ctx, event.UserID, minutes, storage.KindPurchaseCredit, event.IdempotencyKey())
		if errors.Is(err, ledger.ErrIdempotencyConflict) || errors.Is(err, ledger.ErrInvalidAmount) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}

		outcome = &Outcome{Transaction: txn, Duplicate: prior != nil}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Dur("retry_in", wait).Msg("Crediting payment event failed, retrying")
	}
	if err := backoff.RetryNotify(operation, r.retryPolicy(ctx), notify); err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			metrics.TopupEventsTotal.WithLabelValues("conflict").Inc()
		} else {
			metrics.TopupEventsTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("failed to reconcile event %s: %w", event.ID, err)
	}

	if outcome.Duplicate {
		metrics.TopupEventsTotal.WithLabelValues("duplicate").Inc()
		r.logger.Info().Str("event_id", event.ID).Str("user_id", event.UserID).Msg("Duplicate payment event ignored")
		return outcome, nil
	}

	metrics.TopupEventsTotal.WithLabelValues("credited").Inc()
	r.logger.Info().
		Str("event_id", event.ID).
		Str("user_id", event.UserID).
		Str("pack_id", event.PackID).
		Int64("minutes", minutes).
		Msg("Payment event credited")

	return outcome, nil
}

func (r *Reconciler) resolve(event Event) (int64, error) {
	if event.ID == "" {
		return 0, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if event.UserID == "" {
		return 0, fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}

	if event.MinutesPurchased > 0 {
		return event.MinutesPurchased, nil
	}
	if event.MinutesPurchased < 0 {
		return 0, fmt.Errorf("%w: negative minutes", ErrInvalidEvent)
	}
	if event.PackID == "" {
		return 0, fmt.Errorf("%w: no minutes or pack", ErrInvalidEvent)
	}
	minutes, ok := r.packs.Minutes(event.PackID)
	if !ok {
		return 0, fmt.Errorf("%w: unknown pack %q", ErrInvalidEvent, event.PackID)
	}
	return minutes, nil
}

func (r *Reconciler) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.backoff
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx)
}
