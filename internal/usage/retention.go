package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/storage"
)

// DefaultRetentionDays is how long closed sessions and their turns are kept.
const DefaultRetentionDays = 90

// RetentionScheduler purges archived sessions once a day
type RetentionScheduler struct {
	sessions      storage.SessionStore
	runAt         time.Time // Time of day to run (only hour and minute are used)
	retentionDays int
	clock         Clock
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(sessions storage.SessionStore, runAt string, retentionDays int, clock Clock, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse run time (HH:MM format)
	parsedTime, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if clock == nil {
		clock = RealClock{}
	}

	return &RetentionScheduler{
		sessions:      sessions,
		runAt:         parsedTime,
		retentionDays: retentionDays,
		clock:         clock,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_at", rs.runAt.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Session retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Session retention scheduler stopped")
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	for {
		nextRun := rs.NextRun()
		waitDuration := nextRun.Sub(rs.clock.Now())

		rs.logger.Info().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next session purge")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			if _, err := rs.Purge(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to purge archived sessions")
			}
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// NextRun calculates the next purge time
func (rs *RetentionScheduler) NextRun() time.Time {
	now := rs.clock.Now()

	todayRun := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runAt.Hour(), rs.runAt.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's run time, schedule for tomorrow
	if !now.Before(todayRun) {
		return todayRun.AddDate(0, 0, 1)
	}

	return todayRun
}

// Purge deletes closed sessions that ended before the retention window.
func (rs *RetentionScheduler) Purge(ctx context.Context) (int, error) {
	cutoff := rs.clock.Now().AddDate(0, 0, -rs.retentionDays)

	deleted, err := rs.sessions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	rs.logger.Info().
		Int("sessions_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Archived sessions purged")

	return deleted, nil
}
