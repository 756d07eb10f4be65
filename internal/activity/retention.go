package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktrack/internal/metrics"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler deletes old sessions once a day.
type RetentionScheduler struct {
	sessions      storage.SessionStore
	retentionDays int
	runTime       time.Time // Time of day to prune (only hour and minute are used)
	now           func() time.Time
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler. runTime uses HH:MM format.
func NewRetentionScheduler(sessions storage.SessionStore, retentionDays int, runTime string, logger zerolog.Logger) (*RetentionScheduler, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	parsedTime, err := time.Parse("15:04", runTime)
	if err != nil {
		return nil, fmt.Errorf("invalid retention time %q: %w", runTime, err)
	}

	return &RetentionScheduler{
		sessions:      sessions,
		retentionDays: retentionDays,
		runTime:       parsedTime,
		now:           time.Now,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("run_time", rs.runTime.Format("15:04")).
		Int("retention_days", rs.retentionDays).
		Msg("Session retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Session retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	for {
		nextRun := rs.calculateNextRun()
		waitDuration := nextRun.Sub(rs.now())

		rs.logger.Debug().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next retention pass")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			if _, err := rs.Prune(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to prune old sessions")
			}
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// calculateNextRun returns the next occurrence of the configured time of day.
func (rs *RetentionScheduler) calculateNextRun() time.Time {
	now := rs.now()

	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.runTime.Hour(), rs.runTime.Minute(), 0, 0,
		now.Location(),
	)

	if now.After(today) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// Cutoff returns the end timestamp before which sessions are deleted.
func (rs *RetentionScheduler) Cutoff() int64 {
	return rs.now().AddDate(0, 0, -rs.retentionDays).Unix()
}

// Prune deletes sessions that ended before the retention cutoff.
func (rs *RetentionScheduler) Prune(ctx context.Context) (int, error) {
	cutoff := rs.Cutoff()

	deleted, err := rs.sessions.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions before %d: %w", cutoff, err)
	}

	metrics.RetentionDeleted.Add(float64(deleted))
	rs.logger.Info().
		Int("sessions_deleted", deleted).
		Int64("cutoff_ts", cutoff).
		Msg("Old sessions pruned")

	return deleted, nil
}
