package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/ktrack/internal/metrics"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the time between sampling ticks
	DefaultInterval = 2 * time.Second

	// MinInterval is the shortest accepted tick interval
	MinInterval = 500 * time.Millisecond

	// DefaultIdleThreshold reclassifies activity as inactive
	DefaultIdleThreshold = 60 * time.Second

	// DefaultEffectiveIdleThreshold marks activity as passive
	DefaultEffectiveIdleThreshold = 8 * time.Second

	// DefaultSleepGapThreshold is the wall/monotonic divergence treated as suspend
	DefaultSleepGapThreshold = 90 * time.Second

	// DefaultStopTimeout bounds how long Stop waits for the loop
	DefaultStopTimeout = 3 * time.Second

	// DefaultDetectTimeout bounds one round of window and idle detection
	DefaultDetectTimeout = 2500 * time.Millisecond
)

var (
	// ErrStopped is returned by Tick after Stop until the engine is started again.
	ErrStopped = errors.New("activity: engine stopped")

	// ErrBulkInProgress is returned when resuming during a WithPaused call.
	ErrBulkInProgress = errors.New("activity: bulk operation in progress")
)

// Config holds engine configuration
type Config struct {
	Interval               time.Duration
	DisableIdle            bool
	IdleThreshold          time.Duration
	EffectiveIdleThreshold time.Duration
	SleepGapThreshold      time.Duration
	StopTimeout            time.Duration
	DetectTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.EffectiveIdleThreshold <= 0 {
		c.EffectiveIdleThreshold = DefaultEffectiveIdleThreshold
	}
	if c.SleepGapThreshold <= 0 {
		c.SleepGapThreshold = DefaultSleepGapThreshold
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = DefaultDetectTimeout
	}
	return c
}

// Engine turns periodic observations into persisted sessions. It owns the
// single open segment; all state below mu is only touched with mu held.
type Engine struct {
	writer  storage.SessionWriter
	source  ObservationSource
	idle    IdleSource
	matcher privacy.Matcher
	clock   Clock
	cfg     Config
	logger  zerolog.Logger

	// bulkMu serializes WithPaused callers
	bulkMu sync.Mutex

	mu      sync.Mutex
	current *OpenSegment
	paused  bool

	// bulkHold is set while a WithPaused fn runs; tracking stays paused
	bulkHold       bool
	pauseAfterBulk bool
	running        bool
	stopped        bool
	hasPrev        bool
	prevWall       time.Time
	prevMono       time.Duration
	lastIdle       IdleSample
	sleepSegments  int
	exclusions     int
	ticks          int64
	lastTickTs     int64
	lastErr        string
	stopCh         chan struct{}
	doneCh         chan struct{}
	cancel         context.CancelFunc
}

// NewEngine creates a new segmentation engine. matcher and idle may be nil.
func NewEngine(writer storage.SessionWriter, source ObservationSource, idle IdleSource, matcher privacy.Matcher, config Config, logger zerolog.Logger) *Engine {
	return &Engine{
		writer:  writer,
		source:  source,
		idle:    idle,
		matcher: matcher,
		clock:   RealClock{},
		cfg:     config.withDefaults(),
		logger:  logger.With().Str("component", "activity-engine").Logger(),
	}
}

// SetClock sets the clock used for timestamps (useful for testing).
func (e *Engine) SetClock(clock Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// Interval returns the effective tick interval.
func (e *Engine) Interval() time.Duration {
	return e.cfg.Interval
}

// Start launches the sampling loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.stopped = false
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.cancel = cancel
	stop, done := e.stopCh, e.doneCh
	e.mu.Unlock()

	go e.run(ctx, stop, done)

	e.logger.Info().
		Dur("interval", e.cfg.Interval).
		Dur("idle_threshold", e.cfg.IdleThreshold).
		Bool("idle_enabled", !e.cfg.DisableIdle).
		Msg("Activity engine started")
}

// Stop signals the loop, waits up to the configured timeout for it to exit
// and flushes the open segment. The flush error, if any, is returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	stop, done, cancel := e.stopCh, e.doneCh, e.cancel
	e.running = false
	e.mu.Unlock()

	if running {
		close(stop)

		timer := time.NewTimer(e.cfg.StopTimeout)
		select {
		case <-done:
		case <-timer.C:
			e.logger.Warn().Dur("timeout", e.cfg.StopTimeout).Msg("Sampling loop did not exit in time")
		case <-ctx.Done():
		}
		timer.Stop()
		cancel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	err := e.flushLocked(ctx, e.clock.Wall().Unix())
	if err != nil {
		e.logger.Error().Err(err).Msg("Final flush failed")
		return err
	}

	e.logger.Info().Msg("Activity engine stopped")
	return nil
}

// SetPaused pauses or resumes tracking. Pausing flushes the open segment
// before returning; resuming starts from an empty segment on the next tick.
// Resuming while a WithPaused call is running returns ErrBulkInProgress.
func (e *Engine) SetPaused(ctx context.Context, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bulkHold {
		if !paused {
			return ErrBulkInProgress
		}
		e.pauseAfterBulk = true
	}
	return e.setPausedLocked(ctx, paused, true)
}

// setPausedLocked records the pause state. A failed pause flush still
// pauses and keeps the segment; discard drops the segment on resume.
func (e *Engine) setPausedLocked(ctx context.Context, paused, discard bool) error {
	var err error
	if paused {
		err = e.flushLocked(ctx, e.clock.Wall().Unix())
	} else if discard && e.current != nil {
		e.logger.Warn().Str("app", e.current.App).Msg("Discarding unflushed segment on resume")
		e.current = nil
		metrics.OpenSegment.Set(0)
	}

	if e.paused != paused {
		e.logger.Info().Bool("paused", paused).Msg("Tracking state changed")
	}
	e.paused = paused
	metrics.Paused.Set(metrics.BoolGauge(paused))

	return err
}

// Paused reports whether tracking is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// WithPaused runs fn with tracking paused and restores the previous pause
// state afterwards. Bulk writes to the session store must go through here.
// If the open segment cannot be flushed fn is not run and the segment is
// kept open.
func (e *Engine) WithPaused(ctx context.Context, fn func(ctx context.Context) error) error {
	e.bulkMu.Lock()
	defer e.bulkMu.Unlock()

	e.mu.Lock()
	wasPaused := e.paused
	if err := e.setPausedLocked(ctx, true, false); err != nil {
		if !wasPaused {
			_ = e.setPausedLocked(ctx, false, false)
		}
		e.mu.Unlock()
		return fmt.Errorf("failed to pause tracking: %w", err)
	}
	e.bulkHold = true
	e.pauseAfterBulk = false
	e.mu.Unlock()

	fnErr := fn(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.bulkHold = false
	if !wasPaused && !e.pauseAfterBulk {
		_ = e.setPausedLocked(ctx, false, true)
	}
	e.pauseAfterBulk = false
	return fnErr
}

// Stalled reports whether a running engine has gone longer than maxAge
// without completing a tick.
func (e *Engine) Stalled(now time.Time, maxAge time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.lastTickTs == 0 {
		return false
	}
	return now.Sub(time.Unix(e.lastTickTs, 0)) > maxAge
}

// Status returns a consistent snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{
		Running:           e.running,
		Paused:            e.paused,
		IntervalSeconds:   e.cfg.Interval.Seconds(),
		Idle:              e.lastIdle,
		SleepSegments:     e.sleepSegments,
		PrivacyExclusions: e.exclusions,
		Ticks:             e.ticks,
		LastTickTs:        e.lastTickTs,
		LastError:         e.lastErr,
	}
	if e.current != nil {
		current := *e.current
		status.Current = &current
	}
	return status
}

func (e *Engine) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		if err := e.Tick(ctx); err != nil && !errors.Is(err, ErrStopped) {
			e.logger.Error().Err(err).Msg("Tick failed")
		}

		timer.Reset(e.cfg.Interval)
	}
}

// tickInput is everything gathered outside the lock for one tick.
type tickInput struct {
	sampled     bool
	observation *Observation
	idle        IdleSample
	match       privacy.Match
	excluded    bool
}

// Tick runs one sampling iteration. Detection happens without holding the
// lock; the decision and any flush/open happen atomically under it.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.TicksTotal.Inc()
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	e.mu.Lock()
	clock := e.clock
	paused := e.paused || e.bulkHold
	e.mu.Unlock()

	wall := clock.Wall()
	mono := clock.Monotonic()

	var in tickInput
	if !paused {
		in = e.sample(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ingestLocked(ctx, wall, mono, in)
}

func (e *Engine) sample(ctx context.Context) tickInput {
	detectCtx, cancel := context.WithTimeout(ctx, e.cfg.DetectTimeout)
	defer cancel()

	in := tickInput{sampled: true}

	if e.source != nil {
		in.observation = e.source.Detect(detectCtx)
	}
	if in.observation == nil {
		metrics.DetectorFailures.WithLabelValues("window").Inc()
	}

	switch {
	case e.cfg.DisableIdle:
		in.idle = IdleSample{Backend: "disabled", CheckedAt: time.Now()}
	case e.idle != nil:
		in.idle = e.idle.Idle(detectCtx)
		if !in.idle.Known {
			metrics.DetectorFailures.WithLabelValues("idle").Inc()
		}
	default:
		in.idle = IdleSample{Backend: "none", CheckedAt: time.Now()}
	}

	if in.observation == nil {
		return in
	}

	normalized := e.normalize(*in.observation, in.idle)
	in.observation = &normalized

	if e.matcher != nil {
		in.match, in.excluded = e.matcher.Match(ctx, normalized.App, normalized.Title)
	}
	return in
}

// normalize canonicalizes the app label and applies idle reclassification.
func (e *Engine) normalize(obs Observation, idle IdleSample) Observation {
	obs.App = storage.NormalizeApp(obs.App)
	obs.Title = strings.TrimSpace(obs.Title)

	if !idle.Known {
		return obs
	}

	idleFor := time.Duration(idle.Seconds) * time.Second
	switch {
	case idleFor >= e.cfg.IdleThreshold:
		return Observation{
			App:    storage.InactiveApp,
			Title:  "",
			Source: storage.SourceIdle,
		}
	case idleFor >= e.cfg.EffectiveIdleThreshold:
		obs.Source += storage.PassiveSuffix
	}
	return obs
}

func (e *Engine) ingestLocked(ctx context.Context, wall time.Time, mono time.Duration, in tickInput) error {
	if e.stopped {
		return ErrStopped
	}

	now := wall.Unix()
	e.ticks++
	e.lastTickTs = now

	var sleepErr error
	if e.hasPrev {
		wallDelta := wall.Round(0).Sub(e.prevWall.Round(0))
		monoDelta := mono - e.prevMono
		suspended := wallDelta - monoDelta
		if suspended < 0 {
			suspended = 0
		}
		if suspended >= e.cfg.SleepGapThreshold && !e.paused && !e.bulkHold {
			sleepErr = e.recordSleepLocked(ctx, e.prevWall.Unix(), now, suspended)
		}
	}
	e.prevWall, e.prevMono, e.hasPrev = wall, mono, true

	err := e.applyLocked(ctx, now, in)
	if err = errors.Join(sleepErr, err); err != nil {
		e.lastErr = err.Error()
	}
	return err
}

func (e *Engine) applyLocked(ctx context.Context, now int64, in tickInput) error {
	if e.paused || e.bulkHold {
		return e.flushLocked(ctx, now)
	}

	// Tracking was resumed while this tick was sampling; nothing was observed.
	if !in.sampled {
		return nil
	}

	e.lastIdle = in.idle
	if in.idle.Known {
		metrics.IdleSeconds.Set(float64(in.idle.Seconds))
	}

	obs := in.observation
	if obs == nil {
		return e.flushLocked(ctx, now)
	}

	if in.excluded {
		e.exclusions++
		metrics.PrivacyExclusions.Inc()
		e.logger.Debug().Str("reason", in.match.Reason).Msg("Observation excluded by privacy rule")
		return e.flushLocked(ctx, now)
	}

	// Transient metadata gaps neither close nor open a segment.
	if obs.App == storage.UnattributedApp && obs.Title == "" {
		return nil
	}

	if e.current != nil {
		if e.current.same(*obs) {
			return nil
		}
		if err := e.flushLocked(ctx, now); err != nil {
			return err
		}
	}

	e.current = &OpenSegment{
		App:     obs.App,
		Title:   obs.Title,
		Source:  obs.Source,
		StartTs: now,
	}
	metrics.OpenSegment.Set(1)
	return nil
}

// recordSleepLocked closes the open segment at the start of the gap and
// writes a sleep session covering it.
func (e *Engine) recordSleepLocked(ctx context.Context, gapStart, gapEnd int64, suspended time.Duration) error {
	if err := e.flushLocked(ctx, gapStart); err != nil {
		return err
	}

	e.sleepSegments++
	metrics.SleepGaps.Inc()

	e.logger.Info().
		Int64("gap_start", gapStart).
		Int64("gap_end", gapEnd).
		Dur("suspended", suspended).
		Msg("System sleep detected")

	return e.writeLocked(ctx, storage.Session{
		StartTs: gapStart,
		EndTs:   gapEnd,
		App:     storage.SleepApp,
		Title:   "",
		Source:  storage.SourceSleep,
	})
}

// flushLocked writes the open segment ending at end. The segment is kept
// when the write fails. Must be called with lock held.
func (e *Engine) flushLocked(ctx context.Context, end int64) error {
	if e.current == nil {
		return nil
	}

	segment := *e.current
	if err := e.writeLocked(ctx, storage.Session{
		StartTs: segment.StartTs,
		EndTs:   end,
		App:     segment.App,
		Title:   segment.Title,
		Source:  segment.Source,
	}); err != nil {
		return err
	}

	e.current = nil
	metrics.OpenSegment.Set(0)
	return nil
}

func (e *Engine) writeLocked(ctx context.Context, session storage.Session) error {
	if !session.Valid() {
		return nil
	}

	if _, err := e.writer.Insert(ctx, session); err != nil {
		metrics.FlushErrors.Inc()
		return fmt.Errorf("failed to write session: %w", err)
	}

	metrics.SessionsWritten.WithLabelValues(session.Source).Inc()
	metrics.SessionSeconds.WithLabelValues(session.Source).Add(float64(session.Duration()))

	e.logger.Debug().
		Str("app", session.App).
		Str("source", session.Source).
		Int64("duration", session.Duration()).
		Msg("Session written")
	return nil
}
