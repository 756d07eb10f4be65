package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/rs/zerolog"
)

type memWriter struct {
	mu       sync.Mutex
	sessions []storage.Session
	err      error
}

func (w *memWriter) Insert(_ context.Context, s storage.Session) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false, w.err
	}
	w.sessions = append(w.sessions, s)
	return true, nil
}

func (w *memWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *memWriter) all() []storage.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]storage.Session(nil), w.sessions...)
}

type fakeSource struct {
	mu  sync.Mutex
	obs *Observation
}

func (f *fakeSource) set(app, title, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = &Observation{App: app, Title: title, Source: source}
}

func (f *fakeSource) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = nil
}

func (f *fakeSource) Detect(context.Context) *Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.obs == nil {
		return nil
	}
	obs := *f.obs
	return &obs
}

type fakeIdle struct {
	mu      sync.Mutex
	seconds int
	known   bool
}

func (f *fakeIdle) set(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seconds = seconds
	f.known = true
}

func (f *fakeIdle) Idle(context.Context) IdleSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return IdleSample{Seconds: f.seconds, Known: f.known, Backend: "fake"}
}

type harness struct {
	engine *Engine
	clock  *ManualClock
	source *fakeSource
	idle   *fakeIdle
	writer *memWriter
	filter *privacy.Filter
	t0     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:  NewManualClock(time.Unix(1_700_000_000, 0)),
		source: &fakeSource{},
		idle:   &fakeIdle{},
		writer: &memWriter{},
		filter: privacy.NewFilter(privacy.DefaultCacheSize, zerolog.Nop()),
	}
	h.t0 = h.clock.Wall().Unix()
	h.engine = NewEngine(h.writer, h.source, h.idle, h.filter, Config{}, zerolog.Nop())
	h.engine.SetClock(h.clock)
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	if err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if err := h.engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Interval: 100 * time.Millisecond}.withDefaults()
	if cfg.Interval != MinInterval {
		t.Errorf("Expected interval clamped to %v, got %v", MinInterval, cfg.Interval)
	}
	if cfg.IdleThreshold != DefaultIdleThreshold || cfg.EffectiveIdleThreshold != DefaultEffectiveIdleThreshold {
		t.Errorf("Unexpected idle defaults: %+v", cfg)
	}
	if cfg.SleepGapThreshold != DefaultSleepGapThreshold || cfg.StopTimeout != DefaultStopTimeout {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}

	if got := (Config{}).withDefaults().Interval; got != DefaultInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultInterval, got)
	}
}

func TestIdleTransitionScenario(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")
	h.idle.set(0)

	// Ticks 1..30 cover t0..t0+58 with the same observation.
	for i := 0; i < 30; i++ {
		if i > 0 {
			h.clock.Advance(2 * time.Second)
		}
		h.tick(t)
	}

	if got := h.writer.all(); len(got) != 0 {
		t.Fatalf("Expected no sessions before the idle transition, got %+v", got)
	}

	h.clock.Advance(2 * time.Second)
	h.idle.set(61)
	h.tick(t)

	got := h.writer.all()
	if len(got) != 1 {
		t.Fatalf("Expected exactly one session, got %d: %+v", len(got), got)
	}
	want := storage.Session{StartTs: h.t0, EndTs: h.t0 + 60, App: "Editor", Title: "doc.txt", Source: "x11"}
	if got[0] != want {
		t.Errorf("Expected %+v, got %+v", want, got[0])
	}

	status := h.engine.Status()
	if status.Current == nil {
		t.Fatal("Expected an inactive segment to be open")
	}
	if status.Current.App != storage.InactiveApp || status.Current.Title != "" || status.Current.Source != storage.SourceIdle {
		t.Errorf("Unexpected inactive segment: %+v", status.Current)
	}
	if status.Current.StartTs != h.t0+60 {
		t.Errorf("Expected inactive segment to start at %d, got %d", h.t0+60, status.Current.StartTs)
	}
}

func TestSegmentContinuity(t *testing.T) {
	h := newHarness(t)
	h.source.set("Browser", "News", "hyprctl")

	for i := 0; i < 10; i++ {
		if i > 0 {
			h.clock.Advance(2 * time.Second)
		}
		h.tick(t)
	}
	h.clock.Advance(time.Second)
	h.stop(t)

	got := h.writer.all()
	if len(got) != 1 {
		t.Fatalf("Expected one session, got %d", len(got))
	}
	if got[0].StartTs != h.t0 || got[0].EndTs != h.t0+19 {
		t.Errorf("Expected session %d..%d, got %d..%d", h.t0, h.t0+19, got[0].StartTs, got[0].EndTs)
	}
}

func TestIdempotentFlush(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "a", "x11")
	h.tick(t)
	h.clock.Advance(5 * time.Second)

	ctx := context.Background()
	if err := h.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	if err := h.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	h.stop(t)

	if got := h.writer.all(); len(got) != 1 {
		t.Errorf("Expected a single session, got %d", len(got))
	}
}

func TestZeroDurationDropped(t *testing.T) {
	h := newHarness(t)

	h.source.set("A", "one", "x11")
	h.tick(t)
	h.source.set("B", "two", "x11")
	h.tick(t)
	h.stop(t)

	if got := h.writer.all(); len(got) != 0 {
		t.Errorf("Expected zero-duration segments to be dropped, got %+v", got)
	}
}

func TestPassiveSourceForcesBoundary(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")

	h.idle.set(2)
	h.tick(t)

	h.clock.Advance(10 * time.Second)
	h.idle.set(10)
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.Source != "x11"+storage.PassiveSuffix {
		t.Fatalf("Expected passive segment, got %+v", status.Current)
	}
	if status.Current.App != "Editor" || status.Current.Title != "doc.txt" {
		t.Errorf("Expected app/title to be kept, got %+v", status.Current)
	}

	got := h.writer.all()
	if len(got) != 1 || got[0].Source != "x11" || got[0].EndTs != h.t0+10 {
		t.Errorf("Expected active session closed at crossing, got %+v", got)
	}
}

func TestUnknownIdleAssumesActive(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.Source != "x11" {
		t.Errorf("Expected active segment with unknown idle, got %+v", status.Current)
	}
	if status.Idle.Known {
		t.Error("Expected idle sample to be unknown")
	}
}

func TestDisabledIdle(t *testing.T) {
	h := newHarness(t)
	h.engine = NewEngine(h.writer, h.source, h.idle, nil, Config{DisableIdle: true}, zerolog.Nop())
	h.engine.SetClock(h.clock)

	h.source.set("Editor", "doc.txt", "x11")
	h.idle.set(500)
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.App != "Editor" {
		t.Errorf("Expected idle readings to be ignored, got %+v", status.Current)
	}
	if status.Idle.Backend != "disabled" {
		t.Errorf("Expected disabled idle backend, got %q", status.Idle.Backend)
	}
}

func TestPrivacyExclusionRoundTrip(t *testing.T) {
	h := newHarness(t)
	rule := storage.PrivacyRule{ID: 1, Scope: storage.ScopeTitle, MatchMode: storage.MatchContains, Pattern: "bank", Enabled: true}
	h.filter.Update([]storage.PrivacyRule{rule})

	h.source.set("Browser", "News", "x11")
	h.tick(t)

	h.clock.Advance(4 * time.Second)
	h.source.set("Browser", "My Bank - Login", "x11")
	h.tick(t)

	status := h.engine.Status()
	if status.Current != nil {
		t.Fatalf("Expected no open segment while excluded, got %+v", status.Current)
	}
	if status.PrivacyExclusions != 1 {
		t.Errorf("Expected 1 exclusion, got %d", status.PrivacyExclusions)
	}

	h.clock.Advance(4 * time.Second)
	h.tick(t)

	for _, s := range h.writer.all() {
		if s.Title == "My Bank - Login" {
			t.Fatalf("Excluded content was written: %+v", s)
		}
	}

	rule.Enabled = false
	h.filter.Update([]storage.PrivacyRule{rule})

	h.clock.Advance(4 * time.Second)
	h.tick(t)
	h.clock.Advance(4 * time.Second)
	h.stop(t)

	got := h.writer.all()
	if len(got) != 2 {
		t.Fatalf("Expected 2 sessions, got %+v", got)
	}
	if got[0].Title != "News" || got[0].EndTs != h.t0+4 {
		t.Errorf("Expected News flushed at exclusion, got %+v", got[0])
	}
	if got[1].Title != "My Bank - Login" || got[1].StartTs != h.t0+12 || got[1].EndTs != h.t0+16 {
		t.Errorf("Expected normal session once rule disabled, got %+v", got[1])
	}
}

func TestPrivacyAppliesAfterIdleNormalization(t *testing.T) {
	h := newHarness(t)
	h.filter.Update([]storage.PrivacyRule{
		{ID: 1, Scope: storage.ScopeApp, MatchMode: storage.MatchExact, Pattern: "inactive", Enabled: true},
	})

	h.source.set("Editor", "doc.txt", "x11")
	h.idle.set(120)
	h.tick(t)

	status := h.engine.Status()
	if status.Current != nil || status.PrivacyExclusions != 1 {
		t.Errorf("Expected normalized inactive observation to be excluded, got %+v", status)
	}
}

func TestSleepGapDetection(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	h.clock.Advance(2 * time.Second)
	h.tick(t)

	h.clock.AdvanceSplit(300*time.Second, 5*time.Second)
	h.tick(t)

	got := h.writer.all()
	if len(got) != 2 {
		t.Fatalf("Expected 2 sessions, got %d: %+v", len(got), got)
	}

	want := storage.Session{StartTs: h.t0, EndTs: h.t0 + 2, App: "Editor", Title: "doc.txt", Source: "x11"}
	if got[0] != want {
		t.Errorf("Expected open segment flushed at gap start %+v, got %+v", want, got[0])
	}

	sleep := storage.Session{StartTs: h.t0 + 2, EndTs: h.t0 + 302, App: storage.SleepApp, Source: storage.SourceSleep}
	if got[1] != sleep {
		t.Errorf("Expected sleep session %+v, got %+v", sleep, got[1])
	}

	status := h.engine.Status()
	if status.SleepSegments != 1 {
		t.Errorf("Expected 1 sleep segment, got %d", status.SleepSegments)
	}
	if status.Current == nil || status.Current.StartTs != h.t0+302 {
		t.Errorf("Expected a fresh segment after the gap, got %+v", status.Current)
	}
}

func TestSchedulingJitterIsNotSleep(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	h.clock.AdvanceSplit(2400*time.Millisecond, 2*time.Second)
	h.tick(t)
	h.clock.AdvanceSplit(2*time.Second, 3*time.Second)
	h.tick(t)

	if got := h.writer.all(); len(got) != 0 {
		t.Errorf("Expected no sessions from jitter, got %+v", got)
	}
	if h.engine.Status().SleepSegments != 0 {
		t.Error("Expected no sleep segments")
	}
}

func TestUnidentifiedObservationIgnored(t *testing.T) {
	h := newHarness(t)

	h.source.set("unknown", "", "x11")
	h.tick(t)
	if h.engine.Status().Current != nil {
		t.Fatal("Expected unidentified observation not to open a segment")
	}

	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	h.clock.Advance(2 * time.Second)
	h.source.set("", "  ", "x11")
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.App != "Editor" {
		t.Fatalf("Expected open segment to survive unidentified noise, got %+v", status.Current)
	}
	if got := h.writer.all(); len(got) != 0 {
		t.Errorf("Expected no writes, got %+v", got)
	}
}

func TestUnknownAppWithTitleIsNormalized(t *testing.T) {
	h := newHarness(t)
	h.source.set("Unknown", "Some window", "x11")
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.App != storage.UnattributedApp {
		t.Errorf("Expected sentinel app label, got %+v", status.Current)
	}
}

func TestDetectorFailureFlushes(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	h.clock.Advance(6 * time.Second)
	h.source.clear()
	h.tick(t)

	if h.engine.Status().Current != nil {
		t.Error("Expected no open segment after detector failure")
	}
	got := h.writer.all()
	if len(got) != 1 || got[0].EndTs != h.t0+6 {
		t.Errorf("Expected segment flushed at failure, got %+v", got)
	}

	h.clock.Advance(2 * time.Second)
	h.tick(t)
	if len(h.writer.all()) != 1 {
		t.Error("Expected repeated failures not to write")
	}
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)
	h.clock.Advance(4 * time.Second)

	if err := h.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	if got := h.writer.all(); len(got) != 1 || got[0].EndTs != h.t0+4 {
		t.Fatalf("Expected synchronous flush on pause, got %+v", got)
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(2 * time.Second)
		h.tick(t)
	}
	if h.engine.Status().Current != nil {
		t.Fatal("Expected no segment while paused")
	}

	if err := h.engine.SetPaused(ctx, false); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	if h.engine.Status().Current != nil {
		t.Fatal("Expected resume to start without an open segment")
	}

	h.clock.Advance(2 * time.Second)
	h.tick(t)

	status := h.engine.Status()
	if status.Current == nil || status.Current.StartTs != h.t0+12 {
		t.Errorf("Expected new segment at resume tick, got %+v", status.Current)
	}
	if len(h.writer.all()) != 1 {
		t.Errorf("Expected paused interval to leave a gap")
	}
}

func TestNoSleepSessionWhilePaused(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.SetPaused(context.Background(), true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}

	h.tick(t)
	h.clock.AdvanceSplit(10*time.Minute, time.Second)
	h.tick(t)

	if got := h.writer.all(); len(got) != 0 {
		t.Errorf("Expected nothing written while paused, got %+v", got)
	}
}

func TestFlushFailureKeepsSegment(t *testing.T) {
	h := newHarness(t)
	failure := errors.New("disk full")

	h.source.set("Editor", "a", "x11")
	h.tick(t)

	h.writer.setErr(failure)
	h.clock.Advance(5 * time.Second)
	h.source.set("Editor", "b", "x11")

	err := h.engine.Tick(context.Background())
	if !errors.Is(err, failure) {
		t.Fatalf("Expected storage error, got %v", err)
	}

	status := h.engine.Status()
	if status.Current == nil || status.Current.Title != "a" || status.Current.StartTs != h.t0 {
		t.Fatalf("Expected original segment to be kept, got %+v", status.Current)
	}
	if status.LastError == "" {
		t.Error("Expected last error to be recorded")
	}

	h.writer.setErr(nil)
	h.clock.Advance(3 * time.Second)
	h.tick(t)

	got := h.writer.all()
	if len(got) != 1 || got[0].Title != "a" || got[0].StartTs != h.t0 || got[0].EndTs != h.t0+8 {
		t.Errorf("Expected retry on next boundary with original start, got %+v", got)
	}
}

func TestStopPropagatesFlushError(t *testing.T) {
	h := newHarness(t)
	h.source.set("Editor", "a", "x11")
	h.tick(t)

	failure := errors.New("read-only database")
	h.writer.setErr(failure)
	h.clock.Advance(5 * time.Second)

	if err := h.engine.Stop(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("Expected Stop to return flush error, got %v", err)
	}

	if err := h.engine.Tick(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after Stop, got %v", err)
	}
}

func TestStartStopLoop(t *testing.T) {
	writer := &memWriter{}
	source := &fakeSource{}
	source.set("Editor", "doc.txt", "x11")

	engine := NewEngine(writer, source, nil, nil, Config{Interval: MinInterval}, zerolog.Nop())
	engine.Start()
	engine.Start()

	deadline := time.Now().Add(5 * time.Second)
	for engine.Status().Ticks == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Loop never ticked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := engine.Status()
	if !status.Running {
		t.Error("Expected engine to report running")
	}
	if status.IntervalSeconds != 0.5 {
		t.Errorf("Expected interval 0.5s, got %v", status.IntervalSeconds)
	}

	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if engine.Status().Running {
		t.Error("Expected engine to report stopped")
	}
	if engine.Status().Current != nil {
		t.Error("Expected final flush to clear the open segment")
	}
}

func TestWithPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)
	h.clock.Advance(3 * time.Second)

	err := h.engine.WithPaused(ctx, func(ctx context.Context) error {
		if !h.engine.Paused() {
			t.Error("Expected engine to be paused inside WithPaused")
		}
		if len(h.writer.all()) != 1 {
			t.Error("Expected open segment flushed before fn runs")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPaused failed: %v", err)
	}
	if h.engine.Paused() {
		t.Error("Expected previous (running) state to be restored")
	}

	if err := h.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	fnErr := errors.New("restore failed")
	if err := h.engine.WithPaused(ctx, func(context.Context) error { return fnErr }); !errors.Is(err, fnErr) {
		t.Errorf("Expected fn error, got %v", err)
	}
	if !h.engine.Paused() {
		t.Error("Expected engine to stay paused when it was paused before")
	}
}

func TestWithPausedRefusesResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)
	h.clock.Advance(3 * time.Second)

	err := h.engine.WithPaused(ctx, func(ctx context.Context) error {
		if err := h.engine.SetPaused(ctx, false); !errors.Is(err, ErrBulkInProgress) {
			t.Errorf("Expected ErrBulkInProgress, got %v", err)
		}
		if !h.engine.Paused() {
			t.Error("Expected engine to stay paused during bulk operation")
		}

		h.source.set("Browser", "News", "hyprctl")
		h.clock.Advance(5 * time.Second)
		if err := h.engine.Tick(ctx); err != nil {
			t.Errorf("Tick failed: %v", err)
		}
		if current := h.engine.Status().Current; current != nil {
			t.Errorf("Expected no segment opened during bulk operation, got %+v", current)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPaused failed: %v", err)
	}

	if got := h.writer.all(); len(got) != 1 || got[0].Title != "doc.txt" {
		t.Errorf("Expected only the pre-bulk segment written, got %+v", got)
	}
	if h.engine.Paused() {
		t.Error("Expected tracking resumed after bulk operation")
	}

	// A pause requested during the bulk operation outlives it
	err = h.engine.WithPaused(ctx, func(ctx context.Context) error {
		return h.engine.SetPaused(ctx, true)
	})
	if err != nil {
		t.Fatalf("WithPaused failed: %v", err)
	}
	if !h.engine.Paused() {
		t.Error("Expected pause requested during bulk operation to be kept")
	}
}

func TestWithPausedFlushFailureKeepsSegment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	failure := errors.New("disk full")

	h.source.set("Editor", "a", "x11")
	h.tick(t)
	h.clock.Advance(30 * time.Second)

	h.writer.setErr(failure)
	ran := false
	err := h.engine.WithPaused(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Expected storage error, got %v", err)
	}
	if ran {
		t.Error("Expected fn not to run when the pause flush fails")
	}
	if h.engine.Paused() {
		t.Error("Expected running state restored after failed pause")
	}

	status := h.engine.Status()
	if status.Current == nil || status.Current.Title != "a" || status.Current.StartTs != h.t0 {
		t.Fatalf("Expected open segment kept after failed pause, got %+v", status.Current)
	}

	h.writer.setErr(nil)
	h.clock.Advance(5 * time.Second)
	h.tick(t)
	if err := h.engine.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}

	got := h.writer.all()
	if len(got) != 1 || got[0].StartTs != h.t0 || got[0].EndTs != h.t0+35 {
		t.Errorf("Expected segment flushed with original start, got %+v", got)
	}
}

func TestStalled(t *testing.T) {
	h := newHarness(t)

	if h.engine.Stalled(h.clock.Wall().Add(time.Hour), time.Minute) {
		t.Error("Expected stopped engine never to be stalled")
	}

	h.engine.mu.Lock()
	h.engine.running = true
	h.engine.mu.Unlock()
	if h.engine.Stalled(h.clock.Wall().Add(time.Hour), time.Minute) {
		t.Error("Expected engine without ticks not to be stalled")
	}

	h.source.set("Editor", "doc.txt", "x11")
	h.tick(t)

	if h.engine.Stalled(h.clock.Wall().Add(30*time.Second), time.Minute) {
		t.Error("Expected recent tick to be healthy")
	}
	if !h.engine.Stalled(h.clock.Wall().Add(2*time.Minute), time.Minute) {
		t.Error("Expected stale tick to be stalled")
	}

	h.engine.mu.Lock()
	h.engine.running = false
	h.engine.mu.Unlock()
}
