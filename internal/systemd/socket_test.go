package systemd

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated || listeners.API != nil || listeners.Metrics != nil {
		t.Errorf("Expected no activated listeners, got %+v", listeners)
	}
}

func TestWatchdogPing(t *testing.T) {
	var sent int
	notify := func() error {
		sent++
		return nil
	}

	healthy := true
	w := newWatchdog(time.Second, func(time.Time) bool { return healthy }, notify, zerolog.Nop())

	if !w.ping() {
		t.Fatal("Expected ping while healthy")
	}
	healthy = false
	if w.ping() {
		t.Fatal("Expected no ping while stalled")
	}
	if sent != 1 {
		t.Errorf("Expected 1 notification, got %d", sent)
	}

	w.notify = func() error { return errors.New("socket closed") }
	healthy = true
	if w.ping() {
		t.Error("Expected failed notification to report false")
	}
}

func TestWatchdogStartStop(t *testing.T) {
	var sent atomic.Int32
	w := newWatchdog(10*time.Millisecond, nil, func() error {
		sent.Add(1)
		return nil
	}, zerolog.Nop())

	w.Start()
	deadline := time.Now().Add(2 * time.Second)
	for sent.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	w.Stop()

	if sent.Load() == 0 {
		t.Fatal("Expected watchdog to ping at least once")
	}
}

func TestNewWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	w, err := NewWatchdog(nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatchdog failed: %v", err)
	}
	if w != nil {
		t.Error("Expected nil watchdog when not configured")
	}
}
