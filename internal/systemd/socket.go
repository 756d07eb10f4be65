package systemd

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Listeners holds the systemd-activated listeners
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves systemd socket-activated file descriptors.
// Returns nil listeners if not running under socket activation.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	fds := activation.Files(false) // false = don't unset env vars
	if len(fds) == 0 {
		return listeners, nil
	}

	listeners.Activated = true

	// Names come from FileDescriptorName= in ktrack.socket (systemd 227+).
	listenersMap, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := listenersMap["api"]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := listenersMap["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady sends READY=1 notification to systemd
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping sends STOPPING=1 notification to systemd
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// NotifyReloading sends RELOADING=1 notification to systemd
func NotifyReloading() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReloading); err != nil {
		return fmt.Errorf("failed to send sd_notify reloading: %w", err)
	}
	return nil
}

// NotifyWatchdog sends WATCHDOG=1 notification to systemd
func NotifyWatchdog() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
		return fmt.Errorf("failed to send sd_notify watchdog: %w", err)
	}
	return nil
}

// HealthFunc reports whether the service is making progress.
type HealthFunc func(now time.Time) bool

// Watchdog pings the systemd watchdog while health reports true. A stalled
// tracker stops the pings so systemd restarts the unit.
type Watchdog struct {
	interval time.Duration
	healthy  HealthFunc
	notify   func() error
	now      func() time.Time
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewWatchdog returns a watchdog when WatchdogSec= is configured for the
// unit, and nil otherwise.
func NewWatchdog(healthy HealthFunc, logger zerolog.Logger) (*Watchdog, error) {
	timeout, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if timeout == 0 {
		return nil, nil
	}
	return newWatchdog(timeout/2, healthy, NotifyWatchdog, logger), nil
}

func newWatchdog(interval time.Duration, healthy HealthFunc, notify func() error, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		interval: interval,
		healthy:  healthy,
		notify:   notify,
		now:      time.Now,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Start begins pinging in the background.
func (w *Watchdog) Start() {
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})
	w.logger.Info().Dur("interval", w.interval).Msg("Starting systemd watchdog")

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.ping()
			case <-w.stopChan:
				return
			}
		}
	}()
}

// Stop halts pinging and waits for the loop to exit.
func (w *Watchdog) Stop() {
	if w.stopChan == nil {
		return
	}
	close(w.stopChan)
	<-w.done
	w.stopChan = nil
}

func (w *Watchdog) ping() bool {
	if w.healthy != nil && !w.healthy(w.now()) {
		w.logger.Warn().Msg("Tracker is stalled, withholding watchdog ping")
		return false
	}
	if err := w.notify(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to ping watchdog")
		return false
	}
	return true
}
