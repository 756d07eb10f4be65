package detector

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/rs/zerolog"
)

// Idle backend names
const (
	IdleXprintidle  = "xprintidle"
	IdleXssstate    = "xssstate"
	IdleScreenSaver = "screensaver_dbus"
	IdleDisabled    = "disabled"
)

const (
	idleToolTimeout    = 800 * time.Millisecond
	screenSaverTimeout = 1400 * time.Millisecond
)

// IdleCapabilities describes the idle backends and the last reading.
type IdleCapabilities struct {
	Enabled          bool      `json:"enabled"`
	Available        bool      `json:"available"`
	Backends         []string  `json:"backends"`
	PreferredBackend string    `json:"preferred_backend"`
	LastBackend      string    `json:"last_backend"`
	LastIdleSeconds  *int      `json:"last_idle_seconds"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
}

// IdleDetector reads the user idle time. It implements activity.IdleSource.
type IdleDetector struct {
	enabled bool
	logger  zerolog.Logger
	run     CommandFunc
	now     func() time.Time

	hasXprintidle bool
	hasXssstate   bool
	hasGdbus      bool

	mu   sync.Mutex
	last activity.IdleSample
}

// NewIdle creates an idle detector using the real system tools.
func NewIdle(enabled bool, logger zerolog.Logger) *IdleDetector {
	return newIdleDetector(enabled, logger, exec.LookPath, runCommand)
}

func newIdleDetector(enabled bool, logger zerolog.Logger, lookPath LookPathFunc, run CommandFunc) *IdleDetector {
	return &IdleDetector{
		enabled:       enabled,
		logger:        logger.With().Str("component", "idle-detector").Logger(),
		run:           run,
		now:           time.Now,
		hasXprintidle: installed(lookPath, "xprintidle"),
		hasXssstate:   installed(lookPath, "xssstate"),
		hasGdbus:      installed(lookPath, "gdbus"),
		last:          activity.IdleSample{Backend: BackendNone},
	}
}

// Idle returns the current idle reading, trying each backend in turn.
func (d *IdleDetector) Idle(ctx context.Context) activity.IdleSample {
	if !d.enabled {
		return d.store(0, IdleDisabled, false)
	}

	if d.hasXprintidle {
		if v, ok := d.parse(ctx, idleToolTimeout, "xprintidle"); ok {
			return d.store(v, IdleXprintidle, true)
		}
	}
	if d.hasXssstate {
		if v, ok := d.parse(ctx, idleToolTimeout, "xssstate", "-i"); ok {
			return d.store(v, IdleXssstate, true)
		}
	}
	if d.hasGdbus {
		if v, ok := d.parse(ctx, screenSaverTimeout, "gdbus",
			"call", "--session",
			"--dest", "org.freedesktop.ScreenSaver",
			"--object-path", "/org/freedesktop/ScreenSaver",
			"--method", "org.freedesktop.ScreenSaver.GetSessionIdleTime",
		); ok {
			return d.store(v, IdleScreenSaver, true)
		}
	}

	return d.store(0, BackendNone, false)
}

func (d *IdleDetector) parse(ctx context.Context, timeout time.Duration, name string, args ...string) (int, bool) {
	raw, err := d.run(ctx, timeout, name, args...)
	if err != nil {
		d.logger.Trace().Err(err).Str("tool", name).Msg("Idle command failed")
		return 0, false
	}

	// gdbus prints "(uint32 1234,)" so the reading is the last number.
	matches := digitsRe.FindAllString(raw, -1)
	if len(matches) == 0 {
		return 0, false
	}
	value, err := strconv.Atoi(matches[len(matches)-1])
	if err != nil {
		return 0, false
	}
	return NormalizeIdle(value), true
}

// NormalizeIdle converts a raw reading to seconds. Values of 1000 or more
// are taken to be milliseconds.
func NormalizeIdle(raw int) int {
	if raw < 0 {
		return 0
	}
	if raw >= 1000 {
		return raw / 1000
	}
	return raw
}

func (d *IdleDetector) store(seconds int, backend string, known bool) activity.IdleSample {
	sample := activity.IdleSample{
		Seconds:   seconds,
		Known:     known,
		Backend:   backend,
		CheckedAt: d.now(),
	}

	d.mu.Lock()
	d.last = sample
	d.mu.Unlock()

	return sample
}

// Last returns the most recent reading.
func (d *IdleDetector) Last() activity.IdleSample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Capabilities reports the installed idle backends.
func (d *IdleDetector) Capabilities() IdleCapabilities {
	backends := []string{}
	if d.hasXprintidle {
		backends = append(backends, IdleXprintidle)
	}
	if d.hasXssstate {
		backends = append(backends, IdleXssstate)
	}
	if d.hasGdbus {
		backends = append(backends, IdleScreenSaver)
	}

	preferred := BackendNone
	if len(backends) > 0 {
		preferred = backends[0]
	}

	last := d.Last()
	caps := IdleCapabilities{
		Enabled:          d.enabled,
		Available:        d.enabled && len(backends) > 0,
		Backends:         backends,
		PreferredBackend: preferred,
		LastBackend:      last.Backend,
		LastCheckedAt:    last.CheckedAt,
	}
	if last.Known {
		seconds := last.Seconds
		caps.LastIdleSeconds = &seconds
	}
	return caps
}
