// Package detector reports the focused window and user idle time on Linux
// desktops by shelling out to the compositor and X11 tools.
package detector

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/metrics"
	"github.com/rs/zerolog"
)

// Session types
const (
	SessionX11     = "x11"
	SessionWayland = "wayland"
	SessionUnknown = "unknown"
)

// Backend names, also used as observation sources.
const (
	BackendHyprctl     = "hyprctl"
	BackendKWin        = "kwin_dbus"
	BackendX11         = "x11"
	BackendX11Fallback = "x11_fallback"
	BackendNone        = "none"
)

const (
	// DefaultCommandTimeout bounds a single tool invocation
	DefaultCommandTimeout = 1500 * time.Millisecond

	kwinQueryTimeout = 2 * time.Second
	kwinProbeTimeout = 2500 * time.Millisecond
	kwinProbeOKTTL   = 15 * time.Second
	kwinProbeFailTTL = 2 * time.Second
)

var (
	waylandCompositors = []string{"kwin_wayland", "gnome-shell", "hyprland", "sway"}
	kwinProcesses      = []string{"kwin_wayland", "kwin_x11"}

	quotedRe = regexp.MustCompile(`"(.*)"`)
	allQuoRe = regexp.MustCompile(`"([^"]+)"`)
	digitsRe = regexp.MustCompile(`(\d+)`)
)

// Options configures the window detector.
type Options struct {
	EnableKWinDBus bool
	CommandTimeout time.Duration
}

// Capabilities describes which detection backends are usable.
type Capabilities struct {
	Xdotool                bool   `json:"xdotool"`
	Xprop                  bool   `json:"xprop"`
	Hyprctl                bool   `json:"hyprctl"`
	Gdbus                  bool   `json:"gdbus"`
	KWinDBusEnabled        bool   `json:"kwin_dbus_enabled"`
	KWinDBus               bool   `json:"kwin_dbus"`
	SessionType            string `json:"session_type"`
	Wayland                bool   `json:"wayland"`
	CanDetectX11           bool   `json:"can_detect_x11"`
	CanDetectWaylandNative bool   `json:"can_detect_wayland_native"`
	PreferredBackend       string `json:"preferred_backend"`
}

// Detector finds the focused window. It implements activity.ObservationSource.
type Detector struct {
	opts   Options
	logger zerolog.Logger

	run          CommandFunc
	getenv       func(string) string
	processNames ProcessNamesFunc
	processName  ProcessNameFunc
	now          func() time.Time

	hasXdotool bool
	hasXprop   bool
	hasHyprctl bool
	hasGdbus   bool

	probeMu   sync.Mutex
	probeAt   time.Time
	probeOK   bool
	hasProbed bool
}

// New creates a detector using the real system tools.
func New(opts Options, logger zerolog.Logger) *Detector {
	return newDetector(opts, logger, exec.LookPath, runCommand, os.Getenv, processNames, processName)
}

func newDetector(opts Options, logger zerolog.Logger, lookPath LookPathFunc, run CommandFunc, getenv func(string) string, names ProcessNamesFunc, name ProcessNameFunc) *Detector {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}

	d := &Detector{
		opts:         opts,
		logger:       logger.With().Str("component", "detector").Logger(),
		run:          run,
		getenv:       getenv,
		processNames: names,
		processName:  name,
		now:          time.Now,
		hasXdotool:   installed(lookPath, "xdotool"),
		hasXprop:     installed(lookPath, "xprop"),
		hasHyprctl:   installed(lookPath, "hyprctl"),
		hasGdbus:     installed(lookPath, "gdbus"),
	}

	d.logger.Debug().
		Bool("xdotool", d.hasXdotool).
		Bool("xprop", d.hasXprop).
		Bool("hyprctl", d.hasHyprctl).
		Bool("gdbus", d.hasGdbus).
		Bool("kwin_dbus_enabled", opts.EnableKWinDBus).
		Msg("Window detection tools discovered")

	return d
}

func installed(lookPath LookPathFunc, tool string) bool {
	_, err := lookPath(tool)
	return err == nil
}

// SessionType classifies the graphical session.
func (d *Detector) SessionType() string {
	raw := strings.ToLower(strings.TrimSpace(d.getenv("XDG_SESSION_TYPE")))
	if raw == SessionX11 || raw == SessionWayland {
		return raw
	}

	waylandDisplay := strings.TrimSpace(d.getenv("WAYLAND_DISPLAY"))
	xDisplay := strings.TrimSpace(d.getenv("DISPLAY"))
	if waylandDisplay != "" {
		return SessionWayland
	}

	names := d.processNames()
	if anyRunning(names, waylandCompositors...) {
		return SessionWayland
	}
	if xDisplay != "" {
		return SessionX11
	}
	if anyRunning(names, "xorg") {
		return SessionX11
	}
	return SessionUnknown
}

func anyRunning(names map[string]struct{}, candidates ...string) bool {
	for _, c := range candidates {
		if _, ok := names[c]; ok {
			return true
		}
	}
	return false
}

// Capabilities reports the usable backends and the one tried first.
func (d *Detector) Capabilities(ctx context.Context) Capabilities {
	sessionType := d.SessionType()
	canX11 := d.hasXdotool && d.hasXprop
	canKWin := d.opts.EnableKWinDBus && d.canUseKWin(ctx)

	preferred := BackendNone
	switch sessionType {
	case SessionX11:
		if canX11 {
			preferred = BackendX11
		}
	case SessionWayland:
		switch {
		case d.hasHyprctl:
			preferred = BackendHyprctl
		case canKWin:
			preferred = BackendKWin
		case canX11:
			preferred = BackendX11Fallback
		}
	default:
		switch {
		case d.hasHyprctl:
			preferred = BackendHyprctl
		case canKWin:
			preferred = BackendKWin
		case canX11:
			preferred = BackendX11
		}
	}

	return Capabilities{
		Xdotool:                d.hasXdotool,
		Xprop:                  d.hasXprop,
		Hyprctl:                d.hasHyprctl,
		Gdbus:                  d.hasGdbus,
		KWinDBusEnabled:        d.opts.EnableKWinDBus,
		KWinDBus:               canKWin,
		SessionType:            sessionType,
		Wayland:                sessionType == SessionWayland,
		CanDetectX11:           canX11,
		CanDetectWaylandNative: d.hasHyprctl || canKWin,
		PreferredBackend:       preferred,
	}
}

// Detect returns the focused window, or nil when no backend can tell.
func (d *Detector) Detect(ctx context.Context) *activity.Observation {
	start := time.Now()

	var obs *activity.Observation
	switch d.SessionType() {
	case SessionX11:
		obs = d.detectX11First(ctx)
	case SessionWayland:
		obs = d.detectWaylandFirst(ctx)
	default:
		obs = d.detectWaylandFirst(ctx)
		if obs == nil {
			obs = d.detectX11First(ctx)
		}
	}

	backend := BackendNone
	if obs != nil {
		backend = obs.Source
	}
	metrics.DetectorDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	return obs
}

func (d *Detector) detectX11First(ctx context.Context) *activity.Observation {
	if d.hasXdotool && d.hasXprop {
		if obs := d.detectX11(ctx); obs != nil {
			return obs
		}
	}
	if d.hasHyprctl {
		if obs := d.detectHyprland(ctx); obs != nil {
			return obs
		}
	}
	return nil
}

func (d *Detector) detectWaylandFirst(ctx context.Context) *activity.Observation {
	if d.hasHyprctl {
		if obs := d.detectHyprland(ctx); obs != nil {
			return obs
		}
	}
	if d.opts.EnableKWinDBus && d.canUseKWin(ctx) {
		if obs := d.detectKWin(ctx); obs != nil {
			return obs
		}
	}
	// XWayland clients are still visible to the X11 tools.
	if d.hasXdotool && d.hasXprop {
		if obs := d.detectX11(ctx); obs != nil {
			return obs
		}
	}
	return nil
}

func (d *Detector) output(ctx context.Context, timeout time.Duration, name string, args ...string) string {
	out, err := d.run(ctx, timeout, name, args...)
	if err != nil {
		d.logger.Trace().Err(err).Str("tool", name).Msg("Detection command failed")
		return ""
	}
	return out
}

type hyprWindow struct {
	Class        string `json:"class"`
	InitialClass string `json:"initialClass"`
	Title        string `json:"title"`
	Address      string `json:"address"`
	PID          int    `json:"pid"`
}

func (d *Detector) detectHyprland(ctx context.Context) *activity.Observation {
	raw := d.output(ctx, d.opts.CommandTimeout, "hyprctl", "activewindow", "-j")
	if raw == "" {
		return nil
	}

	var win hyprWindow
	if err := json.Unmarshal([]byte(raw), &win); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to parse hyprctl output")
		return nil
	}

	app := strings.TrimSpace(win.Class)
	if app == "" {
		app = strings.TrimSpace(win.InitialClass)
	}

	obs := &activity.Observation{
		App:      app,
		Title:    strings.TrimSpace(win.Title),
		Source:   BackendHyprctl,
		WindowID: win.Address,
	}
	if win.PID > 0 {
		pid := win.PID
		obs.PID = &pid
	}
	return obs
}

func kwinCall(method string) []string {
	return []string{
		"call", "--session",
		"--dest", "org.kde.KWin",
		"--object-path", "/KWin",
		"--method", "org.kde.KWin." + method,
	}
}

func (d *Detector) detectKWin(ctx context.Context) *activity.Observation {
	raw := d.output(ctx, kwinQueryTimeout, "gdbus", kwinCall("queryWindowInfo")...)
	if raw == "" {
		return nil
	}

	app := variantValue(raw, "resourceClass")
	if app == "" {
		app = variantValue(raw, "desktopFile")
	}
	if app == "" {
		app = variantValue(raw, "resourceName")
	}

	return &activity.Observation{
		App:      app,
		Title:    variantValue(raw, "caption"),
		Source:   BackendKWin,
		WindowID: variantValue(raw, "uuid"),
	}
}

// canUseKWin probes the KWin D-Bus interface. Results are cached for
// longer after success than after failure.
func (d *Detector) canUseKWin(ctx context.Context) bool {
	if !d.hasGdbus || !anyRunning(d.processNames(), kwinProcesses...) {
		return false
	}

	d.probeMu.Lock()
	defer d.probeMu.Unlock()

	now := d.now()
	if d.hasProbed {
		ttl := kwinProbeFailTTL
		if d.probeOK {
			ttl = kwinProbeOKTTL
		}
		if now.Sub(d.probeAt) < ttl {
			return d.probeOK
		}
	}

	_, err := d.run(ctx, kwinProbeTimeout, "gdbus", kwinCall("currentDesktop")...)
	d.probeAt, d.probeOK, d.hasProbed = now, err == nil, true

	if err != nil {
		d.logger.Debug().Err(err).Msg("KWin D-Bus probe failed")
	}
	return d.probeOK
}

func (d *Detector) detectX11(ctx context.Context) *activity.Observation {
	windowID := d.output(ctx, d.opts.CommandTimeout, "xdotool", "getactivewindow")
	if windowID == "" {
		return nil
	}

	title := extractQuoted(d.output(ctx, d.opts.CommandTimeout, "xprop", "-id", windowID, "WM_NAME"))
	app := extractLastQuoted(d.output(ctx, d.opts.CommandTimeout, "xprop", "-id", windowID, "WM_CLASS"))
	pid, hasPID := extractInt(d.output(ctx, d.opts.CommandTimeout, "xprop", "-id", windowID, "_NET_WM_PID"))

	if app == "" && hasPID {
		app = d.processName(pid)
	}

	obs := &activity.Observation{
		App:      app,
		Title:    title,
		Source:   BackendX11,
		WindowID: windowID,
	}
	if hasPID {
		obs.PID = &pid
	}
	return obs
}

// extractQuoted reads the value of an xprop line like WM_NAME(STRING) = "Title".
func extractQuoted(text string) string {
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	parts := strings.SplitN(text, "=", 2)
	if len(parts) == 2 {
		return strings.Trim(strings.TrimSpace(parts[1]), `"'`)
	}
	return ""
}

// extractLastQuoted returns the class part of WM_CLASS = "instance", "Class".
func extractLastQuoted(text string) string {
	matches := allQuoRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return strings.TrimSpace(matches[len(matches)-1][1])
}

func extractInt(text string) (int, bool) {
	m := digitsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// variantValue extracts 'key': <'value'> from gdbus a{sv} output.
func variantValue(text, key string) string {
	re, err := regexp.Compile(`'` + regexp.QuoteMeta(key) + `'\s*:\s*<'((?:\\'|[^'])*)'>`)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(m[1], `\'`, "'"))
}
