package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	calls   []string
}

func newFakeRunner(outputs map[string]string) *fakeRunner {
	return &fakeRunner{outputs: outputs}
}

func (f *fakeRunner) run(_ context.Context, _ time.Duration, name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	out, ok := f.outputs[cmd]
	if !ok {
		return "", errors.New("exit status 1")
	}
	return out, nil
}

func (f *fakeRunner) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func lookPathFor(tools ...string) LookPathFunc {
	return func(file string) (string, error) {
		for _, t := range tools {
			if t == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func envFor(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func namesFor(names ...string) ProcessNamesFunc {
	return func() map[string]struct{} {
		m := make(map[string]struct{}, len(names))
		for _, n := range names {
			m[n] = struct{}{}
		}
		return m
	}
}

func noProcessName(int) string { return "" }

const (
	kwinQueryCmd = "gdbus call --session --dest org.kde.KWin --object-path /KWin --method org.kde.KWin.queryWindowInfo"
	kwinProbeCmd = "gdbus call --session --dest org.kde.KWin --object-path /KWin --method org.kde.KWin.currentDesktop"
)

func TestSessionType(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		procs []string
		want  string
	}{
		{"explicit x11", map[string]string{"XDG_SESSION_TYPE": "X11"}, nil, SessionX11},
		{"explicit wayland", map[string]string{"XDG_SESSION_TYPE": "wayland"}, nil, SessionWayland},
		{"wayland display", map[string]string{"XDG_SESSION_TYPE": "tty", "WAYLAND_DISPLAY": "wayland-0"}, nil, SessionWayland},
		{"compositor process", map[string]string{"DISPLAY": ":0"}, []string{"sway"}, SessionWayland},
		{"display only", map[string]string{"DISPLAY": ":0"}, nil, SessionX11},
		{"xorg process", nil, []string{"xorg"}, SessionX11},
		{"nothing", nil, nil, SessionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(Options{}, zerolog.Nop(), lookPathFor(), newFakeRunner(nil).run, envFor(tt.env), namesFor(tt.procs...), noProcessName)
			if got := d.SessionType(); got != tt.want {
				t.Errorf("SessionType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectHyprland(t *testing.T) {
	runner := newFakeRunner(map[string]string{
		"hyprctl activewindow -j": `{"address":"0x55d1","class":"","initialClass":"firefox","title":"  Docs - Mozilla Firefox ","pid":4242}`,
	})
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("hyprctl"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "wayland"}), namesFor(), noProcessName)

	obs := d.Detect(context.Background())
	if obs == nil {
		t.Fatal("Expected an observation")
	}
	if obs.App != "firefox" || obs.Title != "Docs - Mozilla Firefox" || obs.Source != BackendHyprctl {
		t.Errorf("Unexpected observation: %+v", obs)
	}
	if obs.PID == nil || *obs.PID != 4242 {
		t.Errorf("Expected pid 4242, got %v", obs.PID)
	}
	if obs.WindowID != "0x55d1" {
		t.Errorf("Expected window id, got %q", obs.WindowID)
	}
}

func TestDetectHyprlandInvalidJSON(t *testing.T) {
	runner := newFakeRunner(map[string]string{"hyprctl activewindow -j": "not json"})
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("hyprctl"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "wayland"}), namesFor(), noProcessName)

	if obs := d.Detect(context.Background()); obs != nil {
		t.Errorf("Expected nil observation, got %+v", obs)
	}
}

func TestDetectX11(t *testing.T) {
	runner := newFakeRunner(map[string]string{
		"xdotool getactivewindow":        "81788935",
		"xprop -id 81788935 WM_NAME":     `WM_NAME(STRING) = "main.go - Code"`,
		"xprop -id 81788935 WM_CLASS":    `WM_CLASS(STRING) = "code", "Code"`,
		"xprop -id 81788935 _NET_WM_PID": "_NET_WM_PID(CARDINAL) = 1234",
	})
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("xdotool", "xprop"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "x11"}), namesFor(), noProcessName)

	obs := d.Detect(context.Background())
	if obs == nil {
		t.Fatal("Expected an observation")
	}
	if obs.App != "Code" || obs.Title != "main.go - Code" || obs.Source != BackendX11 {
		t.Errorf("Unexpected observation: %+v", obs)
	}
	if obs.PID == nil || *obs.PID != 1234 {
		t.Errorf("Expected pid 1234, got %v", obs.PID)
	}
}

func TestDetectX11FallsBackToProcessName(t *testing.T) {
	runner := newFakeRunner(map[string]string{
		"xdotool getactivewindow":  "42",
		"xprop -id 42 WM_NAME":     `WM_NAME(STRING) = "Terminal"`,
		"xprop -id 42 _NET_WM_PID": "_NET_WM_PID(CARDINAL) = 777",
	})
	name := func(pid int) string {
		if pid == 777 {
			return "alacritty"
		}
		return ""
	}
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("xdotool", "xprop"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "x11"}), namesFor(), name)

	obs := d.Detect(context.Background())
	if obs == nil || obs.App != "alacritty" {
		t.Errorf("Expected app from /proc comm, got %+v", obs)
	}
}

func TestDetectWaylandFallsBackToXWayland(t *testing.T) {
	runner := newFakeRunner(map[string]string{
		"xdotool getactivewindow": "7",
		"xprop -id 7 WM_NAME":     `WM_NAME(UTF8_STRING) = "Game"`,
		"xprop -id 7 WM_CLASS":    `WM_CLASS(STRING) = "steam_app", "steam_app_1"`,
	})
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("hyprctl", "xdotool", "xprop"), runner.run,
		envFor(map[string]string{"WAYLAND_DISPLAY": "wayland-1"}), namesFor(), noProcessName)

	obs := d.Detect(context.Background())
	if obs == nil || obs.App != "steam_app_1" || obs.Source != BackendX11 {
		t.Errorf("Expected XWayland observation, got %+v", obs)
	}
	if runner.count("hyprctl") != 1 {
		t.Error("Expected hyprctl to be tried first")
	}
}

func TestDetectKWin(t *testing.T) {
	runner := newFakeRunner(map[string]string{
		kwinProbeCmd: "(<1>,)",
		kwinQueryCmd: `({'caption': <'Inbox \'work\' - Mail'>, 'resourceClass': <''>, 'desktopFile': <'org.kde.kmail2'>, 'uuid': <'{abc}'>},)`,
	})
	d := newDetector(Options{EnableKWinDBus: true}, zerolog.Nop(), lookPathFor("gdbus"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "wayland"}), namesFor("kwin_wayland"), noProcessName)

	obs := d.Detect(context.Background())
	if obs == nil {
		t.Fatal("Expected an observation")
	}
	if obs.App != "org.kde.kmail2" || obs.Title != "Inbox 'work' - Mail" || obs.Source != BackendKWin {
		t.Errorf("Unexpected observation: %+v", obs)
	}
}

func TestKWinDisabledByDefault(t *testing.T) {
	runner := newFakeRunner(map[string]string{kwinProbeCmd: "(<1>,)", kwinQueryCmd: "({'caption': <'x'>},)"})
	d := newDetector(Options{}, zerolog.Nop(), lookPathFor("gdbus"), runner.run,
		envFor(map[string]string{"XDG_SESSION_TYPE": "wayland"}), namesFor("kwin_wayland"), noProcessName)

	if obs := d.Detect(context.Background()); obs != nil {
		t.Errorf("Expected no observation, got %+v", obs)
	}
	if runner.count("gdbus") != 0 {
		t.Error("Expected KWin not to be queried")
	}
}

func TestKWinProbeCache(t *testing.T) {
	runner := newFakeRunner(nil)
	d := newDetector(Options{EnableKWinDBus: true}, zerolog.Nop(), lookPathFor("gdbus"), runner.run,
		envFor(nil), namesFor("kwin_x11"), noProcessName)

	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if d.canUseKWin(ctx) {
		t.Fatal("Expected failing probe")
	}
	now = now.Add(time.Second)
	d.canUseKWin(ctx)
	if got := runner.count(kwinProbeCmd); got != 1 {
		t.Fatalf("Expected failed probe cached, got %d probes", got)
	}

	runner.mu.Lock()
	runner.outputs = map[string]string{kwinProbeCmd: "(<1>,)"}
	runner.mu.Unlock()

	now = now.Add(2 * time.Second)
	if !d.canUseKWin(ctx) {
		t.Fatal("Expected probe retried after failure TTL")
	}
	now = now.Add(10 * time.Second)
	d.canUseKWin(ctx)
	if got := runner.count(kwinProbeCmd); got != 2 {
		t.Errorf("Expected successful probe cached, got %d probes", got)
	}

	now = now.Add(6 * time.Second)
	d.canUseKWin(ctx)
	if got := runner.count(kwinProbeCmd); got != 3 {
		t.Errorf("Expected probe after success TTL, got %d probes", got)
	}
}

func TestKWinRequiresRunningCompositor(t *testing.T) {
	runner := newFakeRunner(map[string]string{kwinProbeCmd: "(<1>,)"})
	d := newDetector(Options{EnableKWinDBus: true}, zerolog.Nop(), lookPathFor("gdbus"), runner.run,
		envFor(nil), namesFor("sway"), noProcessName)

	if d.canUseKWin(context.Background()) {
		t.Error("Expected KWin unusable without kwin process")
	}
	if runner.count("gdbus") != 0 {
		t.Error("Expected no probe without kwin process")
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name      string
		tools     []string
		env       map[string]string
		preferred string
	}{
		{"x11 with tools", []string{"xdotool", "xprop"}, map[string]string{"XDG_SESSION_TYPE": "x11"}, BackendX11},
		{"x11 without xprop", []string{"xdotool", "hyprctl"}, map[string]string{"XDG_SESSION_TYPE": "x11"}, BackendNone},
		{"wayland hyprctl", []string{"hyprctl", "xdotool", "xprop"}, map[string]string{"XDG_SESSION_TYPE": "wayland"}, BackendHyprctl},
		{"wayland xwayland", []string{"xdotool", "xprop"}, map[string]string{"XDG_SESSION_TYPE": "wayland"}, BackendX11Fallback},
		{"unknown x11", []string{"xdotool", "xprop"}, nil, BackendX11},
		{"none", nil, nil, BackendNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetector(Options{}, zerolog.Nop(), lookPathFor(tt.tools...), newFakeRunner(nil).run, envFor(tt.env), namesFor(), noProcessName)
			caps := d.Capabilities(context.Background())
			if caps.PreferredBackend != tt.preferred {
				t.Errorf("PreferredBackend = %q, want %q", caps.PreferredBackend, tt.preferred)
			}
		})
	}
}

func TestExtractHelpers(t *testing.T) {
	if got := extractQuoted(`WM_NAME(STRING) = "a "quoted" title"`); got != `a "quoted" title` {
		t.Errorf("extractQuoted greedy = %q", got)
	}
	if got := extractQuoted(`WM_NAME(STRING) = plain`); got != "plain" {
		t.Errorf("extractQuoted unquoted = %q", got)
	}
	if got := extractQuoted("WM_NAME:  not found."); got != "" {
		t.Errorf("extractQuoted missing = %q", got)
	}
	if got := extractLastQuoted(`WM_CLASS(STRING) = "navigator", "Firefox"`); got != "Firefox" {
		t.Errorf("extractLastQuoted = %q", got)
	}
	if _, ok := extractInt("_NET_WM_PID:  not found."); ok {
		t.Error("Expected no pid")
	}
}

func TestSessionBusEnv(t *testing.T) {
	exists := func(path string) bool {
		return path == "/run/user/1000" || path == "/run/user/1000/bus"
	}

	env := sessionBusEnv([]string{"HOME=/home/u"}, 1000, exists)
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "XDG_RUNTIME_DIR=/run/user/1000") {
		t.Errorf("Expected runtime dir to be filled, got %v", env)
	}
	if !strings.Contains(joined, "DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus") {
		t.Errorf("Expected bus address to be filled, got %v", env)
	}

	preset := []string{"XDG_RUNTIME_DIR=/run/user/1000", "DBUS_SESSION_BUS_ADDRESS=unix:abstract=x"}
	if got := sessionBusEnv(preset, 1000, exists); len(got) != len(preset) {
		t.Errorf("Expected existing values to be kept, got %v", got)
	}
}
