package detector

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// CommandFunc runs an external tool and returns its trimmed stdout. A
// non-zero exit status is an error.
type CommandFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)

// LookPathFunc reports where a tool is installed.
type LookPathFunc func(file string) (string, error)

// ProcessNamesFunc returns the lower-cased command names of running processes.
type ProcessNamesFunc func() map[string]struct{}

// ProcessNameFunc resolves a PID to its command name.
type ProcessNameFunc func(pid int) string

// runCommand executes name with a bounded timeout. gdbus calls get the
// session bus environment filled in when it is missing.
func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	if name == "gdbus" {
		cmd.Env = sessionBusEnv(os.Environ(), os.Getuid(), pathExists)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// sessionBusEnv fills XDG_RUNTIME_DIR and DBUS_SESSION_BUS_ADDRESS from the
// conventional /run/user/<uid> layout when they are not set.
func sessionBusEnv(environ []string, uid int, exists func(string) bool) []string {
	lookup := func(key string) (string, bool) {
		prefix := key + "="
		for _, kv := range environ {
			if strings.HasPrefix(kv, prefix) {
				return kv[len(prefix):], true
			}
		}
		return "", false
	}

	env := append([]string(nil), environ...)

	runtimeDir, hasRuntimeDir := lookup("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", uid)
	}
	if !hasRuntimeDir && exists(runtimeDir) {
		env = append(env, "XDG_RUNTIME_DIR="+runtimeDir)
	}

	busPath := runtimeDir + "/bus"
	if addr, _ := lookup("DBUS_SESSION_BUS_ADDRESS"); addr == "" && exists(busPath) {
		env = append(env, "DBUS_SESSION_BUS_ADDRESS=unix:path="+busPath)
	}

	return env
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// processNames lists running process names from /proc.
func processNames() map[string]struct{} {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil
	}

	names := make(map[string]struct{}, len(procs))
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil || comm == "" {
			continue
		}
		names[strings.ToLower(comm)] = struct{}{}
	}
	return names
}

// processName returns the command name of pid, or "" if it is gone.
func processName(pid int) string {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return ""
	}
	comm, err := p.Comm()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(comm)
}
