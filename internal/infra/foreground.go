package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// ErrNoDetector is returned when no foreground detection backend works here.
var ErrNoDetector = errors.New("no foreground detector available")

const frontmostScript = `tell application "System Events" to get bundle identifier of first application process whose frontmost is true`

// DetectorEnv describes the host for backend availability checks.
type DetectorEnv struct {
	GOOS   string
	Getenv func(string) string
}

// HostDetectorEnv returns the environment of the running process.
func HostDetectorEnv() DetectorEnv {
	return DetectorEnv{GOOS: runtime.GOOS, Getenv: os.Getenv}
}

// OSAScriptDetector reads the frontmost application's bundle id on macOS.
type OSAScriptDetector struct {
	runner CommandRunner
	env    DetectorEnv
}

// Name identifies the detection backend.
func (d *OSAScriptDetector) Name() string { return "osascript" }

// Available returns true on macOS with osascript on PATH.
func (d *OSAScriptDetector) Available() bool {
	return d.env.GOOS == "darwin" && d.runner.LookPath("osascript")
}

// Detect returns the bundle id of the frontmost application.
func (d *OSAScriptDetector) Detect(ctx context.Context) (string, error) {
	out, err := d.runner.Output(ctx, "osascript", "-e", frontmostScript)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "missing value" {
		return "", nil
	}
	return id, nil
}

// HyprlandDetector reads the active window class from hyprctl.
type HyprlandDetector struct {
	runner CommandRunner
	env    DetectorEnv
}

type hyprlandWindow struct {
	Class string `json:"class"`
	PID   int    `json:"pid"`
}

// Name identifies the detection backend.
func (d *HyprlandDetector) Name() string { return "hyprland" }

// Available returns true inside a Hyprland session.
func (d *HyprlandDetector) Available() bool {
	return d.env.GOOS == "linux" &&
		d.env.Getenv("HYPRLAND_INSTANCE_SIGNATURE") != "" &&
		d.runner.LookPath("hyprctl")
}

// Detect returns the active window class, or "" when no window has focus.
func (d *HyprlandDetector) Detect(ctx context.Context) (string, error) {
	out, err := d.runner.Output(ctx, "hyprctl", "activewindow", "-j")
	if err != nil {
		return "", err
	}
	var window hyprlandWindow
	if err := json.Unmarshal(out, &window); err != nil {
		return "", fmt.Errorf("failed to parse hyprctl output: %w", err)
	}
	return window.Class, nil
}

// XdotoolDetector resolves the active X11 window to its process name.
type XdotoolDetector struct {
	runner CommandRunner
	pm     domain.ProcessManager
	env    DetectorEnv
}

// Name identifies the detection backend.
func (d *XdotoolDetector) Name() string { return "xdotool" }

// Available returns true with an X display and xdotool on PATH.
func (d *XdotoolDetector) Available() bool {
	return d.env.GOOS == "linux" &&
		d.env.Getenv("DISPLAY") != "" &&
		d.runner.LookPath("xdotool")
}

// Detect returns the process name owning the active window.
func (d *XdotoolDetector) Detect(ctx context.Context) (string, error) {
	out, err := d.runner.Output(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		return "", err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return "", fmt.Errorf("failed to parse window pid %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d.pm.NameOf(pid)
}

// NewForegroundDetectors returns every backend in preference order.
func NewForegroundDetectors(runner CommandRunner, pm domain.ProcessManager, env DetectorEnv) []domain.ForegroundDetector {
	return []domain.ForegroundDetector{
		&OSAScriptDetector{runner: runner, env: env},
		&HyprlandDetector{runner: runner, env: env},
		&XdotoolDetector{runner: runner, pm: pm, env: env},
	}
}

// SelectForegroundDetector returns the first available backend.
func SelectForegroundDetector(detectors []domain.ForegroundDetector) (domain.ForegroundDetector, error) {
	for _, d := range detectors {
		if d.Available() {
			return d, nil
		}
	}
	return nil, ErrNoDetector
}

// Ensure detectors implement domain.ForegroundDetector.
var (
	_ domain.ForegroundDetector = (*OSAScriptDetector)(nil)
	_ domain.ForegroundDetector = (*HyprlandDetector)(nil)
	_ domain.ForegroundDetector = (*XdotoolDetector)(nil)
)
