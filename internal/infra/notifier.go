package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/routine"
)

// Notifier modes accepted by SelectNotifier.
const (
	NotifierAuto    = "auto"
	NotifierDesktop = "desktop"
	NotifierLog     = "log"
)

// ErrNotifierUnavailable is returned when desktop notifications were requested
// but no notification tool exists on this host.
var ErrNotifierUnavailable = errors.New("desktop notifications unavailable")

// DesktopNotifier shows routine notifications through osascript on macOS
// and notify-send on Linux.
type DesktopNotifier struct {
	runner CommandRunner
	env    DetectorEnv
}

// NewDesktopNotifier creates a desktop notification sink.
func NewDesktopNotifier(runner CommandRunner, env DetectorEnv) *DesktopNotifier {
	return &DesktopNotifier{runner: runner, env: env}
}

// Available checks if the platform notification tool is on PATH.
func (n *DesktopNotifier) Available() bool {
	switch n.env.GOOS {
	case "darwin":
		return n.runner.LookPath("osascript")
	case "linux":
		return n.runner.LookPath("notify-send")
	default:
		return false
	}
}

// Fire shows the routine's notification.
func (n *DesktopNotifier) Fire(ctx context.Context, r domain.Routine) error {
	title := routine.DisplayTitle(r)
	if r.Icon != nil && r.Icon.Type == domain.IconPreset && r.Icon.Emoji != "" {
		title = r.Icon.Emoji + " " + title
	}

	switch n.env.GOOS {
	case "darwin":
		return n.runner.Run(ctx, "osascript", "-e", appleScriptNotification(title, r))
	case "linux":
		return n.runner.Run(ctx, "notify-send", notifySendArgs(title, r)...)
	default:
		return fmt.Errorf("%w on %s", ErrNotifierUnavailable, n.env.GOOS)
	}
}

func notifySendArgs(title string, r domain.Routine) []string {
	urgency := "normal"
	if r.HighPriority {
		urgency = "critical"
	}
	args := []string{
		"--app-name=" + routine.DefaultTitle,
		"--urgency=" + urgency,
	}
	if r.TimeoutSeconds > 0 {
		args = append(args, "--expire-time="+strconv.Itoa(r.TimeoutSeconds*1000))
	}
	if r.Icon != nil && r.Icon.Type == domain.IconApp && r.Icon.Package != "" {
		args = append(args, "--icon="+r.Icon.Package)
	}
	return append(args, "--", title, r.Message)
}

// appleScriptNotification builds a display notification statement. macOS has no
// auto-dismiss control; high priority adds the default alert sound.
func appleScriptNotification(title string, r domain.Routine) string {
	script := fmt.Sprintf("display notification %s with title %s",
		appleScriptString(r.Message), appleScriptString(title))
	if r.HighPriority {
		script += ` sound name "default"`
	}
	return script
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// LogSink writes notifications to the log. Used on hosts without a desktop.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-only notification sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Fire logs the notification.
func (s *LogSink) Fire(ctx context.Context, r domain.Routine) error {
	s.logger.Info("notification",
		zap.String("routine", r.ID),
		zap.String("title", routine.DisplayTitle(r)),
		zap.String("message", r.Message),
		zap.Bool("high_priority", r.HighPriority),
		zap.Bool("bubble", r.Bubble),
		zap.Int("timeout_seconds", r.TimeoutSeconds))
	return nil
}

// SelectNotifier builds the sink for a notifier mode.
func SelectNotifier(mode string, runner CommandRunner, env DetectorEnv, logger *zap.Logger) (domain.NotificationSink, error) {
	desktop := NewDesktopNotifier(runner, env)

	switch mode {
	case NotifierLog:
		return NewLogSink(logger), nil
	case NotifierDesktop:
		if !desktop.Available() {
			return nil, ErrNotifierUnavailable
		}
		return desktop, nil
	case NotifierAuto, "":
		if desktop.Available() {
			return desktop, nil
		}
		logger.Warn("desktop notifications unavailable, logging instead", zap.String("os", env.GOOS))
		return NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", mode)
	}
}

// Ensure sinks implement domain.NotificationSink.
var (
	_ domain.NotificationSink = (*DesktopNotifier)(nil)
	_ domain.NotificationSink = (*LogSink)(nil)
)
