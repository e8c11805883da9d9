// Package routine builds and describes user routines.
// Each routine maps a set of apps and a trigger condition to a notification.
package routine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// DefaultTitle is shown when a routine has no title of its own.
const DefaultTitle = "CueAside"

// cueNameLength is how many characters of a fresh UUID make up a default cue name.
const cueNameLength = 5

// Draft is unvalidated user input for a new routine.
type Draft struct {
	CueName        string
	Apps           []domain.AppInfo
	Condition      domain.Condition
	Duration       int
	Unit           domain.DurationUnit
	TimeMode       domain.TimeMode
	Title          string
	Message        string
	Icon           *domain.IconInfo
	Bubble         *bool // nil = settings default
	HighPriority   *bool // nil = settings default
	TimeoutSeconds int
}

// Build turns a draft into a validated routine.
// It returns the routine and the settings with LastSeqID advanced.
func Build(d Draft, settings domain.Settings, now time.Time) (domain.Routine, domain.Settings, error) {
	seq := settings.LastSeqID + 1

	r := domain.Routine{
		ID:             uuid.NewString(),
		SeqID:          seq,
		CueName:        strings.TrimSpace(d.CueName),
		Enabled:        true,
		Apps:           dedupeApps(d.Apps),
		Condition:      d.Condition,
		Title:          strings.TrimSpace(d.Title),
		Message:        strings.TrimSpace(d.Message),
		Icon:           d.Icon,
		Bubble:         settings.DefaultBubble,
		HighPriority:   settings.HighPriority,
		TimeoutSeconds: d.TimeoutSeconds,
		CreatedAt:      now,
	}
	if r.CueName == "" {
		r.CueName = uuid.NewString()[:cueNameLength]
	}
	if d.Bubble != nil {
		r.Bubble = *d.Bubble
	}
	if d.HighPriority != nil {
		r.HighPriority = *d.HighPriority
	}

	// Duration fields only mean something for UsedFor routines.
	if d.Condition == domain.ConditionUsedFor {
		r.Duration = d.Duration
		r.Unit = d.Unit
		r.TimeMode = d.TimeMode
	}

	if err := r.Validate(); err != nil {
		return domain.Routine{}, settings, err
	}

	settings.LastSeqID = seq
	return r, settings, nil
}

// dedupeApps drops repeated packages, keeping the first occurrence.
func dedupeApps(apps []domain.AppInfo) []domain.AppInfo {
	seen := make(map[string]bool, len(apps))
	out := make([]domain.AppInfo, 0, len(apps))
	for _, app := range apps {
		app.Package = strings.TrimSpace(app.Package)
		if seen[app.Package] {
			continue
		}
		seen[app.Package] = true
		if app.Name == "" {
			app.Name = app.Package
		}
		out = append(out, app)
	}
	return out
}

// Threshold converts a UsedFor routine's duration to a time.Duration.
// Returns 0 for unknown units and saturates at domain.MaxThreshold.
func Threshold(r domain.Routine) time.Duration {
	size := r.Unit.Size()
	if size == 0 || r.Duration <= 0 {
		return 0
	}
	if int64(r.Duration) > int64(domain.MaxThreshold/size) {
		return domain.MaxThreshold
	}
	return time.Duration(r.Duration) * size
}

// Describe returns a short human label for the routine's trigger.
func Describe(r domain.Routine) string {
	switch r.Condition {
	case domain.ConditionLaunched:
		return "On launch"
	case domain.ConditionExiting:
		return "On exit"
	case domain.ConditionUsedFor:
		mode := "session"
		if r.TimeMode == domain.TimeModeTotal {
			mode = "today"
		}
		return fmt.Sprintf("After %d%s (%s)", r.Duration, r.Unit, mode)
	default:
		return string(r.Condition)
	}
}

// DisplayTitle returns the notification title: "[cue] title", falling back to DefaultTitle.
func DisplayTitle(r domain.Routine) string {
	title := r.Title
	if title == "" {
		title = DefaultTitle
	}
	if r.CueName != "" {
		title = fmt.Sprintf("[%s] %s", r.CueName, title)
	}
	return title
}

// ParseCondition accepts the stored names plus a few aliases.
func ParseCondition(s string) (domain.Condition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "launched", "launch", "open":
		return domain.ConditionLaunched, nil
	case "exiting", "exit", "close":
		return domain.ConditionExiting, nil
	case "used", "usedfor", "used-for":
		return domain.ConditionUsedFor, nil
	}
	return "", fmt.Errorf("%w: unknown condition %q", domain.ErrInvalidRoutine, s)
}

// ParseUnit accepts s/m/h and their long forms.
func ParseUnit(s string) (domain.DurationUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "secs", "second", "seconds":
		return domain.UnitSeconds, nil
	case "m", "min", "mins", "minute", "minutes":
		return domain.UnitMinutes, nil
	case "h", "hr", "hrs", "hour", "hours":
		return domain.UnitHours, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", domain.ErrInvalidRoutine, s)
}

// ParseTimeMode accepts session and total (alias: today).
func ParseTimeMode(s string) (domain.TimeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "session":
		return domain.TimeModeSession, nil
	case "total", "today", "total24h":
		return domain.TimeModeTotal, nil
	}
	return "", fmt.Errorf("%w: unknown time mode %q", domain.ErrInvalidRoutine, s)
}
