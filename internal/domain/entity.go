// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidRoutine is returned when routine data fails validation.
	ErrInvalidRoutine = errors.New("invalid routine")

	// ErrRoutineNotFound is returned when a routine id is unknown to the store.
	ErrRoutineNotFound = errors.New("routine not found")
)

// Condition is the trigger that makes a routine fire.
type Condition string

const (
	ConditionLaunched Condition = "launched"
	ConditionExiting  Condition = "exiting"
	ConditionUsedFor  Condition = "used"
)

// DurationUnit is the unit of a UsedFor threshold.
type DurationUnit string

const (
	UnitSeconds DurationUnit = "s"
	UnitMinutes DurationUnit = "m"
	UnitHours   DurationUnit = "h"
)

// MaxThreshold bounds a UsedFor threshold so it always fits in a time.Duration.
const MaxThreshold = 365 * 24 * time.Hour

// Size returns one unit as a time.Duration, or 0 for unknown units.
func (u DurationUnit) Size() time.Duration {
	switch u {
	case UnitSeconds:
		return time.Second
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	default:
		return 0
	}
}

// TimeMode selects how foreground time is measured for UsedFor routines.
type TimeMode string

const (
	// TimeModeSession counts continuous foreground time since the app was brought forward.
	TimeModeSession TimeMode = "session"
	// TimeModeTotal counts cumulative foreground time since local midnight.
	TimeModeTotal TimeMode = "total"
)

// IconType identifies where a notification icon comes from.
type IconType string

const (
	IconApp    IconType = "app"
	IconPreset IconType = "preset"
	IconLib    IconType = "lib"
)

// AppInfo is one target application of a routine.
type AppInfo struct {
	Name    string `json:"name"`
	Package string `json:"pkg"`
	Icon    string `json:"icon,omitempty"` // base64 or emoji
}

// IconInfo references the icon shown with a notification.
type IconInfo struct {
	Type    IconType `json:"type"`
	Package string   `json:"pkg,omitempty"`
	Emoji   string   `json:"e,omitempty"`
	Source  string   `json:"src,omitempty"`
}

// Routine is a user-defined rule: an app set plus a trigger condition mapped to a
// notification payload. Routines are never mutated by the tracker.
type Routine struct {
	ID        string
	SeqID     int
	CueName   string
	Enabled   bool
	Apps      []AppInfo
	Condition Condition

	// UsedFor only
	Duration int
	Unit     DurationUnit
	TimeMode TimeMode

	Title          string
	Message        string
	Icon           *IconInfo
	Bubble         bool
	HighPriority   bool
	TimeoutSeconds int // auto-dismiss after N seconds, 0 = never

	CreatedAt time.Time
}

// Targets reports whether pkg is one of the routine's apps.
func (r Routine) Targets(pkg string) bool {
	if pkg == "" {
		return false
	}
	for _, app := range r.Apps {
		if app.Package == pkg {
			return true
		}
	}
	return false
}

// Validate checks the routine invariants. The returned error wraps ErrInvalidRoutine.
func (r Routine) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRoutine)
	}
	if len(r.Apps) == 0 {
		return fmt.Errorf("%w: %s has no target apps", ErrInvalidRoutine, r.ID)
	}
	for _, app := range r.Apps {
		if strings.TrimSpace(app.Package) == "" {
			return fmt.Errorf("%w: %s has an app without package", ErrInvalidRoutine, r.ID)
		}
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: %s has an empty message", ErrInvalidRoutine, r.ID)
	}
	if r.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: %s has a negative timeout", ErrInvalidRoutine, r.ID)
	}

	switch r.Condition {
	case ConditionLaunched, ConditionExiting:
		return nil
	case ConditionUsedFor:
	default:
		return fmt.Errorf("%w: %s has unknown condition %q", ErrInvalidRoutine, r.ID, r.Condition)
	}

	if r.Duration <= 0 {
		return fmt.Errorf("%w: %s duration must be positive", ErrInvalidRoutine, r.ID)
	}
	size := r.Unit.Size()
	if size == 0 {
		return fmt.Errorf("%w: %s has unknown unit %q", ErrInvalidRoutine, r.ID, r.Unit)
	}
	if int64(r.Duration) > int64(MaxThreshold/size) {
		return fmt.Errorf("%w: %s duration exceeds %s", ErrInvalidRoutine, r.ID, MaxThreshold)
	}
	switch r.TimeMode {
	case TimeModeSession, TimeModeTotal:
	default:
		return fmt.Errorf("%w: %s has unknown time mode %q", ErrInvalidRoutine, r.ID, r.TimeMode)
	}
	return nil
}

// Settings holds user defaults applied when creating routines.
type Settings struct {
	DefaultBubble bool `json:"defaultBubble"`
	HighPriority  bool `json:"highPriority"`
	LastSeqID     int  `json:"lastSeqId"`
}

// DefaultSettings returns the settings used before the user saved any.
func DefaultSettings() Settings {
	return Settings{HighPriority: true}
}

// EvaluationResult captures what happened during a single foreground change.
type EvaluationResult struct {
	Previous    string
	Foreground  string
	Fired       []string // routine ids notified immediately
	Scheduled   []string // routine ids with a pending timer or re-check
	Skipped     []string // routine ids skipped as malformed
	Errors      []error
	EvaluatedAt time.Time
	DurationMs  int64
}

// TrackerState is a diagnostic snapshot of the tracker.
type TrackerState struct {
	Foreground   string
	SessionStart time.Time
	LastEventAt  time.Time
	Pending      []string
}

// DaemonStatus is persisted by the running daemon for the status command.
type DaemonStatus struct {
	Version       int      `json:"version"`
	PID           int      `json:"pid"`
	StartedAt     int64    `json:"started_at"`
	LastHeartbeat int64    `json:"last_heartbeat"`
	LastEventAt   int64    `json:"last_event_at"`
	Foreground    string   `json:"foreground,omitempty"`
	Pending       []string `json:"pending,omitempty"`
	AppVersion    string   `json:"app_version,omitempty"`
}

// ForegroundInterval is a span during which one app held the foreground.
type ForegroundInterval struct {
	App   string
	Start time.Time
	End   time.Time
}

// AppUsage is total foreground time of one app over a period.
type AppUsage struct {
	App      string
	Duration time.Duration
}
