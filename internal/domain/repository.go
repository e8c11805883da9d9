package domain

import (
	"context"
	"time"
)

// RuleStore is the tracker's read-only view of routines.
// It reflects the latest persisted set at call time.
type RuleStore interface {
	// EnabledRoutines returns enabled routines in insertion order.
	EnabledRoutines(ctx context.Context) ([]Routine, error)
}

// RoutineRepository is the full CRUD surface used by the CLI.
type RoutineRepository interface {
	RuleStore

	// List returns all routines in insertion order.
	List(ctx context.Context) ([]Routine, error)

	// Get returns a routine by ID, or ErrRoutineNotFound.
	Get(ctx context.Context, id string) (*Routine, error)

	// Add appends a routine.
	Add(ctx context.Context, r Routine) error

	// Delete removes a routine by ID.
	Delete(ctx context.Context, id string) error

	// SetEnabled toggles a routine.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// Clear removes every routine.
	Clear(ctx context.Context) error
}

// SettingsStore persists user defaults.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// NotificationSink shows a routine's notification to the user.
// Title, channel, priority and auto-dismiss are the sink's responsibility.
type NotificationSink interface {
	Fire(ctx context.Context, r Routine) error
}

// UsageQuery answers point-in-time cumulative foreground time questions.
type UsageQuery interface {
	// CumulativeForeground returns how long app was in the foreground within [since, until].
	CumulativeForeground(ctx context.Context, app string, since, until time.Time) (time.Duration, error)
}

// UsageRecorder is fed foreground switches so UsageQuery has data to answer from.
type UsageRecorder interface {
	// RecordSwitch notes that app became foreground at the given time.
	RecordSwitch(ctx context.Context, app string, at time.Time) error

	// Flush closes the open interval at the given time.
	Flush(ctx context.Context, at time.Time) error
}

// ForegroundDetector reports the package/bundle id of the foreground app.
// Implementation: osascript on macOS, hyprctl/xdotool on Linux.
type ForegroundDetector interface {
	// Name identifies the detection backend.
	Name() string

	// Available returns true if the backend can run on this system.
	Available() bool

	// Detect returns the current foreground app, or "" when unknown.
	Detect(ctx context.Context) (string, error)
}

// ProcessManager handles OS process lookups.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// NameOf returns the executable name of a PID.
	NameOf(pid int) (string, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// StatusRegistry lets the daemon publish liveness and the CLI read it back.
// Implementation: JSON file in the data directory.
type StatusRegistry interface {
	// Register records the daemon PID and start time.
	Register(status DaemonStatus) error

	// Heartbeat updates the liveness timestamp and tracker snapshot.
	Heartbeat(state TrackerState) error

	// Get returns the last published status, or nil when none exists.
	Get() (*DaemonStatus, error)

	// IsAlive checks whether the registered PID is still running.
	IsAlive() (bool, error)

	// Clear removes the status file.
	Clear() error

	// Path returns the status file path (for tests).
	Path() string
}

// AutostartManager handles start-on-login registration.
type AutostartManager interface {
	// Install creates and loads the login agent.
	Install(execPath string) error

	// Uninstall unloads and removes the login agent.
	Uninstall() error

	// IsInstalled checks if the login agent is installed.
	IsInstalled() bool

	// NeedsUpdate checks if the agent exists but points at a different binary.
	NeedsUpdate(execPath string) bool

	// Path returns the agent definition file path.
	Path() string
}

// KeyProvider abstracts the source of the database encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
