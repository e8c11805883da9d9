package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

const (
	statusFileName = "status.json"
	statusVersion  = 1
)

// ErrNotRegistered is returned by Heartbeat before Register was called.
var ErrNotRegistered = errors.New("daemon not registered")

// StatusFile implements domain.StatusRegistry using a JSON file in the data directory.
type StatusFile struct {
	path           string
	processManager domain.ProcessManager
	now            func() time.Time
}

// NewStatusFile creates a status registry in dataDir.
func NewStatusFile(dataDir string, pm domain.ProcessManager) *StatusFile {
	return NewStatusFileWithPath(filepath.Join(dataDir, statusFileName), pm)
}

// NewStatusFileWithPath creates a status registry at a specific path (for testing).
func NewStatusFileWithPath(path string, pm domain.ProcessManager) *StatusFile {
	return &StatusFile{
		path:           path,
		processManager: pm,
		now:            time.Now,
	}
}

// Path returns the status file path.
func (s *StatusFile) Path() string {
	return s.path
}

// Register records the daemon PID and start time, replacing any previous status.
func (s *StatusFile) Register(status domain.DaemonStatus) error {
	return s.withLock(func() error {
		now := s.now().Unix()
		status.Version = statusVersion
		if status.StartedAt == 0 {
			status.StartedAt = now
		}
		status.LastHeartbeat = now
		return s.atomicWrite(&status)
	})
}

// Heartbeat updates the liveness timestamp and tracker snapshot.
func (s *StatusFile) Heartbeat(state domain.TrackerState) error {
	return s.withLock(func() error {
		status, err := s.Get()
		if err != nil {
			return err
		}
		if status == nil {
			return ErrNotRegistered
		}

		status.LastHeartbeat = s.now().Unix()
		if !state.LastEventAt.IsZero() {
			status.LastEventAt = state.LastEventAt.Unix()
		}
		status.Foreground = state.Foreground
		status.Pending = state.Pending
		return s.atomicWrite(status)
	})
}

// Get returns the last published status, or nil when none exists.
func (s *StatusFile) Get() (*domain.DaemonStatus, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status domain.DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}
	return &status, nil
}

// IsAlive checks whether the registered PID is still running.
func (s *StatusFile) IsAlive() (bool, error) {
	status, err := s.Get()
	if err != nil {
		return false, err
	}
	if status == nil || status.PID == 0 {
		return false, nil
	}
	return s.processManager.IsRunning(status.PID), nil
}

// Clear removes the status file. A missing file is not an error.
func (s *StatusFile) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// withLock serializes read-modify-write cycles between processes.
func (s *StatusFile) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// atomicWrite writes the status atomically (write + rename).
func (s *StatusFile) atomicWrite(status *domain.DaemonStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	// Unique per process to avoid a race on the temp file.
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure StatusFile implements domain.StatusRegistry.
var _ domain.StatusRegistry = (*StatusFile)(nil)
