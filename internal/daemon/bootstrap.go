package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// checkInterval is how often Stop and WaitHealthy poll.
const checkInterval = 100 * time.Millisecond

// ErrNotRunning is returned by Stop when no daemon is registered.
var ErrNotRunning = errors.New("daemon is not running")

// StartDetached spawns the daemon in a new session so it outlives the CLI.
// Output is appended to logPath. Returns the child PID.
func StartDetached(execPath string, args []string, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(execPath, args...)
	cmd.Dir = "/"
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach from the terminal's session.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// WaitHealthy waits until the status file reports a live daemon.
func WaitHealthy(status domain.StatusRegistry, timeout time.Duration) (*domain.DaemonStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		alive, err := status.IsAlive()
		if err == nil && alive {
			return status.Get()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("daemon not running after %v", timeout)
		}
		time.Sleep(checkInterval)
	}
}

// Stop sends SIGTERM to the registered daemon and waits for it to exit.
// If it is still running after timeout, it is killed.
func Stop(status domain.StatusRegistry, pm domain.ProcessManager, timeout time.Duration) (int, error) {
	current, err := status.Get()
	if err != nil {
		return 0, fmt.Errorf("failed to read status: %w", err)
	}
	if current == nil || current.PID <= 0 || !pm.IsRunning(current.PID) {
		// Stale file from a crashed daemon.
		_ = status.Clear()
		return 0, ErrNotRunning
	}
	pid := current.PID

	if err := signalProcess(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("failed to signal daemon: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for pm.IsRunning(pid) {
		if time.Now().After(deadline) {
			if err := signalProcess(pid, syscall.SIGKILL); err != nil {
				return pid, fmt.Errorf("failed to kill daemon: %w", err)
			}
			_ = status.Clear()
			return pid, nil
		}
		time.Sleep(checkInterval)
	}
	return pid, nil
}

// signalProcess sends a signal to a process.
func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
