package infra

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	LookPath(name string) bool
}

// RealCommandRunner executes real system commands.
type RealCommandRunner struct{}

// NewCommandRunner creates a runner for real system commands.
func NewCommandRunner() *RealCommandRunner {
	return &RealCommandRunner{}
}

// Run executes a command and waits for it to complete.
// Stderr is folded into the returned error.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(name, err, stderr.String())
	}
	return nil
}

// Output executes a command and returns its stdout.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(name, err, stderr.String())
	}
	return out, nil
}

// LookPath reports whether name is an executable on PATH.
func (r *RealCommandRunner) LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func commandError(name string, err error, stderr string) error {
	if msg := strings.TrimSpace(stderr); msg != "" {
		return fmt.Errorf("%s failed: %w: %s", name, err, msg)
	}
	return fmt.Errorf("%s failed: %w", name, err)
}

// Ensure RealCommandRunner implements CommandRunner.
var _ CommandRunner = (*RealCommandRunner)(nil)
