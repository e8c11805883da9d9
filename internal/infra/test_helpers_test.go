package infra

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	runningPIDs map[int]bool
	names       map[int]string
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
		names:       make(map[int]string),
	}
}

func (m *mockProcessManager) NameOf(pid int) (string, error) {
	name, ok := m.names[pid]
	if !ok {
		return "", fmt.Errorf("process %d not found", pid)
	}
	return name, nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.runningPIDs[pid] = running
}

// Ensure mockProcessManager implements domain.ProcessManager
var _ domain.ProcessManager = (*mockProcessManager)(nil)

// mockCommandRunner is a test double for CommandRunner.
// Outputs and errors are keyed by the full command line.
type mockCommandRunner struct {
	outputs map[string]string
	errs    map[string]error
	onPath  map[string]bool
	calls   [][]string
}

func newMockCommandRunner() *mockCommandRunner {
	return &mockCommandRunner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
		onPath:  make(map[string]bool),
	}
}

func (m *mockCommandRunner) record(name string, args []string) string {
	m.calls = append(m.calls, append([]string{name}, args...))
	return strings.Join(append([]string{name}, args...), " ")
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	return m.errs[m.record(name, args)]
}

func (m *mockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := m.record(name, args)
	if err := m.errs[key]; err != nil {
		return nil, err
	}
	return []byte(m.outputs[key]), nil
}

func (m *mockCommandRunner) LookPath(name string) bool {
	return m.onPath[name]
}

func (m *mockCommandRunner) lastCall() []string {
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// Ensure mockCommandRunner implements CommandRunner
var _ CommandRunner = (*mockCommandRunner)(nil)

// envOf builds a DetectorEnv from a fixed variable map.
func envOf(goos string, vars map[string]string) DetectorEnv {
	return DetectorEnv{
		GOOS:   goos,
		Getenv: func(k string) string { return vars[k] },
	}
}
