package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/infra"
)

func TestStartDetached_WritesToLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "daemon.log")

	pid, err := StartDetached("/bin/sh", []string{"-c", "echo tracking"}, logPath)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "tracking")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartDetached_MissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "daemon.log")

	_, err := StartDetached(filepath.Join(t.TempDir(), "no-such-binary"), nil, logPath)
	assert.Error(t, err)
}

func TestWaitHealthy(t *testing.T) {
	status := &fakeStatus{alive: true, status: &domain.DaemonStatus{PID: 321}}

	got, err := WaitHealthy(status, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 321, got.PID)
}

func TestWaitHealthy_Timeout(t *testing.T) {
	_, err := WaitHealthy(&fakeStatus{}, 150*time.Millisecond)
	assert.Error(t, err)
}

func TestStop_NotRunning(t *testing.T) {
	t.Run("no status", func(t *testing.T) {
		_, err := Stop(&fakeStatus{}, &fakeProcessManager{}, time.Second)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("stale status is cleared", func(t *testing.T) {
		status := &fakeStatus{status: &domain.DaemonStatus{PID: 999999}}

		_, err := Stop(status, &fakeProcessManager{pid: 1}, time.Second)
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.True(t, status.cleared)
	})
}

func TestStop_TerminatesProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	status := &fakeStatus{status: &domain.DaemonStatus{PID: cmd.Process.Pid}}
	pid, err := Stop(status, infra.NewProcessManager(), 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after Stop")
	}
}
