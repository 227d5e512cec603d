package proctool

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndExitObserved(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "exit 0"}, nil, "", nil, nil)
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exit never observed")
	}
	assert.Equal(t, 0, h.ExitCode())
	assert.False(t, h.Alive())
}

func TestSpawnNonZeroExit(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "exit 3"}, nil, "", nil, nil)
	require.NoError(t, err)
	<-h.Done()
	assert.Equal(t, 3, h.ExitCode())
	assert.Error(t, h.ExitErr())
}

func TestSpawnFailsForMissingBinary(t *testing.T) {
	_, err := Spawn("/nonexistent/definitely-not-here", nil, nil, "", nil, nil)
	assert.Error(t, err)
}

func TestExitCodeBeforeExit(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "sleep 5"}, nil, "", nil, nil)
	require.NoError(t, err)
	defer h.Kill()
	assert.Equal(t, -1, h.ExitCode())
	assert.True(t, h.Alive())
}

func TestTerminateGraceful(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "sleep 30"}, nil, "", nil, nil)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, h.Terminate(5*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second, "sh dies on SIGTERM, no escalation needed")
	assert.False(t, h.Alive())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "trap '' TERM; sleep 30"}, nil, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.Terminate(500*time.Millisecond))
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL escalation")
	}
	assert.False(t, h.Alive())
}

func TestTerminateSignalsProcessGroup(t *testing.T) {
	// the child spawns a grandchild; killing the group must take both
	h, err := Spawn("/bin/sh", []string{"-c", "sleep 30 & wait"}, nil, "", nil, nil)
	require.NoError(t, err)
	pid := h.PID()
	require.NoError(t, h.Terminate(2*time.Second))
	assert.Eventually(t, func() bool {
		// the group is gone when signaling it fails
		return syscall.Kill(-pid, syscall.Signal(0)) != nil
	}, 5*time.Second, 100*time.Millisecond)
}

func TestSpawnEnvAndWorkdir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	h, err := Spawn("/bin/sh", []string{"-c", "echo -n \"$ROOST_TEST_VAL:$(pwd)\" > " + out},
		append(os.Environ(), "ROOST_TEST_VAL=hello"), dir, nil, nil)
	require.NoError(t, err)
	<-h.Done()
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello:"+resolved, string(b))
}

func TestPidAlive(t *testing.T) {
	assert.True(t, PidAlive(os.Getpid()))
	assert.False(t, PidAlive(0))
	// spawn and reap, then the pid must read dead
	h, err := Spawn("/bin/sh", []string{"-c", "exit 0"}, nil, "", nil, nil)
	require.NoError(t, err)
	<-h.Done()
	assert.False(t, PidAlive(h.PID()))
}

func TestProvenanceResolvesForSpawnedChild(t *testing.T) {
	h, err := Spawn("/bin/sh", []string{"-c", "sleep 30"}, nil, "", nil, nil)
	require.NoError(t, err)
	defer h.Kill()

	// both identity fields must resolve on every supported platform;
	// zero values would silently weaken Verify to a bare liveness check
	st := StartUnix(h.PID())
	require.Greater(t, st, int64(0))
	assert.LessOrEqual(t, st, time.Now().Unix()+1)
	cl := Cmdline(h.PID())
	require.NotEmpty(t, cl)
	assert.Contains(t, cl, "sh")

	assert.True(t, Verify(TrackedProcess{PID: h.PID(), StartUnix: st, Command: "/bin/sh"}))
	assert.False(t, Verify(TrackedProcess{PID: h.PID(), StartUnix: st + 7200, Command: "/bin/sh"}))
}

func TestCmdlineAndStartUnix(t *testing.T) {
	self := os.Getpid()
	cl := Cmdline(self)
	require.NotEmpty(t, cl)
	assert.Contains(t, cl, "proctool")

	st := StartUnix(self)
	require.Greater(t, st, int64(0))
	assert.LessOrEqual(t, st, time.Now().Unix())
}
