package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/internal/config"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/workload"
)

// TestHelperProcess is re-executed as the managed child. It serves the
// health endpoint on the port injected via ROOST_PORT.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("ROOST_HELPER") != "1" {
		return
	}
	port := os.Getenv("ROOST_PORT")
	if port == "" {
		os.Exit(2)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe("127.0.0.1:"+port, mux)
	os.Exit(0)
}

// newTestDaemon builds a daemon from a config file on dir, with the
// helper binary declared as an autostart service on the given port range.
func newTestDaemon(t *testing.T, dir string, lo, hi int) *Daemon {
	t.Helper()
	body := fmt.Sprintf(`
listen = "127.0.0.1:0"
data_dir = %q

[ports]
min = %d
max = %d

[intervals]
discovery_timeout = "2s"

[[services]]
name = "svc"
module = "demo"
kind = "capability"
command = %q
args = ["-test.run=^TestHelperProcess$"]
env = ["ROOST_HELPER=1"]
autostart = true
`, dir, lo, hi, os.Args[0])
	path := filepath.Join(dir, "roost.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		d.mgr.Shutdown(ctx)
		d.bus.Close()
		for _, s := range d.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		if d.st != nil {
			_ = d.st.Close()
		}
	})
	return d
}

func TestRecoveryAdoptsSurvivingChild(t *testing.T) {
	dir := t.TempDir()
	const port = 25005

	// a child of a previous daemon run, still alive across the restart
	h, err := proctool.Spawn(os.Args[0], []string{"-test.run=^TestHelperProcess$"},
		append(os.Environ(), "ROOST_HELPER=1", "ROOST_PORT="+strconv.Itoa(port)), "", nil, nil)
	require.NoError(t, err)
	t.Cleanup(h.Kill)

	tracker, err := proctool.NewTracker(filepath.Join(dir, RecoveryFileName))
	require.NoError(t, err)
	require.NoError(t, tracker.Record(proctool.TrackedProcess{
		Name:      "svc",
		PID:       h.PID(),
		Port:      port,
		Command:   os.Args[0],
		StartUnix: proctool.StartUnix(h.PID()),
	}))

	d := newTestDaemon(t, dir, 25000, 25019)
	ctx := context.Background()
	require.NoError(t, d.recover(ctx))

	s, err := d.mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, workload.StateRunning, s.State)
	assert.Equal(t, h.PID(), s.PID, "must re-attach, not spawn a second copy")
	assert.Equal(t, port, s.Port)
	assert.True(t, h.Alive())

	resolved, ok := d.reg.Resolve("svc")
	require.True(t, ok)
	assert.Equal(t, port, resolved)

	// autostart sees the adopted instance and leaves it alone
	require.NoError(t, d.autoStart(ctx))
	s, err = d.mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, h.PID(), s.PID)
	assert.True(t, proctool.PidAlive(h.PID()))
}

func TestRecoveryRegistersColdWhenProvenanceDead(t *testing.T) {
	dir := t.TempDir()

	// the recorded pid exited before the restart; its entry must not adopt
	h, err := proctool.Spawn("/bin/sh", []string{"-c", "exit 0"}, nil, "", nil, nil)
	require.NoError(t, err)
	<-h.Done()

	tracker, err := proctool.NewTracker(filepath.Join(dir, RecoveryFileName))
	require.NoError(t, err)
	require.NoError(t, tracker.Record(proctool.TrackedProcess{
		Name:      "svc",
		PID:       h.PID(),
		Port:      25105,
		Command:   "/bin/sh",
		StartUnix: 12345,
	}))

	d := newTestDaemon(t, dir, 25100, 25119)
	require.NoError(t, d.recover(context.Background()))

	s, err := d.mgr.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, workload.StateStopped, s.State)
	assert.Zero(t, s.PID)

	// the first reconcile pass inside recovery drops the stale entry
	_, ok := d.tracker.Get("svc")
	assert.False(t, ok)
}
