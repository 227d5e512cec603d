package reconcile

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/health"
	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/ports"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/store"
	"github.com/roost-run/roost/internal/workload"
)

type rig struct {
	rec     *Reconciler
	mgr     *lifecycle.Manager
	tracker *proctool.Tracker
	alloc   *ports.Allocator
	st      store.Store
	bus     *bus.Bus
}

func newRig(t *testing.T, lo, hi int) *rig {
	t.Helper()
	alloc, err := ports.New(lo, hi, nil)
	require.NoError(t, err)
	tracker, err := proctool.NewTracker(filepath.Join(t.TempDir(), "roost.pids"))
	require.NoError(t, err)
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	b := bus.New()
	mgr, err := lifecycle.NewManager(lifecycle.Options{
		Allocator: alloc,
		Tracker:   tracker,
		Prober:    health.New(500 * time.Millisecond),
		Store:     st,
		Registry:  registry.New(),
		Bus:       b,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		b.Close()
		_ = st.Close()
	})
	return &rig{
		rec:     New(mgr, tracker, alloc, st, b, nil),
		mgr:     mgr,
		tracker: tracker,
		alloc:   alloc,
		st:      st,
		bus:     b,
	}
}

// spawnSleeper starts a real process with recorded provenance, the way a
// previous daemon run would have left it behind.
func spawnSleeper(t *testing.T, tracker *proctool.Tracker, name string, port int) *proctool.Handle {
	t.Helper()
	h, err := proctool.Spawn("/bin/sh", []string{"-c", "sleep 60"}, os.Environ(), "", nil, nil)
	require.NoError(t, err)
	t.Cleanup(h.Kill)
	require.NoError(t, tracker.Record(proctool.TrackedProcess{
		Name:      name,
		PID:       h.PID(),
		Port:      port,
		Command:   "/bin/sh",
		StartUnix: proctool.StartUnix(h.PID()),
	}))
	return h
}

func TestOrphanTerminated(t *testing.T) {
	r := newRig(t, 22000, 22019)
	require.NoError(t, r.alloc.Reserve("ghost", 22003))
	h := spawnSleeper(t, r.tracker, "ghost", 22003)

	r.rec.Once(context.Background())

	assert.Eventually(t, func() bool {
		return !proctool.PidAlive(h.PID())
	}, 10*time.Second, 100*time.Millisecond, "orphan must be terminated")
	_, ok := r.tracker.Get("ghost")
	assert.False(t, ok, "provenance dropped")
	_, held := r.alloc.Owner(22003)
	assert.False(t, held, "port released after death")
}

func TestStaleDeadRecordDropped(t *testing.T) {
	r := newRig(t, 22020, 22039)
	h := spawnSleeper(t, r.tracker, "gone", 22021)
	h.Kill()
	require.Eventually(t, func() bool { return !proctool.PidAlive(h.PID()) },
		5*time.Second, 50*time.Millisecond)

	r.rec.Once(context.Background())

	_, ok := r.tracker.Get("gone")
	assert.False(t, ok, "record for a dead pid is dropped without signaling")
}

func TestUnknownPortReportedNotKilled(t *testing.T) {
	r := newRig(t, 22040, 22059)

	// a foreign listener inside the managed range, no provenance
	ln, err := net.Listen("tcp", "127.0.0.1:22045")
	require.NoError(t, err)
	defer ln.Close()

	var drifts atomic.Int32
	r.bus.Subscribe("test", 16, func(ev bus.Event) {
		if ev.Type == bus.TypeDriftDetected {
			drifts.Add(1)
		}
	})

	r.rec.Once(context.Background())

	// listener untouched
	conn, err := net.DialTimeout("tcp", "127.0.0.1:22045", time.Second)
	require.NoError(t, err, "foreign listener must not be killed")
	conn.Close()

	assert.Eventually(t, func() bool { return drifts.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	// repeat offenders are not re-reported
	before := drifts.Load()
	r.rec.Once(context.Background())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, drifts.Load())
}

func TestSyncStaleRecords(t *testing.T) {
	r := newRig(t, 22060, 22079)
	ctx := context.Background()
	require.NoError(t, r.st.Upsert(ctx, store.Record{
		Name: "left-behind", Module: "m", Status: "running", PID: 999999,
	}))

	r.rec.Once(ctx)

	rec, err := r.st.Get(ctx, "left-behind")
	require.NoError(t, err)
	assert.Equal(t, "stopped", rec.Status)
	assert.Zero(t, rec.PID)
}

func TestOnceIsIdempotent(t *testing.T) {
	r := newRig(t, 22080, 22099)
	h := spawnSleeper(t, r.tracker, "ghost", 22081)

	ctx := context.Background()
	r.rec.Once(ctx)
	require.Eventually(t, func() bool { return !proctool.PidAlive(h.PID()) },
		10*time.Second, 100*time.Millisecond)

	// second pass finds nothing to do
	r.rec.Once(ctx)
	assert.Empty(t, r.tracker.Snapshot())
	assert.Equal(t, 0, r.alloc.InUseCount())
}

func TestConsistentStateUntouched(t *testing.T) {
	r := newRig(t, 22100, 22119)
	h := spawnSleeper(t, r.tracker, "svc", 22101)

	// an active workload accounts for the record: adopt it
	spec := sleeperSpec("svc")
	tracked, _ := r.tracker.Get("svc")
	require.NoError(t, r.mgr.Adopt(spec, tracked))

	r.rec.Once(context.Background())

	assert.True(t, proctool.PidAlive(h.PID()), "accounted process must survive")
	_, ok := r.tracker.Get("svc")
	assert.True(t, ok)
}

func sleeperSpec(name string) workload.Spec {
	return workload.Spec{
		Name:    name,
		Module:  "test",
		Kind:    workload.KindCapability,
		Command: "/bin/sh",
		Args:    []string{"-c", fmt.Sprintf("sleep 60 # %s", name)},
	}
}
