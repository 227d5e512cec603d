package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/internal/bus"
	"github.com/roost-run/roost/internal/health"
	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/ports"
	"github.com/roost-run/roost/internal/proctool"
	"github.com/roost-run/roost/internal/proxy"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*Router, *lifecycle.Manager, *registry.Registry) {
	t.Helper()
	alloc, err := ports.New(23000, 23019, nil)
	require.NoError(t, err)
	tracker, err := proctool.NewTracker(filepath.Join(t.TempDir(), "roost.pids"))
	require.NoError(t, err)
	reg := registry.New()
	b := bus.New()
	mgr, err := lifecycle.NewManager(lifecycle.Options{
		Allocator: alloc,
		Tracker:   tracker,
		Prober:    health.New(500 * time.Millisecond),
		Registry:  reg,
		Bus:       b,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
		b.Close()
	})
	return NewRouter(mgr, reg, proxy.New(reg, nil), nil, "/api/v1"), mgr, reg
}

func doReq(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	// give the request a cancellable context so handlers that check
	// Context().Done() (e.g. httputil.ReverseProxy) do not fall back to the
	// http.CloseNotifier path, which httptest.ResponseRecorder lacks
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRegisterAndStatus(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()

	spec := `{"name":"echo","module":"demo","kind":"capability","command":"/bin/true"}`
	w := doReq(h, http.MethodPost, "/api/v1/register", spec)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doReq(h, http.MethodGet, "/api/v1/status?name=echo", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st lifecycle.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "echo", st.Name)
	assert.Equal(t, workload.StateStopped, st.State)

	w = doReq(h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []lifecycle.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"name":`},
		{"unsafe name", `{"name":"../etc","module":"m","kind":"capability","command":"/bin/true"}`},
		{"relative workdir", `{"name":"x","module":"m","kind":"capability","command":"/bin/true","work_dir":"tmp/run"}`},
		{"traversal log dir", `{"name":"x","module":"m","kind":"capability","command":"/bin/true","log":{"dir":"/var/log/../../etc"}}`},
		{"bad kind", `{"name":"x","module":"m","kind":"widget","command":"/bin/true"}`},
		{"missing command", `{"name":"x","module":"m","kind":"capability"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doReq(h, http.MethodPost, "/api/v1/register", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestUnknownNameIs404(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()

	for _, target := range []string{
		"/api/v1/start?name=ghost",
		"/api/v1/stop?name=ghost",
		"/api/v1/restart?name=ghost",
		"/api/v1/unregister?name=ghost",
	} {
		w := doReq(h, http.MethodPost, target, "")
		assert.Equal(t, http.StatusNotFound, w.Code, target)
	}
	w := doReq(h, http.MethodGet, "/api/v1/status?name=ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingNameIs400(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()
	w := doReq(h, http.MethodPost, "/api/v1/start", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServicesListing(t *testing.T) {
	r, _, reg := newTestRouter(t)
	h := r.Handler()

	reg.Put(registry.Entry{Name: "a", Module: "m", Kind: workload.KindCapability, State: workload.StateRunning, Port: 23001})
	reg.Put(registry.Entry{Name: "b", Module: "m", Kind: workload.KindAgent, State: workload.StateRunning, Port: 23002})

	w := doReq(h, http.MethodGet, "/api/v1/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []registry.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	w = doReq(h, http.MethodGet, "/api/v1/services?kind=agent", "")
	require.Equal(t, http.StatusOK, w.Code)
	var agents []registry.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "b", agents[0].Name)
}

func TestReconcileWithoutReconciler(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doReq(r.Handler(), http.MethodPost, "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestMetricsExposed(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doReq(r.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProxyUnavailableWhenNotRunning(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()

	w := doReq(h, http.MethodGet, "/svc/ghost/anything", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doReq(h, http.MethodGet, "/svc/bad..name/x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyForwardsToRunningService(t *testing.T) {
	r, _, reg := newTestRouter(t)
	h := r.Handler()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("X-Path", req.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	port := backendPort(t, backend.URL)

	reg.Put(registry.Entry{Name: "up", Module: "m", Kind: workload.KindCapability, State: workload.StateRunning, Port: port})

	w := doReq(h, http.MethodGet, "/svc/up/v1/ping", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/v1/ping", w.Header().Get("X-Path"), "proxy must strip the /svc/{name} prefix")
}

func backendPort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestNewServerReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	var buf syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	r, _, _ := newTestRouter(t)
	srv := NewServer(ln.Addr().String(), r)
	defer func() { _ = srv.Close() }()

	// the address is already bound, so the serve goroutine must say so
	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "management API server failed")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "/api/v1", sanitizeBase("api/v1/"))
	assert.Equal(t, "/api/v1", sanitizeBase("/api/v1"))
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
}

func TestSafeNameAndPath(t *testing.T) {
	assert.True(t, isSafeName("my-svc.v2_1"))
	assert.False(t, isSafeName(""))
	assert.False(t, isSafeName("a/b"))
	assert.False(t, isSafeName("a..b"))

	assert.True(t, isSafeAbsPath(""))
	assert.True(t, isSafeAbsPath("/var/log/roost"))
	assert.False(t, isSafeAbsPath("relative/path"))
	assert.False(t, isSafeAbsPath("/var/../etc"))
}
