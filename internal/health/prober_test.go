package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckVerdicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := New(time.Second)
	assert.Equal(t, Healthy, p.Check(context.Background(), srv.URL+"/ok").Verdict)
	assert.Equal(t, Healthy, p.Check(context.Background(), srv.URL+"/created").Verdict, "any 2xx is healthy")

	res := p.Check(context.Background(), srv.URL+"/boom")
	assert.Equal(t, Unhealthy, res.Verdict)
	assert.Contains(t, res.Reason, "500")
}

func TestCheckUnreachable(t *testing.T) {
	p := New(200 * time.Millisecond)
	res := p.Check(context.Background(), "http://127.0.0.1:1/healthz")
	assert.Equal(t, Unreachable, res.Verdict)
	assert.NotEmpty(t, res.Reason)
}

func TestWaitHealthyEventualSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(time.Second)
	err := p.WaitHealthy(context.Background(), srv.URL, 10*time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitHealthyTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(200 * time.Millisecond)
	err := p.WaitHealthy(context.Background(), srv.URL, 600*time.Millisecond)
	assert.ErrorIs(t, err, ErrHealthTimeout)
}

func TestWaitHealthyCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()
	p := New(200 * time.Millisecond)
	start := time.Now()
	err := p.WaitHealthy(ctx, srv.URL, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation must interrupt the wait")
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "unhealthy", Unhealthy.String())
	assert.Equal(t, "unreachable", Unreachable.String())
}
