package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Verdict classifies one liveness probe.
type Verdict int

const (
	// Healthy: the endpoint answered 2xx within the timeout.
	Healthy Verdict = iota
	// Unhealthy: the endpoint answered, but not with success.
	Unhealthy
	// Unreachable: connection failed or timed out.
	Unreachable
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unreachable"
	}
}

// Result is a verdict with the reason for a non-healthy outcome.
type Result struct {
	Verdict Verdict
	Reason  string
}

func (r Result) OK() bool { return r.Verdict == Healthy }

// ErrHealthTimeout is returned when a workload never confirmed liveness
// inside its startup window.
var ErrHealthTimeout = errors.New("health confirmation timed out")

// Prober issues liveness requests. Body content is not inspected: any 2xx
// inside the timeout is healthy, everything else is not.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// New builds a prober with the per-request timeout.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Prober{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Check probes url once.
func (p *Prober) Check(ctx context.Context, url string) Result {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Verdict: Unreachable, Reason: err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Verdict: Unreachable, Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Verdict: Healthy}
	}
	return Result{Verdict: Unhealthy, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
}

// WaitHealthy polls url with a short doubling backoff until it is healthy,
// the window elapses, or ctx is cancelled. The ctx check between polls is
// the interruption checkpoint for a stop issued mid-start.
func (p *Prober) WaitHealthy(ctx context.Context, url string, window time.Duration) error {
	deadline := time.Now().Add(window)
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Check(ctx, url).OK() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrHealthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
