// Package client is the HTTP client for a remote roost daemon. The CLI
// uses it for every command except serve; embedding programs can use it
// to drive a daemon running elsewhere.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig targets a daemon on the default local listener.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8085/api/v1",
		Timeout: 35 * time.Second, // start blocks through health confirmation
	}
}

// Client talks to a roost daemon's management API.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// IsReachable reports whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.StatusAll(ctx)
	return err == nil
}

// Register declares a workload; set start to launch it immediately.
func (c *Client) Register(ctx context.Context, spec workload.Spec, start bool) error {
	q := url.Values{}
	if start {
		q.Set("start", "true")
	}
	return c.do(ctx, http.MethodPost, "/register", q, spec, nil)
}

// Unregister stops and removes a workload.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/unregister", nameQuery(name), nil, nil)
}

// Start launches a workload and blocks until it is routable or failed.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/start", nameQuery(name), nil, nil)
}

// Stop gracefully terminates a workload.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/stop", nameQuery(name), nil, nil)
}

// Restart is stop followed by start, serialized daemon-side.
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/restart", nameQuery(name), nil, nil)
}

// Status returns the snapshot of one workload.
func (c *Client) Status(ctx context.Context, name string) (lifecycle.Status, error) {
	var st lifecycle.Status
	err := c.do(ctx, http.MethodGet, "/status", nameQuery(name), nil, &st)
	return st, err
}

// StatusAll returns snapshots of every workload.
func (c *Client) StatusAll(ctx context.Context) ([]lifecycle.Status, error) {
	var sts []lifecycle.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &sts)
	return sts, err
}

// Services returns the registry entries with discovered capabilities.
func (c *Client) Services(ctx context.Context) ([]registry.Entry, error) {
	var es []registry.Entry
	err := c.do(ctx, http.MethodGet, "/services", nil, nil, &es)
	return es, err
}

// Reconcile triggers one reconcile pass.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reconcile", nil, nil, nil)
}

func nameQuery(name string) url.Values {
	q := url.Values{}
	q.Set("name", name)
	return q
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var er struct {
			Error string `json:"error"`
		}
		if jerr := json.NewDecoder(resp.Body).Decode(&er); jerr == nil && er.Error != "" {
			return fmt.Errorf("daemon: %s", er.Error)
		}
		return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
