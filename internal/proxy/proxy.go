// Package proxy routes inbound requests to managed workloads by name.
// Resolution happens per request against the in-memory registry, so a
// restarted workload is reachable on its new port without any proxy
// reconfiguration. The proxy never retries: a failed upstream request
// surfaces immediately and the health prober owns recovery.
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// Proxy is the routing front door for all managed workloads.
type Proxy struct {
	reg *registry.Registry
	log *slog.Logger
}

func New(reg *registry.Registry, log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{reg: reg, log: log}
}

// Handler serves one named workload: the request path below the mount
// point is forwarded verbatim to the workload's loopback address.
func (p *Proxy) Handler(name, stripPrefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		port, ok := p.reg.Resolve(name)
		if !ok {
			p.unavailable(w, name)
			return
		}
		target := &url.URL{Scheme: "http", Host: workload.Address(port)}
		rp := httputil.NewSingleHostReverseProxy(target)
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("proxy upstream error", "service", name, "port", port, "error", err)
			http.Error(w, "upstream request failed", http.StatusBadGateway)
		}
		if stripPrefix != "" {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, stripPrefix)
			if !strings.HasPrefix(r.URL.Path, "/") {
				r.URL.Path = "/" + r.URL.Path
			}
		}
		rp.ServeHTTP(w, r)
	})
}

// unavailable answers for any workload that is not Running. 503 with the
// name keeps the contract simple: callers retry or back off, the proxy
// does neither.
func (p *Proxy) unavailable(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"service unavailable","service":"` + name + `"}`))
}
