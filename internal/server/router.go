// Package server exposes the management API and the routing front door.
// Endpoints under the base path operate on workloads by name; /svc/{name}
// proxies to whatever the registry currently resolves.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roost-run/roost/internal/lifecycle"
	"github.com/roost-run/roost/internal/metrics"
	"github.com/roost-run/roost/internal/proxy"
	"github.com/roost-run/roost/internal/reconcile"
	"github.com/roost-run/roost/internal/registry"
	"github.com/roost-run/roost/internal/workload"
)

// Router provides embeddable HTTP handlers for managing workloads.
// Endpoints:
//
//	POST {basePath}/register     body: Spec JSON, query: start=true to start immediately
//	POST {basePath}/unregister   query: name=...
//	POST {basePath}/start        query: name=...
//	POST {basePath}/stop         query: name=...
//	POST {basePath}/restart      query: name=...
//	GET  {basePath}/status       query: name=... (single) or none (all)
//	GET  {basePath}/services     registry entries with discovered capabilities
//	POST {basePath}/reconcile    trigger one reconcile pass
//	GET  /metrics                Prometheus exposition
//	ANY  /svc/{name}/...         reverse proxy to the named workload
type Router struct {
	mgr      *lifecycle.Manager
	reg      *registry.Registry
	px       *proxy.Proxy
	rec      *reconcile.Reconciler
	basePath string
}

func NewRouter(mgr *lifecycle.Manager, reg *registry.Registry, px *proxy.Proxy, rec *reconcile.Reconciler, basePath string) *Router {
	return &Router{mgr: mgr, reg: reg, px: px, rec: rec, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group(r.basePath)
	api.POST("/register", r.handleRegister)
	api.POST("/unregister", r.handleUnregister)
	api.POST("/start", r.handleStart)
	api.POST("/stop", r.handleStop)
	api.POST("/restart", r.handleRestart)
	api.GET("/status", r.handleStatus)
	api.GET("/services", r.handleServices)
	api.POST("/reconcile", r.handleReconcile)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	if r.px != nil {
		g.Any("/svc/:name/*path", r.handleProxy)
		g.Any("/svc/:name", r.handleProxy)
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("management API server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleRegister(c *gin.Context) {
	var spec workload.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] without '..'"})
		return
	}
	for field, p := range map[string]string{
		"work_dir":        spec.WorkDir,
		"log.dir":         spec.Log.Dir,
		"log.stdout_path": spec.Log.StdoutPath,
		"log.stderr_path": spec.Log.StderrPath,
	} {
		if !isSafeAbsPath(p) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
			return
		}
	}
	if err := r.mgr.Register(spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if c.Query("start") == "true" {
		if err := r.mgr.Start(spec.Name); err != nil {
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
			return
		}
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUnregister(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := r.mgr.Unregister(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycleOp(c, r.mgr.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycleOp(c, r.mgr.Stop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycleOp(c, r.mgr.Restart)
}

func (r *Router) lifecycleOp(c *gin.Context, op func(string) error) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return
	}
	if err := op(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		st, err := r.mgr.Status(name)
		if err != nil {
			writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, st)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.StatusAll())
}

func (r *Router) handleServices(c *gin.Context) {
	if kind := c.Query("kind"); kind != "" {
		writeJSON(c, http.StatusOK, r.reg.ListByKind(workload.Kind(kind)))
		return
	}
	writeJSON(c, http.StatusOK, r.reg.List())
}

func (r *Router) handleReconcile(c *gin.Context) {
	if r.rec == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "reconciler not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	r.rec.Once(ctx)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProxy(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name"})
		return
	}
	r.px.Handler(name, "/svc/"+name).ServeHTTP(c.Writer, c.Request)
}

func statusFor(err error) int {
	if errors.Is(err, lifecycle.ErrUnknownWorkload) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}
