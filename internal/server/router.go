// Package server exposes the supervisor over a small JSON HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/renderd/internal/launcher"
	"github.com/loykin/renderd/internal/metrics"
	"github.com/loykin/renderd/internal/store"
	"github.com/loykin/renderd/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the router drives.
type Supervisor interface {
	Ensure(ctx context.Context, key, casePath string) (supervisor.EnsureResult, error)
	Stop(ctx context.Context, key string) (supervisor.StopResult, error)
	Remove(ctx context.Context, key string) error
	Touch(ctx context.Context, key string) error
	List(ctx context.Context) (supervisor.Listing, error)
	Get(ctx context.Context, key string) (store.Record, error)
	CleanupDead(ctx context.Context) ([]string, error)
	CleanupInactive(ctx context.Context, maxAge time.Duration) ([]string, error)
	ForceReleasePort(ctx context.Context, port int) (bool, error)
}

// Router provides embeddable HTTP handlers for the render server supervisor.
// Endpoints:
//
//	POST   {basePath}/ensure               body: {"key","case_path"}
//	POST   {basePath}/stop                 query: key=...
//	POST   {basePath}/touch                query: key=...
//	GET    {basePath}/servers
//	GET    {basePath}/servers/:key
//	DELETE {basePath}/servers/:key
//	POST   {basePath}/cleanup/dead
//	POST   {basePath}/cleanup/inactive     query: max_age=2h (optional)
//	POST   {basePath}/ports/:port/release
//	GET    /metrics                        when metrics are registered
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup           Supervisor
	basePath      string
	inactiveAfter time.Duration
	log           *slog.Logger
}

type Option func(*Router)

// WithInactiveAfter sets the max_age used when cleanup/inactive omits it.
func WithInactiveAfter(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.inactiveAfter = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/ensure, /api/servers and so on.
func NewRouter(sup Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{
		sup:           sup,
		basePath:      sanitizeBase(basePath),
		inactiveAfter: supervisor.DefaultInactiveAfter,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	r.Register(g.Group(r.basePath))
	if metrics.Enabled() {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Register adds the API routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/ensure", r.handleEnsure)
	group.POST("/stop", r.handleStop)
	group.POST("/touch", r.handleTouch)
	group.GET("/servers", r.handleList)
	group.GET("/servers/:key", r.handleGet)
	group.DELETE("/servers/:key", r.handleRemove)
	group.POST("/cleanup/dead", r.handleCleanupDead)
	group.POST("/cleanup/inactive", r.handleCleanupInactive)
	group.POST("/ports/:port/release", r.handleReleasePort)
}

// NewServer returns an http.Server for addr using this router. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, sup Supervisor, opts ...Option) *http.Server {
	r := NewRouter(sup, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// ensure and stop block for the startup window and stop timeout
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// EnsureRequest is the body of POST /ensure.
type EnsureRequest struct {
	Key      string `json:"key"`
	CasePath string `json:"case_path"`
}

// KeysResp answers the cleanup endpoints.
type KeysResp struct {
	Keys []string `json:"keys"`
}

// ReleaseResp answers POST /ports/:port/release.
type ReleaseResp struct {
	Port     int  `json:"port"`
	Released bool `json:"released"`
}

func (r *Router) handleEnsure(c *gin.Context) {
	var req EnsureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key required"})
		return
	}
	if !isSafeAbsPath(req.CasePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid case_path: must be an absolute path without traversal"})
		return
	}
	res, err := r.sup.Ensure(c.Request.Context(), req.Key, req.CasePath)
	if err != nil {
		if res.Status == "" {
			writeError(c, err)
			return
		}
		writeJSON(c, statusFor(err), res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStop(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	res, err := r.sup.Stop(c.Request.Context(), key)
	if err != nil {
		writeJSON(c, statusFor(err), res)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleTouch(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	if err := r.sup.Touch(c.Request.Context(), key); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleList(c *gin.Context) {
	l, err := r.sup.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, l)
}

func (r *Router) handleGet(c *gin.Context) {
	rec, err := r.sup.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.sup.Remove(c.Request.Context(), c.Param("key")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleCleanupDead(c *gin.Context) {
	keys, err := r.sup.CleanupDead(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, KeysResp{Keys: nonNil(keys)})
}

func (r *Router) handleCleanupInactive(c *gin.Context) {
	maxAge := r.inactiveAfter
	if s := c.Query("max_age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid max_age: " + s})
			return
		}
		maxAge = d
	}
	keys, err := r.sup.CleanupInactive(c.Request.Context(), maxAge)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, KeysResp{Keys: nonNil(keys)})
}

func (r *Router) handleReleasePort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port: " + c.Param("port")})
		return
	}
	released, err := r.sup.ForceReleasePort(c.Request.Context(), port)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ReleaseResp{Port: port, Released: released})
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	var le *launcher.LaunchError
	switch {
	case errors.Is(err, supervisor.ErrInvalidKey),
		errors.Is(err, supervisor.ErrInvalidCasePath),
		errors.Is(err, supervisor.ErrPortOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrPoolExhausted):
		return http.StatusConflict
	case errors.As(err, &le):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
