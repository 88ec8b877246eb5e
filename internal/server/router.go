// Package server exposes the engine's command interface over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/service"
)

// Engine is the part of the supervision engine the API drives.
// *manager.Manager implements it.
type Engine interface {
	Add(ctx context.Context, def service.Definition) (service.ID, error)
	Remove(ctx context.Context, ref string) error
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Signal(ctx context.Context, ref string, sig syscall.Signal) error
	List(ctx context.Context) ([]manager.Status, error)
	Get(ctx context.Context, ref string) (manager.Status, error)
	ShowScheduler(ctx context.Context) ([]manager.ScheduleEntry, error)
	ShowConfig(ctx context.Context) ([]service.Definition, error)
	Subscribe(buffer int) (<-chan manager.Event, func())
}

// Router provides embeddable HTTP handlers for the engine.
// Endpoints, relative to basePath:
//
//	POST   /services                body: AddRequest
//	GET    /services
//	GET    /services/:ref           ref is a name or a numeric id
//	DELETE /services/:ref
//	POST   /services/:ref/start
//	POST   /services/:ref/stop
//	POST   /services/:ref/restart
//	POST   /services/:ref/signal    body: {"signal": "HUP"}
//	GET    /services/:ref/history   ?limit=N, when a history reader is set
//	GET    /services/:ref/logs      output files; ?tail=N&stream=stderr&follow=true for text
//	GET    /scheduler
//	GET    /config
//	GET    /stats, /stats/:ref      when resource sampling is on
//	GET    /events                  websocket stream of engine events
//	GET    /metrics                 when a metrics handler is set
type Router struct {
	eng      Engine
	basePath string
	usage    *metrics.UsageCollector
	history  history.Reader
	logs     func(name string) logger.FileConfig
	metrics  http.Handler
	logger   *slog.Logger
}

type Option func(*Router)

// WithUsage serves resource samples from u under /stats.
func WithUsage(u *metrics.UsageCollector) Option {
	return func(r *Router) { r.usage = u }
}

// WithHistory serves recorded lifecycle events from h.
func WithHistory(h history.Reader) Option {
	return func(r *Router) { r.history = h }
}

// WithLogs serves the output files of services, laid out by files.
func WithLogs(files func(name string) logger.FileConfig) Option {
	return func(r *Router) { r.logs = files }
}

// WithMetrics mounts h under /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Router) { r.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/services, /api/scheduler and so on.
func NewRouter(eng Engine, basePath string, opts ...Option) *Router {
	r := &Router{eng: eng, basePath: sanitizeBase(basePath), logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the endpoints to an existing gin group, for embedding in
// an application that owns its own gin engine.
func (r *Router) Register(group *gin.RouterGroup) {
	group.POST("/services", r.handleAdd)
	group.GET("/services", r.handleList)
	group.GET("/services/:ref", r.handleGet)
	group.DELETE("/services/:ref", r.handleRemove)
	group.POST("/services/:ref/start", r.handleStart)
	group.POST("/services/:ref/stop", r.handleStop)
	group.POST("/services/:ref/restart", r.handleRestart)
	group.POST("/services/:ref/signal", r.handleSignal)
	group.GET("/services/:ref/history", r.handleHistory)
	group.GET("/services/:ref/logs", r.handleLogs)
	group.GET("/scheduler", r.handleScheduler)
	group.GET("/config", r.handleConfig)
	group.GET("/stats", r.handleStats)
	group.GET("/stats/:ref", r.handleServiceStats)
	group.GET("/events", r.handleEvents)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// NewServer builds a standalone HTTP server on addr using this router. The
// caller runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, eng Engine, opts ...Option) *http.Server {
	r := NewRouter(eng, basePath, opts...)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
