package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/orchestrator"
	"github.com/weftlabs/weft/internal/store"
)

// Deps holds the admin server's collaborators.
type Deps struct {
	Store   store.Store
	Runtime *orchestrator.Runtime
	Bus     notify.Bus
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Server is the HTTP admin surface: run and inspect workflows, publish
// capabilities and definitions, manage schedules, stream events.
type Server struct {
	deps   Deps
	router *gin.Engine
	srv    *http.Server
}

// NewServer creates the admin server listening on the given port.
func NewServer(port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger))

	s := &Server{
		deps:   deps,
		router: router,
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}),
		))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/workflows", s.handleRunWorkflow)
		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.GET("/workflows/:id/states", s.handleListStates)
		v1.GET("/workflows/:id/states/:state/output", s.handleStateOutput)
		v1.GET("/workflows/:id/events", s.handleWorkflowEvents)
		v1.GET("/workflows/:id/diagram", s.handleDiagram)
		v1.POST("/workflows/:id/abort", s.handleAbortWorkflow)

		v1.POST("/definitions", s.handlePublishDefinition)
		v1.GET("/definitions", s.handleListDefinitions)
		v1.POST("/definitions/:name/run", s.handleRunDefinition)

		v1.POST("/capabilities", s.handlePublishCapability)
		v1.GET("/capabilities", s.handleListCapabilities)
		v1.GET("/capabilities/:id/stats", s.handleCapabilityStats)

		v1.GET("/executors", s.handleListExecutors)

		v1.POST("/jobs", s.handleCreateJob)
		v1.GET("/jobs", s.handleListJobs)
		v1.PUT("/jobs/:id", s.handleUpdateJob)
		v1.DELETE("/jobs/:id", s.handleDeleteJob)

		v1.GET("/ws", s.handleEventStream)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listen error.
func (s *Server) Start() error {
	s.deps.Logger.Info("admin server starting", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("admin server shutting down")
	return s.srv.Shutdown(ctx)
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}
