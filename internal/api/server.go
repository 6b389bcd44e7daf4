// Package api exposes the engine over HTTP: job control, update approval,
// container inspection, orchestration sweeps and the SSE event stream.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/middleware"
	"github.com/harborwatch/harborwatch/internal/orchestrator"
	"github.com/harborwatch/harborwatch/internal/scanner"
)

// Server is the HTTP front of the engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *config.Config
	logger     *logrus.Logger

	containers *repositories.ContainerRepository
	updates    *repositories.UpdateRepository
	history    *repositories.HistoryRepository
	jobsRepo   *repositories.JobRepository

	scan   *scanner.Scanner
	orch   *orchestrator.Orchestrator
	runner *jobs.Runner
	broker *events.Broker
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Config     *config.Config
	Logger     *logrus.Logger
	Containers *repositories.ContainerRepository
	Updates    *repositories.UpdateRepository
	History    *repositories.HistoryRepository
	Jobs       *repositories.JobRepository
	Scanner    *scanner.Scanner
	Orch       *orchestrator.Orchestrator
	Runner     *jobs.Runner
	Broker     *events.Broker
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Config.Server.Mode != "" {
		gin.SetMode(cfg.Config.Server.Mode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logging(cfg.Logger),
		middleware.Recovery(cfg.Logger),
	)

	s := &Server{
		router:     router,
		config:     cfg.Config,
		logger:     cfg.Logger,
		containers: cfg.Containers,
		updates:    cfg.Updates,
		history:    cfg.History,
		jobsRepo:   cfg.Jobs,
		scan:       cfg.Scanner,
		orch:       cfg.Orch,
		runner:     cfg.Runner,
		broker:     cfg.Broker,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Server.Host, cfg.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Config.Server.ReadTimeout,
		WriteTimeout: cfg.Config.Server.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/jobs/check", s.startCheck)
		v1.POST("/jobs/scan", s.startDependencyScan)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.POST("/jobs/:id/cancel", s.cancelJob)

		v1.GET("/containers", s.listContainers)
		v1.GET("/containers/:id", s.getContainer)
		v1.PUT("/containers/:id", s.updateContainer)
		v1.GET("/containers/:id/trace", s.getTrace)

		v1.GET("/updates", s.listUpdates)
		v1.POST("/updates/:id/approve", s.approveUpdate)
		v1.POST("/updates/:id/reject", s.rejectUpdate)
		v1.POST("/updates/:id/snooze", s.snoozeUpdate)

		v1.GET("/history", s.listHistory)
		v1.POST("/history/:id/rollback", s.rollback)

		v1.POST("/orchestrator/sweep", s.runSweep)

		v1.GET("/events", s.broker.Stream)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
