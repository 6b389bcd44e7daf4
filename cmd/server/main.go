package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/api"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/docker"
	"github.com/harborwatch/harborwatch/internal/engine"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/orchestrator"
	"github.com/harborwatch/harborwatch/internal/scanner"
	"github.com/harborwatch/harborwatch/internal/vulnscan"
)

// Version information (will be set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	fmt.Printf("harborwatch %s (%s) built on %s\n", Version, Commit, BuildDate)

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := initLogger(cfg)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"commit":  Commit,
	}).Info("Starting harborwatch")

	db, err := initDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli, err := docker.NewClient(ctx, cfg.Docker, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Docker client")
	}
	defer cli.Close()

	clock := interfaces.SystemClock{}
	broker := events.NewBroker(logger)
	runtime := docker.NewEngine(cli, int(cfg.Docker.Timeout.Seconds()), logger)
	registry := docker.NewRegistryClient(cfg.Scanner, logger)
	snapshots := docker.NewComposeSnapshotter(clock, logger)
	vulnScanner := vulnscan.NewClient(cfg.Scanner.VulnScannerURL, cfg.Scanner.RequestTimeout, logger)

	containersRepo := repositories.NewContainerRepository(db.DB())
	updatesRepo := repositories.NewUpdateRepository(db.DB())
	historyRepo := repositories.NewHistoryRepository(db.DB())
	jobsRepo := repositories.NewJobRepository(db.DB())
	depsRepo := repositories.NewDependencyRepository(db.DB())

	runner := jobs.NewRunner(jobsRepo, clock, broker, logger)
	if err := runner.RecoverOrphans(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to recover orphaned jobs")
	}

	decisions := engine.NewDecisionEngine(clock, logger)
	scan := scanner.New(containersRepo, updatesRepo, depsRepo, runtime, registry,
		vulnScanner, decisions, runner, broker, clock, logger)
	orch := orchestrator.New(updatesRepo, containersRepo, historyRepo, runtime,
		snapshots, broker, clock, logger)
	poller := jobs.NewPendingScanPoller(runner, jobsRepo, updatesRepo, vulnScanner, clock, logger,
		cfg.Scanner.PollInterval)

	server := api.NewServer(api.ServerConfig{
		Config:     cfg,
		Logger:     logger,
		Containers: containersRepo,
		Updates:    updatesRepo,
		History:    historyRepo,
		Jobs:       jobsRepo,
		Scanner:    scan,
		Orch:       orch,
		Runner:     runner,
		Broker:     broker,
	})

	go runScanTimer(ctx, cfg, scan, logger)
	go runSweepTimer(ctx, cfg, orch, logger)
	go watchApplied(ctx, cfg, broker, containersRepo, poller, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown was not clean")
	}
	runner.Wait()
	logger.Info("Shutdown complete")
}

// runScanTimer drives the periodic fleet check.
func runScanTimer(ctx context.Context, cfg *config.Config, scan *scanner.Scanner, logger *logrus.Logger) {
	ticker := time.NewTicker(cfg.Scanner.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, _, err := scan.RunCheck(ctx, "scheduler", nil, cfg.Snapshot()); err != nil {
				logger.WithError(err).Error("Scheduled check failed to start")
			}
		case <-ctx.Done():
			return
		}
	}
}

// runSweepTimer drives the periodic orchestration sweep.
func runSweepTimer(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, logger *logrus.Logger) {
	ticker := time.NewTicker(cfg.Orchestrator.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := orch.Sweep(ctx, cfg.Snapshot()); err != nil {
				logger.WithError(err).Error("Scheduled sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchApplied starts a pending-scan job for every applied update, so the
// freshly recreated container gets a vulnerability result once the
// external scanner discovers it.
func watchApplied(ctx context.Context, cfg *config.Config, broker *events.Broker,
	containers *repositories.ContainerRepository, poller *jobs.PendingScanPoller,
	logger *logrus.Logger) {

	if cfg.Scanner.VulnScannerURL == "" {
		return
	}
	ch, unsubscribe := broker.Subscribe()
	defer unsubscribe()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type != "update.applied" {
				continue
			}
			payload, ok := event.Payload.(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := payload["container"].(string)
			container, err := containers.GetByName(ctx, name)
			if err != nil {
				logger.WithError(err).WithField("container", name).
					Warn("Applied update for unknown container")
				continue
			}
			if _, _, err := poller.Start(ctx, container.ID, container.ImageRef,
				container.CurrentTag, "apply", cfg.Snapshot()); err != nil {
				logger.WithError(err).WithField("container", name).
					Warn("Failed to start pending scan")
			}
		case <-ctx.Done():
			return
		}
	}
}

// initLogger configures logrus from the logging section.
func initLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// initDatabase connects and migrates the configured database.
func initDatabase(cfg *config.Config, logger *logrus.Logger) (database.Database, error) {
	logger.WithField("type", cfg.Database.Type).Info("Initializing database connection")
	db, err := database.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Connect(); err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
