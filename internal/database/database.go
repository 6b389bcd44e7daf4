// Package database provides the persistence layer: a Database interface
// with SQLite and PostgreSQL implementations selected by configuration.
package database

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/models"
)

// Database represents the interface for database operations
type Database interface {
	// DB returns the underlying database instance
	DB() *gorm.DB

	// Connect establishes a connection to the database
	Connect() error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Ping checks if the database is reachable
	Ping() error

	// Transaction executes the given function within a transaction
	Transaction(fn func(tx *gorm.DB) error) error
}

// New returns a database instance based on the configuration and logger.
func New(cfg *config.Config, log *logrus.Logger) (Database, error) {
	switch cfg.Database.Type {
	case "postgres":
		return NewPostgresDB(cfg, log), nil
	case "sqlite":
		return NewSQLiteDB(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

// entities is the closed set of persisted models; migrations cover exactly
// these tables.
func entities() []interface{} {
	return []interface{}{
		&models.Container{},
		&models.Update{},
		&models.UpdateHistory{},
		&models.Job{},
		&models.DockerfileDependency{},
		&models.AppDependency{},
		&models.HttpServer{},
	}
}

// migrate runs schema migrations for all persisted entities.
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(entities()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// logrusWriter adapts a logrus logger to gorm's logger.Writer.
type logrusWriter struct {
	log *logrus.Logger
}

func (w logrusWriter) Printf(format string, args ...interface{}) {
	w.log.Tracef(format, args...)
}

// newGormLogger builds a gorm logger backed by the application logger.
func newGormLogger(log *logrus.Logger, level string) logger.Interface {
	return logger.New(logrusWriter{log: log}, logger.Config{
		LogLevel:                  gormLogLevel(level),
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning":
		return logger.Warn
	case "error", "fatal", "panic":
		return logger.Error
	default:
		return logger.Silent
	}
}
