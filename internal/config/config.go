// Package config loads application configuration with viper. Runtime
// tunables that scans and sweeps depend on are exposed as an explicit
// Settings snapshot taken per run, not as process-global mutable state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WindowEnforcement controls how maintenance windows are honored.
const (
	WindowStrict   = "strict"
	WindowAdvisory = "advisory"
)

// Config holds all configuration for the application
type Config struct {
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		Mode            string        `mapstructure:"mode"`
	} `mapstructure:"server"`

	Database struct {
		Type     string `mapstructure:"type"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"ssl_mode"`
		SQLite   struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"database"`

	Docker  DockerConfig  `mapstructure:"docker"`
	Scanner ScannerConfig `mapstructure:"scanner"`

	Orchestrator struct {
		SweepInterval     time.Duration `mapstructure:"sweep_interval"`
		WindowEnforcement string        `mapstructure:"window_enforcement"`
		MaxRetries        int           `mapstructure:"max_retries"`
		BackoffMultiplier int           `mapstructure:"backoff_multiplier"`
		BackupDir         string        `mapstructure:"backup_dir"`
	} `mapstructure:"orchestrator"`

	Updates struct {
		IncludePrerelease bool `mapstructure:"include_prerelease"`
		PendingScanPolls  int  `mapstructure:"pending_scan_polls"`
		TriggerAttemptCap int  `mapstructure:"trigger_attempt_cap"`
	} `mapstructure:"updates"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// DockerConfig holds the connection settings for the Docker daemon.
type DockerConfig struct {
	Host       string        `mapstructure:"host"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ScannerConfig holds the fleet-scan cadence and registry client limits.
type ScannerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RegistryRPS    float64       `mapstructure:"registry_rps"`
	RegistryBurst  int           `mapstructure:"registry_burst"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	VulnScannerURL string        `mapstructure:"vuln_scanner_url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Settings is the per-run snapshot of the tunables the engine consults
// during one scan or orchestration sweep. Components receive it explicitly
// so a mid-run config change cannot be observed halfway through.
type Settings struct {
	IncludePrerelease bool
	WindowEnforcement string
	MaxRetries        int
	BackoffMultiplier int
	BackupDir         string
	PendingScanPolls  int
	TriggerAttemptCap int
}

// Snapshot derives the engine settings from the loaded configuration.
func (c *Config) Snapshot() Settings {
	return Settings{
		IncludePrerelease: c.Updates.IncludePrerelease,
		WindowEnforcement: c.Orchestrator.WindowEnforcement,
		MaxRetries:        c.Orchestrator.MaxRetries,
		BackoffMultiplier: c.Orchestrator.BackoffMultiplier,
		BackupDir:         c.Orchestrator.BackupDir,
		PendingScanPolls:  c.Updates.PendingScanPolls,
		TriggerAttemptCap: c.Updates.TriggerAttemptCap,
	}
}

// LoadConfig reads configuration from file and environment
func LoadConfig() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/harborwatch")
	viper.SetEnvPrefix("HARBORWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field consistency of the loaded configuration.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	switch c.Orchestrator.WindowEnforcement {
	case WindowStrict, WindowAdvisory:
	default:
		return fmt.Errorf("unsupported window enforcement mode: %s", c.Orchestrator.WindowEnforcement)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Orchestrator.BackoffMultiplier < 2 {
		return fmt.Errorf("backoff_multiplier must be at least 2")
	}
	if c.Updates.PendingScanPolls <= 0 {
		return fmt.Errorf("pending_scan_polls must be positive")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.sqlite.path", "harborwatch.db")
	viper.SetDefault("database.ssl_mode", "disable")

	viper.SetDefault("docker.host", "unix:///var/run/docker.sock")
	viper.SetDefault("docker.timeout", "30s")

	viper.SetDefault("scanner.interval", "6h")
	viper.SetDefault("scanner.registry_rps", 2.0)
	viper.SetDefault("scanner.registry_burst", 5)
	viper.SetDefault("scanner.request_timeout", "15s")
	viper.SetDefault("scanner.poll_interval", "30s")

	viper.SetDefault("orchestrator.sweep_interval", "5m")
	viper.SetDefault("orchestrator.window_enforcement", WindowStrict)
	viper.SetDefault("orchestrator.max_retries", 3)
	viper.SetDefault("orchestrator.backoff_multiplier", 3)
	viper.SetDefault("orchestrator.backup_dir", "backups")

	viper.SetDefault("updates.include_prerelease", false)
	viper.SetDefault("updates.pending_scan_polls", 10)
	viper.SetDefault("updates.trigger_attempt_cap", 3)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
