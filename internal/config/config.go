package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration, constructed once at startup and passed
// into each component's constructor.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Backup   BackupConfig   `yaml:"backup"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig configures snapshot creation and retention.
type BackupConfig struct {
	Dir            string `yaml:"dir"`
	MaxAutoBackups int    `yaml:"max_auto_backups"`
	RetentionDays  int    `yaml:"retention_days"`
	Compress       bool   `yaml:"compress"`
	Verify         bool   `yaml:"verify"`
}

// DedupConfig configures the deduplication engine.
type DedupConfig struct {
	BatchSize  int  `yaml:"batch_size"`
	FetchLimit int  `yaml:"fetch_limit"`
	PreBackup  bool `yaml:"pre_backup"`
}

// WorkflowConfig configures the orchestrator.
type WorkflowConfig struct {
	AutoDedup         bool   `yaml:"auto_dedup"`
	DedupThreshold    int    `yaml:"dedup_threshold"`
	DedupInterval     string `yaml:"dedup_interval"`
	ValidationEnabled bool   `yaml:"validation_enabled"`
	MaxDedupFailures  int    `yaml:"max_dedup_failures"`
	WatchInterval     string `yaml:"watch_interval"`
	SessionCap        string `yaml:"session_cap"`
	StagingRetention  string `yaml:"staging_retention"`
	LogRetentionDays  int    `yaml:"log_retention_days"`
}

// ParseDedupInterval returns the minimum gap between scheduled dedup runs.
func (w WorkflowConfig) ParseDedupInterval() time.Duration {
	return parseDuration(w.DedupInterval, 30*time.Minute)
}

// ParseWatchInterval returns the daemon loop tick.
func (w WorkflowConfig) ParseWatchInterval() time.Duration {
	return parseDuration(w.WatchInterval, 5*time.Minute)
}

// ParseSessionCap returns the daemon session duration cap; zero means no cap.
func (w WorkflowConfig) ParseSessionCap() time.Duration {
	return parseDuration(w.SessionCap, 0)
}

// ParseStagingRetention returns how long staging rows are kept.
func (w WorkflowConfig) ParseStagingRetention() time.Duration {
	return parseDuration(w.StagingRetention, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ServerConfig configures the HTTP status server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./data/wechat_jds.db"},
		Backup: BackupConfig{
			Dir:            "./backups",
			MaxAutoBackups: 10,
			RetentionDays:  30,
			Compress:       true,
			Verify:         true,
		},
		Dedup: DedupConfig{
			BatchSize:  500,
			FetchLimit: 10000,
			PreBackup:  true,
		},
		Workflow: WorkflowConfig{
			AutoDedup:         true,
			DedupThreshold:    100,
			DedupInterval:     "30m",
			ValidationEnabled: true,
			MaxDedupFailures:  3,
			WatchInterval:     "5m",
			StagingRetention:  "24h",
			LogRetentionDays:  30,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WECHAT_LISTENER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WECHAT_LISTENER_BACKUP_DIR"); v != "" {
		cfg.Backup.Dir = v
	}
	if v := os.Getenv("WECHAT_LISTENER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WECHAT_LISTENER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
