// Package config loads the process configuration described in spec §6.4:
// a fail-fast environment-variable surface layered over optional TOML
// defaults for the non-secret tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/naoina/toml"
)

const envPrefix = "INGEST"

// Config is the fully resolved process configuration.
type Config struct {
	UpstreamStreamURL    string `envconfig:"UPSTREAM_STREAM_URL" required:"true"`
	WarehouseURL         string `envconfig:"WAREHOUSE_URL" required:"true"`
	WarehouseCredentials string `envconfig:"WAREHOUSE_CREDENTIALS" required:"true"`

	StoreHost     string `envconfig:"STORE_HOST" required:"true"`
	StoreUser     string `envconfig:"STORE_USER" required:"true"`
	StorePassword string `envconfig:"STORE_PASSWORD" required:"true"`

	ScheduleBatchCron string `envconfig:"SCHEDULE_BATCH_CRON" default:"0 * * * *"`
	ScheduleAuditCron string `envconfig:"SCHEDULE_AUDIT_CRON" default:"0 */3 * * *"`

	StalenessThresholdSeconds int `envconfig:"STALENESS_THRESHOLD_SECONDS" default:"960"`
	GapGraceSeconds           int `envconfig:"GAP_GRACE_SECONDS" default:"1800"`

	HeartbeatURL string `envconfig:"HEARTBEAT_URL"`
	AlertURL     string `envconfig:"ALERT_URL"`
	AlertToken   string `envconfig:"ALERT_TOKEN"`

	HealthAddr string `envconfig:"HEALTH_ADDR" default:":8090"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile    string `envconfig:"LOG_FILE"`
}

// fileDefaults is the subset of Config that may be supplied by an optional
// TOML defaults file. Secrets are never read from the file.
type fileDefaults struct {
	ScheduleBatchCron         string
	ScheduleAuditCron         string
	StalenessThresholdSeconds int
	GapGraceSeconds           int
	HealthAddr                string
	LogLevel                  string
	LogFile                   string
}

// Load reads an optional TOML defaults file at path (skipped if path is
// empty or the file does not exist), then overlays required and optional
// environment variables. It fails fast if a required variable is missing
// or a value cannot be parsed.
func Load(path string) (Config, error) {
	if path != "" {
		if err := applyFileDefaults(path); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load environment config: %w", err)
	}
	normalizeSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFileDefaults(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var defaults fileDefaults
	if err := toml.Unmarshal(data, &defaults); err != nil {
		return err
	}
	setenvIfUnset("SCHEDULE_BATCH_CRON", defaults.ScheduleBatchCron)
	setenvIfUnset("SCHEDULE_AUDIT_CRON", defaults.ScheduleAuditCron)
	if defaults.StalenessThresholdSeconds != 0 {
		setenvIfUnset("STALENESS_THRESHOLD_SECONDS", fmt.Sprintf("%d", defaults.StalenessThresholdSeconds))
	}
	if defaults.GapGraceSeconds != 0 {
		setenvIfUnset("GAP_GRACE_SECONDS", fmt.Sprintf("%d", defaults.GapGraceSeconds))
	}
	setenvIfUnset("HEALTH_ADDR", defaults.HealthAddr)
	setenvIfUnset("LOG_LEVEL", defaults.LogLevel)
	setenvIfUnset("LOG_FILE", defaults.LogFile)
	return nil
}

func setenvIfUnset(name, value string) {
	if value == "" {
		return
	}
	if _, set := os.LookupEnv(name); set {
		return
	}
	_ = os.Setenv(name, value)
}

// normalizeSecrets trims whitespace from every loaded secret, per the
// ".strip() gotcha" design note (spec §9): secrets fetched from a secret
// store often carry trailing whitespace, so normalization happens once
// here rather than being scattered across call sites.
func normalizeSecrets(cfg *Config) {
	cfg.UpstreamStreamURL = strings.TrimSpace(cfg.UpstreamStreamURL)
	cfg.WarehouseCredentials = strings.TrimSpace(cfg.WarehouseCredentials)
	cfg.StoreHost = strings.TrimSpace(cfg.StoreHost)
	cfg.StoreUser = strings.TrimSpace(cfg.StoreUser)
	cfg.StorePassword = strings.TrimSpace(cfg.StorePassword)
	cfg.AlertToken = strings.TrimSpace(cfg.AlertToken)
}

// Validate checks cross-field constraints envconfig cannot express on its own.
func (c Config) Validate() error {
	if c.StalenessThresholdSeconds <= 0 {
		return fmt.Errorf("STALENESS_THRESHOLD_SECONDS must be positive, got %d", c.StalenessThresholdSeconds)
	}
	if c.GapGraceSeconds <= 0 {
		return fmt.Errorf("GAP_GRACE_SECONDS must be positive, got %d", c.GapGraceSeconds)
	}
	if c.AlertURL != "" && c.AlertToken == "" {
		return fmt.Errorf("ALERT_TOKEN is required when ALERT_URL is set")
	}
	return nil
}

// StalenessThreshold returns the configured staleness threshold as a
// time.Duration.
func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}

// GapGrace returns the configured gap grace window as a time.Duration.
func (c Config) GapGrace() time.Duration {
	return time.Duration(c.GapGraceSeconds) * time.Second
}
