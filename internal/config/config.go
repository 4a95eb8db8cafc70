package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezkam/gridx/internal/env"
)

// Config holds the coordinator configuration.
type Config struct {
	// Server Configuration
	HTTPPort   string `env:"GRIDX_HTTP_PORT" default:"8081"`
	StreamPort string `env:"GRIDX_STREAM_PORT" default:"8080"`

	// Storage Configuration
	// DBDSN is a sqlite file path or a postgres:// DSN.
	DBDSN string `env:"GRIDX_DB_DSN" default:"./gridx.db"`

	// Credit Economy
	InitialCredits decimal.Decimal `env:"GRIDX_INITIAL_CREDITS" default:"100.0"`
	JobCost        decimal.Decimal `env:"GRIDX_JOB_COST" default:"1.0"`
	WorkerReward   decimal.Decimal `env:"GRIDX_WORKER_REWARD" default:"0.8"`

	// Session Liveness
	HeartbeatInterval time.Duration `env:"GRIDX_HEARTBEAT_INTERVAL" default:"15s"`
	StaleThreshold    time.Duration `env:"GRIDX_STALE_THRESHOLD" default:"90s"`
	ExpireThreshold   time.Duration `env:"GRIDX_EXPIRE_THRESHOLD" default:"24h"`
	SweepInterval     time.Duration `env:"GRIDX_SWEEP_INTERVAL" default:"10s"`

	// Job Limits
	DefaultTimeout time.Duration `env:"GRIDX_DEFAULT_TIMEOUT" default:"300s"`
	MaxTimeout     time.Duration `env:"GRIDX_MAX_TIMEOUT" default:"3600s"`
	MaxCodeBytes   int64         `env:"GRIDX_MAX_CODE_BYTES" default:"1048576"`
	MaxOutputBytes int64         `env:"GRIDX_MAX_OUTPUT_BYTES" default:"65536"`

	// Scheduling
	RequeueAttempts int `env:"GRIDX_REQUEUE_ATTEMPTS" default:"3"`
	// HeadSkipAttempts > 0 lets a dispatch pass scan past a head-of-queue
	// job after that many failed picks; 0 keeps strict FIFO.
	HeadSkipAttempts int `env:"GRIDX_HEAD_SKIP_ATTEMPTS" default:"0"`

	// Lifecycle
	ShutdownTimeout time.Duration `env:"GRIDX_SHUTDOWN_TIMEOUT" default:"15s"`

	// Observability
	OTelEnabled bool `env:"GRIDX_OTEL_ENABLED" default:"false"`
}

// Load parses environment variables into a Config struct.
// It enforces the GRIDX_ prefix and validates value ranges.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBDSN == "" {
		return fmt.Errorf("GRIDX_DB_DSN must not be empty")
	}
	if c.InitialCredits.IsNegative() {
		return fmt.Errorf("GRIDX_INITIAL_CREDITS must not be negative")
	}
	if c.JobCost.IsNegative() {
		return fmt.Errorf("GRIDX_JOB_COST must not be negative")
	}
	if c.WorkerReward.IsNegative() {
		return fmt.Errorf("GRIDX_WORKER_REWARD must not be negative")
	}
	if c.StaleThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("GRIDX_STALE_THRESHOLD must exceed GRIDX_HEARTBEAT_INTERVAL")
	}
	if c.MaxTimeout < c.DefaultTimeout {
		return fmt.Errorf("GRIDX_MAX_TIMEOUT must be at least GRIDX_DEFAULT_TIMEOUT")
	}
	if c.MaxCodeBytes <= 0 {
		return fmt.Errorf("GRIDX_MAX_CODE_BYTES must be positive")
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("GRIDX_MAX_OUTPUT_BYTES must be positive")
	}
	if c.RequeueAttempts < 0 {
		return fmt.Errorf("GRIDX_REQUEUE_ATTEMPTS must not be negative")
	}
	return nil
}
