package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds shared runtime configuration for the API and worker services.
// Everything has a default suitable for local development; production overrides
// come from the environment.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Empty DSN selects the in-memory store (dev mode, no infrastructure).
	PostgresDSN string `env:"POSTGRES_DSN"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WorkerID           string        `env:"WORKER_ID"`
	LeaseDuration      time.Duration `env:"LEASE_DURATION" envDefault:"300s"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	MaxConcurrentJobs  int           `env:"MAX_CONCURRENT_JOBS" envDefault:"1"`
	ExtendThresholdPct int           `env:"LEASE_EXTEND_THRESHOLD_PCT" envDefault:"50"`
	ShutdownGrace      time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ReapInterval       time.Duration `env:"REAP_INTERVAL" envDefault:"60s"`

	// Zero disables retention cleanup entirely.
	RetentionAge time.Duration `env:"RETENTION_AGE" envDefault:"0"`

	MountRoot       string `env:"MOUNT_ROOT" envDefault:"/media"`
	VerifyStrategy  string `env:"VERIFY_STRATEGY" envDefault:"sampling"`
	VerifySamplePct int    `env:"VERIFY_SAMPLE_PCT" envDefault:"20"`
	VerifyMinSample int    `env:"VERIFY_MIN_SAMPLE" envDefault:"10"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"5"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be >= 1, got %d", c.MaxConcurrentJobs)
	}
	if c.ExtendThresholdPct <= 0 || c.ExtendThresholdPct >= 100 {
		return fmt.Errorf("LEASE_EXTEND_THRESHOLD_PCT must be in (0,100), got %d", c.ExtendThresholdPct)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.VerifySamplePct < 0 || c.VerifySamplePct > 100 {
		return fmt.Errorf("VERIFY_SAMPLE_PCT must be in [0,100], got %d", c.VerifySamplePct)
	}
	return nil
}

// WorkerIdentity returns the configured worker ID, falling back to
// hostname-pid so concurrent processes on one host stay distinguishable.
func (c Config) WorkerIdentity() string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
