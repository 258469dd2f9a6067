package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// General
	// ----------------------------
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseDriver         string        `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL            string        `envconfig:"DATABASE_URL" required:"true"`
	DatabaseConnectTimeout time.Duration `envconfig:"DATABASE_CONNECT_TIMEOUT" default:"30s"`

	// ----------------------------
	// Email
	// ----------------------------
	EmailTransport  string  `envconfig:"EMAIL_TRANSPORT" default:"resend"`
	EmailFrom       string  `envconfig:"EMAIL_FROM" default:"noreply@example.com"`
	ResendAPIKey    string  `envconfig:"RESEND_API_KEY" default:""`
	ResendRateLimit float64 `envconfig:"RESEND_RATE_LIMIT" default:"2"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`

	// ----------------------------
	// Newsletter
	// ----------------------------
	MaxBatchSize int           `envconfig:"MAX_BATCH_SIZE" default:"100"`
	BatchDelay   time.Duration `envconfig:"BATCH_DELAY" default:"100ms"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"3"`

	// ----------------------------
	// Worker
	// ----------------------------
	PollInterval    time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"60s"`
	StaleAfter      time.Duration `envconfig:"WORKER_STALE_AFTER" default:"2m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort      string  `envconfig:"API_PORT" default:"8080"`
	APIKey       string  `envconfig:"API_KEY" default:""`
	APIRateLimit float64 `envconfig:"API_RATE_LIMIT" default:"20"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Production() bool {
	return c.Environment == "production"
}

func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL: must not be empty"))
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER: unknown driver %q", c.DatabaseDriver))
	}

	switch c.EmailTransport {
	case "resend":
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("RESEND_API_KEY: required when EMAIL_TRANSPORT=resend"))
		}
	case "smtp":
	default:
		errs = append(errs, fmt.Errorf("EMAIL_TRANSPORT: unknown transport %q", c.EmailTransport))
	}

	if c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("MAX_BATCH_SIZE: must be positive"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES: must be positive"))
	}
	if c.BatchDelay < 0 {
		errs = append(errs, errors.New("BATCH_DELAY: must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL: must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("WORKER_SHUTDOWN_TIMEOUT: must be positive"))
	}
	if c.StaleAfter <= c.PollInterval {
		errs = append(errs, errors.New("WORKER_STALE_AFTER: must exceed WORKER_POLL_INTERVAL"))
	}
	if c.Production() && c.APIKey == "" {
		errs = append(errs, errors.New("API_KEY: required in production"))
	}

	return errors.Join(errs...)
}
