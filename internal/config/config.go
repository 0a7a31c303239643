// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// QueueVariant selects the storage strategy: "pledge" keeps state in
	// structured columns, "outbox" derives it from an append-only status
	// trail. Both sides of the binary (worker and operator API) follow it.
	QueueVariant        string `env:"QUEUE_VARIANT"         envDefault:"pledge"`
	PollIntervalSeconds int    `env:"POLL_INTERVAL_SECONDS" envDefault:"15"`
	BatchSize           int    `env:"BATCH_SIZE"            envDefault:"25"`
	StaleAfterMinutes   int    `env:"STALE_AFTER_MINUTES"   envDefault:"30"`
	MaxAttempts         int    `env:"MAX_ATTEMPTS"          envDefault:"8"`
	BackoffBaseSeconds  int    `env:"BACKOFF_BASE_SECONDS"  envDefault:"60"`
	BackoffMaxSeconds   int    `env:"BACKOFF_MAX_SECONDS"   envDefault:"3600"`

	// ── Duplicate detection ──────────────────────────────────────────────────────
	DedupeWindowBeforeDays int   `env:"DEDUPE_WINDOW_BEFORE_DAYS" envDefault:"7"`
	DedupeWindowAfterDays  int   `env:"DEDUPE_WINDOW_AFTER_DAYS"  envDefault:"2"`
	DedupeTolerancePence   int64 `env:"DEDUPE_TOLERANCE_PENCE"    envDefault:"1"`

	// ── Giving API ───────────────────────────────────────────────────────────────
	GivingBaseURL string `env:"GIVING_BASE_URL,required"`
	GivingToken   string `env:"GIVING_TOKEN"`
	GivingAPIKey  string `env:"GIVING_API_KEY"`
	// GivingPostingEnabled is the static kill-switch. Flip to false and
	// restart to stop all submissions; the per-batch policy check also
	// suppresses anything already claimed.
	GivingPostingEnabled bool `env:"GIVING_POSTING_ENABLED" envDefault:"true"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"pledge-relay@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"true"`
	// AlertEmails is a comma-separated recipient list; empty disables alerts.
	AlertEmails string `env:"ALERT_EMAILS"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses, validates, and returns Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the floors the queue's timing math depends on. Bad values
// are rejected, not clamped, so a typo in deployment config fails loudly.
func (c *Config) Validate() error {
	if c.QueueVariant != "pledge" && c.QueueVariant != "outbox" {
		return fmt.Errorf("config: QUEUE_VARIANT must be \"pledge\" or \"outbox\", got %q", c.QueueVariant)
	}
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("config: POLL_INTERVAL_SECONDS must be >= 1, got %d", c.PollIntervalSeconds)
	}
	if c.BatchSize < 1 || c.BatchSize > 200 {
		return fmt.Errorf("config: BATCH_SIZE must be in [1, 200], got %d", c.BatchSize)
	}
	if c.StaleAfterMinutes < 1 {
		return fmt.Errorf("config: STALE_AFTER_MINUTES must be >= 1, got %d", c.StaleAfterMinutes)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBaseSeconds < 1 {
		return fmt.Errorf("config: BACKOFF_BASE_SECONDS must be >= 1, got %d", c.BackoffBaseSeconds)
	}
	if c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("config: BACKOFF_MAX_SECONDS (%d) must be >= BACKOFF_BASE_SECONDS (%d)",
			c.BackoffMaxSeconds, c.BackoffBaseSeconds)
	}
	if c.DedupeWindowBeforeDays < 0 || c.DedupeWindowAfterDays < 0 {
		return fmt.Errorf("config: dedupe window days must be >= 0")
	}
	if c.DedupeTolerancePence < 0 {
		return fmt.Errorf("config: DEDUPE_TOLERANCE_PENCE must be >= 0, got %d", c.DedupeTolerancePence)
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StaleAfter returns the stale-processing threshold as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// BackoffBase returns the first retry delay as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay cap as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// AlertRecipients splits ALERT_EMAILS into a trimmed list.
func (c *Config) AlertRecipients() []string {
	if c.AlertEmails == "" {
		return nil
	}
	parts := strings.Split(c.AlertEmails, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
