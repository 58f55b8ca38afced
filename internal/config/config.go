package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the session engine.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"huddle"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	WSPingInterval   time.Duration `env:"APP_WS_PING_INTERVAL" envDefault:"50s"`

	DatabaseURL string `env:"DATABASE_URL"`

	// Wallet economy.
	InitialCredits int           `env:"WALLET_INITIAL_CREDITS" envDefault:"330"`
	ResetPeriod    time.Duration `env:"WALLET_RESET_PERIOD" envDefault:"168h"`

	// Session rules.
	MinDurationMinutes int           `env:"SESSION_MIN_DURATION_MIN" envDefault:"45"`
	MaxDurationMinutes int           `env:"SESSION_MAX_DURATION_MIN" envDefault:"75"`
	MaxInvitees        int           `env:"SESSION_MAX_INVITEES" envDefault:"3"`
	ConflictBuffer     time.Duration `env:"SESSION_CONFLICT_BUFFER" envDefault:"5m"`
	EligibilityRate    float64       `env:"SESSION_ELIGIBILITY_RATE" envDefault:"0.4"`
	JoinEarlyWindow    time.Duration `env:"SESSION_JOIN_EARLY_WINDOW" envDefault:"15m"`

	// SweepInterval enables the background reconciliation sweep when positive.
	// Zero keeps the engine purely read-triggered.
	SweepInterval      time.Duration `env:"APP_SWEEP_INTERVAL" envDefault:"0"`
	CancelledRetention time.Duration `env:"SESSION_CANCELLED_RETENTION" envDefault:"720h"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if c.InitialCredits <= 0 {
		return fmt.Errorf("WALLET_INITIAL_CREDITS must be positive")
	}
	if c.ResetPeriod < 24*time.Hour {
		return fmt.Errorf("WALLET_RESET_PERIOD must be at least 24h")
	}
	if c.MinDurationMinutes <= 0 || c.MaxDurationMinutes <= 0 {
		return fmt.Errorf("session duration bounds must be positive")
	}
	if c.MinDurationMinutes > c.MaxDurationMinutes {
		return fmt.Errorf("SESSION_MIN_DURATION_MIN must not exceed SESSION_MAX_DURATION_MIN")
	}
	if c.MaxInvitees <= 0 {
		return fmt.Errorf("SESSION_MAX_INVITEES must be positive")
	}
	if c.ConflictBuffer < 0 {
		return fmt.Errorf("SESSION_CONFLICT_BUFFER must not be negative")
	}
	if c.EligibilityRate <= 0 || c.EligibilityRate > 1 {
		return fmt.Errorf("SESSION_ELIGIBILITY_RATE must be in (0, 1]")
	}
	if c.JoinEarlyWindow < 0 {
		return fmt.Errorf("SESSION_JOIN_EARLY_WINDOW must not be negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("APP_SWEEP_INTERVAL must not be negative")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("APP_WS_PING_INTERVAL must be positive")
	}
	return nil
}
