package server

import (
	"time"

	"github.com/Tyrowin/convochat/internal/config"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the transport settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// ConfigFrom extracts the transport settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: append([]string(nil), cfg.Server.AllowedOrigins...),
		MaxMessageSize: cfg.Server.MaxMessageSize,
		SendBufferSize: cfg.Server.SendBufferSize,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval.Std(),
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := NewConfig()
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}
