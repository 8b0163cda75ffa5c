package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Broker    BrokerConfig    `yaml:"broker"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP and WebSocket transport settings.
type ServerConfig struct {
	Port            string   `yaml:"port" envconfig:"SERVER_PORT" validate:"required"`
	AllowedOrigins  []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64    `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	SendBufferSize  int      `yaml:"send_buffer_size" envconfig:"SEND_BUFFER_SIZE" validate:"gt=0"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// RateLimitConfig defines the per-connection inbound message budget.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst" envconfig:"RATE_LIMIT_BURST" validate:"gt=0"`
	RefillInterval Duration `yaml:"refill_interval" envconfig:"RATE_LIMIT_REFILL_INTERVAL"`
}

type BrokerConfig struct {
	Shards                   int  `yaml:"shards" envconfig:"BROKER_SHARDS" validate:"gte=1,lte=4096"`
	CloseOnCreatorDisconnect bool `yaml:"close_on_creator_disconnect" envconfig:"CLOSE_ON_CREATOR_DISCONNECT"`
}

type AuthConfig struct {
	JWTSecret  string   `yaml:"jwt_secret" envconfig:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL   Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL"`
	BcryptCost int      `yaml:"bcrypt_cost" envconfig:"BCRYPT_COST" validate:"gte=4,lte=31"`

	// SecretGenerated is set when no secret was configured and a random one
	// was created for this process.
	SecretGenerated bool `yaml:"-" ignored:"true"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"DATABASE_PATH" validate:"required"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            ":8080",
			AllowedOrigins:  []string{"http://localhost:8080"},
			MaxMessageSize:  4096,
			SendBufferSize:  256,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: Duration(time.Second),
		},
		Broker: BrokerConfig{
			Shards: 32,
		},
		Auth: AuthConfig{
			TokenTTL:   Duration(24 * time.Hour),
			BcryptCost: 12,
		},
		Database: DatabaseConfig{
			Path: "data/convochat.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadDotEnv seeds the process environment from the given files, or from
// ./.env when none are named. Missing files are not an error and variables
// already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := sanitize(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or with nothing when
// it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func sanitize(cfg *Config) error {
	defaults := Default()

	cfg.Server.Port = strings.TrimSpace(cfg.Server.Port)
	if cfg.Server.Port == "" {
		cfg.Server.Port = defaults.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}

	origins := cfg.Server.AllowedOrigins[:0]
	for _, o := range cfg.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.Server.AllowedOrigins = origins

	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = defaults.Server.MaxMessageSize
	}
	if cfg.Server.SendBufferSize <= 0 {
		cfg.Server.SendBufferSize = defaults.Server.SendBufferSize
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.Broker.Shards <= 0 {
		cfg.Broker.Shards = defaults.Broker.Shards
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = defaults.Auth.TokenTTL
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = defaults.Auth.BcryptCost
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))

	if cfg.Auth.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		cfg.Auth.SecretGenerated = true
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
