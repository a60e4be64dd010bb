// Package config loads the gateway's process configuration from the
// environment and its optional YAML seed file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the process configuration. Every field maps to one environment
// variable; defaults are provided via struct tags.
type Config struct {
	Addr     string `env:"GATEWAY_ADDR,default=:8080"`
	BasePath string `env:"PUBLIC_BASE_PATH"`
	// PublicURL is the externally visible origin, used in the admin
	// protected resource metadata. Empty disables that document.
	PublicURL string `env:"PUBLIC_URL"`

	StorageBackend string        `env:"STORAGE_BACKEND,default=memory"`
	StorageTimeout time.Duration `env:"STORAGE_TIMEOUT,default=10s"`
	RedisAddr      string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisDB        int           `env:"REDIS_DB,default=0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX,default=mcpgw:storage:"`
	SQLitePath     string        `env:"SQLITE_PATH,default=mcp-gateway.db"`

	MaxSessions             int           `env:"MAX_SESSIONS,default=1000"`
	MaxSessionsPerWorkspace int           `env:"MAX_SESSIONS_PER_WORKSPACE,default=50"`
	SessionQueueSize        int           `env:"SESSION_QUEUE_SIZE,default=64"`
	KeepaliveInterval       time.Duration `env:"KEEPALIVE_INTERVAL,default=15s"`

	// Exactly one admin verifier is built: HS256 secret first, then JWKS,
	// then OIDC discovery. With none set the admin API is not mounted.
	AdminJWTSecret  string `env:"ADMIN_JWT_SECRET"`
	AdminJWKSURL    string `env:"ADMIN_JWKS_URL"`
	AdminOIDCIssuer string `env:"ADMIN_OIDC_ISSUER"`
	AdminAudience   string `env:"ADMIN_AUDIENCE"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	SeedFile  string `env:"SEED_FILE"`
	SeedWatch bool   `env:"SEED_WATCH,default=false"`
}

// Load reads the environment into a Config. The given dotenv files are loaded
// first and must exist; without any, a .env file in the working directory is
// loaded if present. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	switch c.StorageBackend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND: unknown backend %q", c.StorageBackend))
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("STORAGE_TIMEOUT must be positive"))
	}
	if c.SessionQueueSize <= 0 {
		errs = append(errs, errors.New("SESSION_QUEUE_SIZE must be positive"))
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_PATH: %q must start with /", c.BasePath))
	}
	c.BasePath = strings.TrimRight(c.BasePath, "/")
	if c.SeedWatch && c.SeedFile == "" {
		errs = append(errs, errors.New("SEED_WATCH requires SEED_FILE"))
	}
	return errors.Join(errs...)
}

// Level parses LOG_LEVEL.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// AdminEnabled reports whether any admin verifier is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminJWTSecret != "" || c.AdminJWKSURL != "" || c.AdminOIDCIssuer != ""
}
