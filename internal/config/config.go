package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage drivers understood by cmd/api.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the process configuration, read from SIWE_* environment variables.
type Config struct {
	HTTPAddr string `env:"SIWE_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"SIWE_GRPC_ADDR" envDefault:":9090"`

	DBDriver string `env:"SIWE_DB_DRIVER" envDefault:"memory"`
	DBDSN    string `env:"SIWE_DB_DSN"`

	RedisAddr      string        `env:"SIWE_REDIS_ADDR"`
	RedisPassword  string        `env:"SIWE_REDIS_PASSWORD"`
	RedisDB        int           `env:"SIWE_REDIS_DB" envDefault:"0"`
	RedisPrefix    string        `env:"SIWE_REDIS_PREFIX" envDefault:"siwe:client:"`
	ClientCacheTTL time.Duration `env:"SIWE_CLIENT_CACHE_TTL" envDefault:"5m"`

	Log LogConfig

	RateBurst      int      `env:"SIWE_RATE_BURST" envDefault:"20"`
	RatePerSec     int      `env:"SIWE_RATE_PER_SEC" envDefault:"10"`
	MaxBodyBytes   int64    `env:"SIWE_MAX_BODY_BYTES" envDefault:"65536"`
	AllowedOrigins []string `env:"SIWE_ALLOWED_ORIGINS" envSeparator:","`
}

// LogConfig selects the zap encoder and level.
type LogConfig struct {
	Level  string `env:"SIWE_LOG_LEVEL" envDefault:"info"`
	Format string `env:"SIWE_LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then parses the environment.
// Variables already present in the environment win over the file.
func Load(dotenvPaths ...string) (Config, error) {
	if len(dotenvPaths) == 0 {
		dotenvPaths = []string{".env"}
	}
	for _, path := range dotenvPaths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch c.DBDriver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("config: SIWE_DB_DSN is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("config: unknown SIWE_DB_DRIVER %q", c.DBDriver)
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: rate limit values must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: SIWE_MAX_BODY_BYTES must be positive")
	}
	return nil
}
