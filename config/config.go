/*
config.go - Server configuration

PURPOSE:
  Collects the settings the server needs at startup. Values come from the
  process environment, optionally seeded from a .env file, and command-line
  flags override them.

KEYS:
  PORT            HTTP port (default 8080)
  DB_DRIVER       sqlite | postgres (default sqlite)
  DB_PATH         SQLite file, ":memory:" for tests (default production.db)
  DATABASE_URL    Postgres DSN, required when DB_DRIVER=postgres
  LOG_LEVEL       logrus level name (default info)
  JWT_SECRET      HMAC secret for bearer tokens
  REDIS_ADDR      host:port of the event bus; empty disables publishing
  REDIS_PASSWORD
  REDIS_DB
  RATE_LIMIT      limiter rate for submit/revert, e.g. "10-M"
  CORS_ORIGINS    comma separated allowed origins

SEE ALSO:
  - config/logger.go: logger construction
  - cmd/server/main.go: flag wiring
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	DBDriver    string
	DBPath      string
	DatabaseURL string
	LogLevel    string
	JWTSecret   string
	Redis       RedisConfig
	RateLimit   string
	CORSOrigins []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether an event bus is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load reads the .env file if present, then the environment. A missing .env
// file is not an error.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file: %w", err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PORT: %w", err)
	}
	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return Config{
		Port:        port,
		DBDriver:    getEnv("DB_DRIVER", "sqlite"),
		DBPath:      getEnv("DB_PATH", "production.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		RateLimit:   getEnv("RATE_LIMIT", "10-M"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
	}, nil
}

// BindFlags registers flags that override the loaded values. Call before
// flag.Parse.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.DBDriver, "driver", c.DBDriver, "database driver (sqlite or postgres)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.Redis.Addr, "redis", c.Redis.Addr, "Redis address for event publishing")
}

// Validate checks combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "sqlite3":
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for sqlite")
		}
	case "postgres", "pgx":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

// DSN returns the data source for the configured driver.
func (c Config) DSN() string {
	if c.DBDriver == "postgres" || c.DBDriver == "pgx" {
		return c.DatabaseURL
	}
	return c.DBPath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
