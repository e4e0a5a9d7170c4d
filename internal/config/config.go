// Package config loads service configuration from the environment and sets up
// structured logging.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the chat server. Values come from environment
// variables; defaults match a single-node development setup.
type Config struct {
	// WebSocket server
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`

	// Chat behaviour
	TypingWindow   time.Duration `env:"TYPING_WINDOW" envDefault:"3s"`
	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	LookupTimeout  time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"3s"`

	// Storage: "postgres" or "sqlite"
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"sqlite"`
	StorageDSN    string `env:"STORAGE_DSN" envDefault:"file:chat.db?_pragma=busy_timeout(5000)"`

	// Redis is optional; an empty address disables the participants cache and
	// the session mirror.
	RedisAddr       string        `env:"REDIS_ADDR"`
	ParticipantsTTL time.Duration `env:"PARTICIPANTS_TTL" envDefault:"10m"`
	ServerName      string        `env:"SERVER_NAME"`

	// NATS is optional; an empty URL keeps fan-out local to this instance.
	NATSURL string `env:"NATS_URL"`

	// Auth
	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	TokenCookie string `env:"TOKEN_COOKIE" envDefault:"token"`

	// HTTP
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Logging
	LogFile     string `env:"LOG_FILE"`
	LogLevelRaw string `env:"LOG_LEVEL" envDefault:"INFO"`
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StorageDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or sqlite, got %q", c.StorageDriver)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive")
	}
	if c.TypingWindow <= 0 {
		return fmt.Errorf("TYPING_WINDOW must be positive")
	}
	if c.PersistTimeout <= 0 || c.LookupTimeout <= 0 {
		return fmt.Errorf("PERSIST_TIMEOUT and LOOKUP_TIMEOUT must be positive")
	}
	return nil
}

// LogLevel returns the parsed slog level.
func (c Config) LogLevel() slog.Level {
	return ParseLogLevel(c.LogLevelRaw)
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
