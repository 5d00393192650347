// Package config loads runtime settings for the launchchat server from the
// environment, applying defaults and sanitizing out-of-range values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Presence store backends.
const (
	PresenceBackendSQL   = "sql"
	PresenceBackendRedis = "redis"
)

// RateLimitConfig defines the parameters for per-connection and per-identity
// rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	JWTSecret       string
	DatabaseURL     string
	PresenceBackend string
	RedisURL        string

	SendBuffer     int
	AuthTimeout    time.Duration
	HistoryDefault int
	HistoryMax     int
	MaxChatLength  int

	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		JWTSecret:       "",
		DatabaseURL:     "./data/database.sqlite",
		PresenceBackend: PresenceBackendSQL,
		RedisURL:        "redis://localhost:6379",
		SendBuffer:      256,
		AuthTimeout:     30 * time.Second,
		HistoryDefault:  50,
		HistoryMax:      200,
		MaxChatLength:   2000,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Sanitize replaces zero or invalid values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = def.DatabaseURL
	}
	switch cfg.PresenceBackend {
	case PresenceBackendSQL, PresenceBackendRedis:
	default:
		cfg.PresenceBackend = def.PresenceBackend
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = def.RedisURL
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = def.HistoryMax
	}
	if cfg.HistoryDefault <= 0 {
		cfg.HistoryDefault = def.HistoryDefault
	}
	if cfg.HistoryDefault > cfg.HistoryMax {
		cfg.HistoryDefault = cfg.HistoryMax
	}
	if cfg.MaxChatLength <= 0 {
		cfg.MaxChatLength = def.MaxChatLength
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Load reads an optional .env file from the working directory and then builds
// the configuration from environment variables.
func Load() Config {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv creates a Config from environment variables.
// Falls back to default values if environment variables are not set.
func FromEnv() Config {
	cfg := Default()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = normalizePort(port)
	} else if port := os.Getenv("PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if backend := os.Getenv("PRESENCE_BACKEND"); backend != "" {
		cfg.PresenceBackend = strings.ToLower(strings.TrimSpace(backend))
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	if buf := os.Getenv("SEND_BUFFER"); buf != "" {
		cfg.SendBuffer = parseIntValue(buf, cfg.SendBuffer)
	}

	if timeout := os.Getenv("AUTH_TIMEOUT"); timeout != "" {
		cfg.AuthTimeout = parseSeconds(timeout, cfg.AuthTimeout)
	}

	if def := os.Getenv("HISTORY_DEFAULT"); def != "" {
		cfg.HistoryDefault = parseIntValue(def, cfg.HistoryDefault)
	}

	if maxHistory := os.Getenv("HISTORY_MAX"); maxHistory != "" {
		cfg.HistoryMax = parseIntValue(maxHistory, cfg.HistoryMax)
	}

	if maxChat := os.Getenv("MAX_CHAT_LENGTH"); maxChat != "" {
		cfg.MaxChatLength = parseIntValue(maxChat, cfg.MaxChatLength)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	return Sanitize(cfg)
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port != "" && !strings.Contains(port, ":") {
		return ":" + port
	}
	return port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
