// Package config builds the server configuration from flags, CHATHUB_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "CHATHUB_"

// Config holds every runtime setting of the server process.
type Config struct {
	Addr   string
	WTAddr string
	TLS    TLSConfig

	DBPath      string
	PostgresURL string
	RedisURL    string
	BlobsDir    string

	JWTSecret string

	SendBuffer     int
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	StatsInterval time.Duration
	Debug         bool
	LogFormat     string
}

// TLSConfig points at a certificate for the WebTransport listener. Both
// empty selects a generated self-signed certificate.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	Validity time.Duration
	Hostname string
}

// RateLimitConfig bounds inbound payloads per connection.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Load parses args (without the program name). Flag defaults come from the
// environment, which a .env file in the working directory may populate.
// Positional arguments left after the flags are returned as the second value.
func Load(args []string) (*Config, []string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env file could not be loaded", "err", err)
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("chathub", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", getEnv("ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.WTAddr, "wt-addr", getEnv("WT_ADDR", ""), "WebTransport (HTTP/3) listen address; empty disables it")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", getEnv("TLS_CERT", ""), "TLS certificate file for WebTransport")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", getEnv("TLS_KEY", ""), "TLS key file for WebTransport")
	fs.DurationVar(&cfg.TLS.Validity, "tls-validity", getDuration("TLS_VALIDITY", 14*24*time.Hour), "validity of the generated self-signed certificate")
	fs.StringVar(&cfg.TLS.Hostname, "tls-hostname", getEnv("TLS_HOSTNAME", ""), "extra hostname for the generated certificate")
	fs.StringVar(&cfg.DBPath, "db", getEnv("DB", "chathub.db"), "SQLite database path")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", getEnv("POSTGRES_URL", ""), "Postgres DSN; when set users and mutes live in postgres")
	fs.StringVar(&cfg.RedisURL, "redis-url", getEnv("REDIS_URL", ""), "Redis URL; when set chat history lives in redis")
	fs.StringVar(&cfg.BlobsDir, "blobs-dir", getEnv("BLOBS_DIR", ""), "Blob directory path (defaults to <db-dir>/blobs)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", getEnv("JWT_SECRET", ""), "HS256 secret for access tokens")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", getInt("SEND_BUFFER", 64), "outbound events buffered per connection")
	fs.Int64Var(&cfg.MaxMessageSize, "max-message-size", int64(getInt("MAX_MESSAGE_SIZE", 64<<10)), "largest inbound payload in bytes")
	fs.Float64Var(&cfg.RateLimit.PerSecond, "rate", getFloat("RATE_LIMIT", 0), "inbound payloads per second per connection; 0 (default) disables")
	fs.IntVar(&cfg.RateLimit.Burst, "burst", getInt("RATE_BURST", 10), "inbound payload burst per connection")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", getDuration("STATS_INTERVAL", time.Minute), "stats log interval; 0 disables")
	fs.BoolVar(&cfg.Debug, "debug", getBool("DEBUG", false), "Enable debug logging")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log output format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// Validate reports the first setting that cannot be served.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.JWTSecret) == "":
		return fmt.Errorf("jwt secret is required (-jwt-secret or %sJWT_SECRET)", envPrefix)
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("listen address is required")
	case strings.TrimSpace(c.DBPath) == "":
		return fmt.Errorf("sqlite database path is required")
	case c.SendBuffer <= 0:
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	case c.RateLimit.PerSecond < 0:
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit.PerSecond)
	case c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0:
		return fmt.Errorf("rate burst must be positive, got %d", c.RateLimit.Burst)
	case c.StatsInterval < 0:
		return fmt.Errorf("stats interval must not be negative")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	case (c.TLS.CertFile == "") != (c.TLS.KeyFile == ""):
		return fmt.Errorf("tls cert and key must be set together")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return def
}
