// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the wh00t hub.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/wh00t/internal/metrics"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration.
type Config struct {
	Host string `yaml:"host"`
	// Port is the TCP chat port. Zero asks the OS for an ephemeral port and
	// is only accepted from code; LoadConfig requires an explicit port.
	Port int `yaml:"port"`

	// HTTPAddr enables the health endpoint and WebSocket gateway when set.
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	MaxMessageSize    int           `yaml:"max_message_size"`
	SecretMarker      string        `yaml:"secret_marker"`
	HistoryPace       time.Duration `yaml:"history_pace"`
	HistoryBurstPause time.Duration `yaml:"history_burst_pause"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxSessions       int           `yaml:"max_sessions"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	LogLevel      string         `yaml:"log_level"`
	LogFormat     string         `yaml:"log_format"`
	HandlesFile   string         `yaml:"handles_file"`
	StatsSchedule string         `yaml:"stats_schedule"`
	Metrics       metrics.Config `yaml:"metrics"`
}

const (
	defaultMaxMessageSize    = 4096
	defaultSecretMarker      = "/secret"
	defaultHistoryPace       = 25 * time.Millisecond
	defaultHistoryBurstPause = 250 * time.Millisecond
	defaultWriteTimeout      = 10 * time.Second
	defaultStatsSchedule     = "@every 5m"
)

// DefaultConfig returns a Config populated with default values for every
// setting except the port.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:    defaultMaxMessageSize,
		SecretMarker:      defaultSecretMarker,
		HistoryPace:       defaultHistoryPace,
		HistoryBurstPause: defaultHistoryBurstPause,
		WriteTimeout:      defaultWriteTimeout,
		LogLevel:          "info",
		LogFormat:         "auto",
		StatsSchedule:     defaultStatsSchedule,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.SecretMarker == "" {
		cfg.SecretMarker = defaultSecretMarker
	}

	if cfg.HistoryPace < 0 {
		cfg.HistoryPace = 0
	}

	if cfg.HistoryBurstPause < 0 {
		cfg.HistoryBurstPause = 0
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.MaxSessions < 0 {
		cfg.MaxSessions = 0
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.Burst > 0 && cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate reports the first invalid setting as a *ConfigError.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is outside 0-65535", c.Port)}
	}
	if c.MaxMessageSize < 0 {
		return &ConfigError{Field: "max_message_size", Reason: "must be positive"}
	}
	if c.MaxSessions < 0 {
		return &ConfigError{Field: "max_sessions", Reason: "must not be negative"}
	}
	switch c.Metrics.Exporter {
	case "", "none", "stdout":
	default:
		return &ConfigError{Field: "metrics.exporter", Reason: fmt.Sprintf("unknown exporter %q", c.Metrics.Exporter)}
	}
	return nil
}

// Addr returns the TCP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadConfig reads an optional YAML file, applies environment overrides and
// then overrides (command-line flags), fills defaults and validates the
// result. A port must be supplied by one of them.
func LoadConfig(path string, overrides ...func(*Config)) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return Config{}, &ConfigError{Field: "config", Reason: fmt.Sprintf("file %s does not exist", path)}
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &ConfigError{Field: "config", Reason: err.Error()}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if cfg.Port == 0 {
		return Config{}, &ConfigError{Field: "port", Reason: "not set; use the config file, SERVER_PORT or --port"}
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. A malformed SERVER_PORT
// is a configuration error; other malformed values keep their current value.
func applyEnv(cfg *Config) error {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(strings.TrimSpace(port))
		if err != nil {
			return &ConfigError{Field: "SERVER_PORT", Reason: fmt.Sprintf("%q is not a number", port)}
		}
		cfg.Port = p
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Host = host
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseIntValue(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts a Go duration ("500ms") or whole seconds ("2").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
