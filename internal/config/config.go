// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/proctord/internal/proctor"
	"github.com/ashureev/proctord/internal/telemetry"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level
	Proctor     ProctorConfig
	Classifier  ClassifierConfig
	RateLimit   RateLimitConfig
	Audit       AuditConfig
	Otel        OtelConfig
}

// ProctorConfig holds the decision policy.
type ProctorConfig struct {
	MaxWarnings      int
	CorrectionWindow time.Duration
	ClearFrames      int
	MaxFrameBytes    int64
}

// ClassifierConfig locates the optional frame classifier service.
// An empty Addr disables image frames.
type ClassifierConfig struct {
	Addr    string
	Timeout time.Duration
}

// RateLimitConfig bounds frames and stream connects per session.
// A zero limit disables the corresponding limiter.
type RateLimitConfig struct {
	Frames        int
	Window        time.Duration
	Connects      int
	ConnectWindow time.Duration
}

// AuditConfig controls the persisted audit trail.
type AuditConfig struct {
	Enabled   bool
	DBPath    string
	QueueSize int
	Retention time.Duration
}

// OtelConfig controls OTLP metric export.
type OtelConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "5001"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Proctor: ProctorConfig{
			MaxWarnings:      getEnvInt("MAX_WARNINGS", proctor.DefaultMaxWarnings),
			CorrectionWindow: getEnvSeconds("CORRECTION_WINDOW_SECONDS", proctor.DefaultWindowDuration),
			ClearFrames:      getEnvInt("CORRECTION_CLEAR_FRAMES", proctor.DefaultClearFrames),
			MaxFrameBytes:    int64(getEnvInt("MAX_FRAME_BYTES", 4<<20)),
		},
		Classifier: ClassifierConfig{
			Addr:    getEnv("CLASSIFIER_ADDR", ""),
			Timeout: getEnvDuration("CLASSIFIER_TIMEOUT", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Frames: getEnvInt("FRAME_RATE_LIMIT", 20),
			Window: getEnvDuration("FRAME_RATE_WINDOW", 10*time.Second),

			Connects:      getEnvInt("STREAM_CONNECT_LIMIT", 10),
			ConnectWindow: getEnvDuration("STREAM_CONNECT_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_ENABLED", true),
			DBPath:    getEnv("AUDIT_DB_PATH", "./data/proctor.db"),
			QueueSize: getEnvInt("AUDIT_QUEUE_SIZE", 1000),
			Retention: getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
		},
		Otel: OtelConfig{
			Enabled:  getEnvBool("OTEL_ENABLED", false),
			Endpoint: getEnv("OTEL_ENDPOINT", ""),
			Insecure: getEnvBool("OTEL_INSECURE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("proctor policy: %w", err))
	}
	if c.Proctor.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("MAX_FRAME_BYTES must be > 0"))
	}
	if c.Classifier.Timeout <= 0 {
		errs = append(errs, errors.New("CLASSIFIER_TIMEOUT must be > 0"))
	}
	if c.RateLimit.Frames < 0 {
		errs = append(errs, errors.New("FRAME_RATE_LIMIT must be >= 0"))
	}
	if c.RateLimit.Frames > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("FRAME_RATE_WINDOW must be > 0"))
	}
	if c.RateLimit.Connects < 0 {
		errs = append(errs, errors.New("STREAM_CONNECT_LIMIT must be >= 0"))
	}
	if c.RateLimit.Connects > 0 && c.RateLimit.ConnectWindow <= 0 {
		errs = append(errs, errors.New("STREAM_CONNECT_WINDOW must be > 0"))
	}
	if c.Audit.Enabled {
		if c.Audit.DBPath == "" {
			errs = append(errs, errors.New("AUDIT_DB_PATH cannot be empty"))
		}
		if c.Audit.QueueSize <= 0 {
			errs = append(errs, errors.New("AUDIT_QUEUE_SIZE must be > 0"))
		}
		if c.Audit.Retention <= 0 {
			errs = append(errs, errors.New("AUDIT_RETENTION must be > 0"))
		}
	}
	if c.Otel.Enabled && c.Otel.Endpoint == "" {
		errs = append(errs, errors.New("OTEL_ENDPOINT is required when OTEL_ENABLED is set"))
	}
	return errors.Join(errs...)
}

// Policy returns the decision policy.
func (c *Config) Policy() proctor.Policy {
	return proctor.Policy{
		MaxWarnings:    c.Proctor.MaxWarnings,
		WindowDuration: c.Proctor.CorrectionWindow,
		ClearFrames:    c.Proctor.ClearFrames,
	}
}

// Telemetry returns the OTLP exporter configuration.
func (c *Config) Telemetry() telemetry.Config {
	return telemetry.Config{
		Enabled:  c.Otel.Enabled,
		Endpoint: c.Otel.Endpoint,
		Insecure: c.Otel.Insecure,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvSeconds reads a number of seconds, fractions allowed.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
