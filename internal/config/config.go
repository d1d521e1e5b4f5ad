package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task sync service.
type Config struct {
	BindAddr           string
	ShutdownTimeout    time.Duration
	SessionIdleTimeout time.Duration
	RequestTimeout     time.Duration
	OutboxCapacity     int
	MetricsNamespace   string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	RedisURL           string
	RedisEventsChannel string
	InstanceID         string

	JWTSecret   string
	JWTAudience string
	JWTIssuer   string
	JWKSURL     string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "tasksync"),
		AllowAnyOrigin:     false,
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("APP_LOG_FORMAT", "text"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		RedisURL:           stringsTrimSpace("REDIS_URL"),
		RedisEventsChannel: envOrDefault("REDIS_EVENTS_CHANNEL", "tasksync:events"),
		InstanceID:         stringsTrimSpace("APP_INSTANCE_ID"),
		JWTSecret:          stringsTrimSpace("APP_JWT_SECRET"),
		JWTAudience:        stringsTrimSpace("APP_JWT_AUDIENCE"),
		JWTIssuer:          stringsTrimSpace("APP_JWT_ISSUER"),
		JWKSURL:            stringsTrimSpace("APP_JWKS_URL"),
		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 2 * time.Minute,
		RequestTimeout:     10 * time.Second,
		OutboxCapacity:     256,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RequestTimeout, err = durationFromEnv("APP_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboxCapacity, err = intFromEnv("APP_OUTBOX_CAPACITY", cfg.OutboxCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.RequestTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_REQUEST_TIMEOUT must be positive")
	}
	if cfg.OutboxCapacity <= 0 {
		return Config{}, fmt.Errorf("APP_OUTBOX_CAPACITY must be positive")
	}
	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		return Config{}, fmt.Errorf("one of APP_JWT_SECRET or APP_JWKS_URL is required")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
