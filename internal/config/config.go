package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the lobby service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Capacity is the seat count of every session.
	Capacity int
	// JoinRetryLimit bounds how often a joiner retries after losing a seat
	// race before it creates a new session.
	JoinRetryLimit    int
	ParticipantRole   string
	StoreTimeout      time.Duration
	ClosedRetention   time.Duration
	JanitorInterval   time.Duration
	ReconcileInterval time.Duration
	EventBuffer       int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "lobby"),
		AllowAnyOrigin:    false,
		Capacity:          4,
		JoinRetryLimit:    5,
		ParticipantRole:   envOrDefault("LOBBY_PARTICIPANT_ROLE", "human"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
		StoreTimeout:      5 * time.Second,
		ClosedRetention:   10 * time.Minute,
		JanitorInterval:   30 * time.Second,
		ReconcileInterval: 2 * time.Second,
		EventBuffer:       32,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Capacity, err = intFromEnv("LOBBY_CAPACITY", cfg.Capacity)
	if err != nil {
		return Config{}, err
	}
	cfg.JoinRetryLimit, err = intFromEnv("LOBBY_JOIN_RETRY_LIMIT", cfg.JoinRetryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.StoreTimeout, err = durationFromEnv("LOBBY_STORE_TIMEOUT", cfg.StoreTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClosedRetention, err = durationFromEnv("LOBBY_CLOSED_RETENTION", cfg.ClosedRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("LOBBY_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconcileInterval, err = durationFromEnv("LOBBY_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.EventBuffer, err = intFromEnv("LOBBY_EVENT_BUFFER", cfg.EventBuffer)
	if err != nil {
		return Config{}, err
	}

	if cfg.Capacity <= 0 {
		return Config{}, fmt.Errorf("LOBBY_CAPACITY must be positive")
	}
	if cfg.JoinRetryLimit <= 0 {
		return Config{}, fmt.Errorf("LOBBY_JOIN_RETRY_LIMIT must be positive")
	}
	if strings.TrimSpace(cfg.ParticipantRole) == "" {
		return Config{}, fmt.Errorf("LOBBY_PARTICIPANT_ROLE must not be blank")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("LOBBY_STORE_TIMEOUT must be positive")
	}
	if cfg.ReconcileInterval < 100*time.Millisecond {
		return Config{}, fmt.Errorf("LOBBY_RECONCILE_INTERVAL must be at least 100ms")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("LOBBY_EVENT_BUFFER must be positive")
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
	return strings.TrimSpace(os.Getenv(key))
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
