package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server captures process level configuration
type Server struct {
	// DatabaseURL selects the PostgreSQL stores; empty means in-memory stores
	DatabaseURL string
	Port        string

	// RedisURL enables the shared policy cache
	RedisURL       string
	PolicyCacheTTL time.Duration

	ShutdownTimeout time.Duration
	LogLevel        string
	ErrorSampleRate int
}

// FromEnv builds a Server config from environment variables
func FromEnv() (Server, error) {
	cfg := Server{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		Port:            getenv("PORT", "8080"),
		RedisURL:        os.Getenv("REDIS_URL"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		PolicyCacheTTL:  5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		ErrorSampleRate: 1,
	}

	var err error
	if cfg.PolicyCacheTTL, err = durationEnv("POLICY_CACHE_TTL", cfg.PolicyCacheTTL); err != nil {
		return Server{}, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Server{}, err
	}

	if s := os.Getenv("ERROR_SAMPLE_RATE"); s != "" {
		rate, err := strconv.Atoi(s)
		if err != nil || rate < 1 {
			return Server{}, fmt.Errorf("ERROR_SAMPLE_RATE must be a positive integer, got %q", s)
		}
		cfg.ErrorSampleRate = rate
	}

	return cfg, nil
}

// Addr is the HTTP listen address
func (s Server) Addr() string {
	return ":" + s.Port
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s cannot be negative, got %s", key, v)
	}
	return d, nil
}
