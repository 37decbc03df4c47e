package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/bottlerules/internal/config"
	"github.com/liamcoop/bottlerules/internal/logger"
	"github.com/liamcoop/bottlerules/policystore"
	"github.com/liamcoop/bottlerules/returns"
)

// openDependencies connects the configured backends. Without DATABASE_URL the
// server keeps policies and returns in memory.
func openDependencies(ctx context.Context, cfg config.Server) (Dependencies, func(), error) {
	deps := Dependencies{Logger: logger.Logger}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		deps.PolicyStore = policystore.NewInMemoryPolicyStore()
		deps.ReturnStore = returns.NewInMemoryStore()
		return deps, cleanup, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return deps, cleanup, fmt.Errorf("failed to open database: %w", err)
	}
	closers = append(closers, func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return deps, func() {}, fmt.Errorf("failed to ping database: %w", err)
	}
	deps.DB = db

	cacheConfig := policystore.DefaultCacheConfig()
	cacheConfig.TTL = cfg.PolicyCacheTTL

	var cache policystore.PolicyCache = policystore.NewInMemoryPolicyCache(cacheConfig)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return deps, func() {}, fmt.Errorf("parse redis URL: %w", err)
		}

		client := redis.NewClient(opts)
		closers = append(closers, func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			cleanup()
			return deps, func() {}, fmt.Errorf("redis ping failed: %w", err)
		}

		deps.Redis = client
		cache = policystore.NewRedisPolicyCache(client, cacheConfig)
		logger.Info("policy cache backed by redis", "ttl", cfg.PolicyCacheTTL.String())
	}

	deps.PolicyStore = policystore.NewCachedPolicyStore(policystore.NewPostgresPolicyStore(db), cache, logger.Logger)
	deps.ReturnStore = returns.NewPostgresStore(db)
	return deps, cleanup, nil
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	logger.Setup(os.Stdout, cfg.LogLevel, cfg.ErrorSampleRate)

	ctx := context.Background()

	deps, cleanup, err := openDependencies(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open dependencies", "error", err)
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if deps.DB != nil {
		registry.MustRegister(collectors.NewDBStatsCollector(deps.DB, "bottlerules"))
	}
	deps.Registry = registry

	server, err := NewServer(ctx, deps)
	if err != nil {
		cleanup()
		logger.Fatal("failed to create server", "error", err)
	}
	logger.Info("server ready", "airlines", server.manager.ListAirlines())

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
