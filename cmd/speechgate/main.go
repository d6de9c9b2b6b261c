// Command speechgate runs the traffic-control layer of the speech
// analysis service: the rate-limited HTTP API in front of the resilient
// AI client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/averlon/speechgate/internal/config"
	"github.com/averlon/speechgate/internal/llm"
	"github.com/averlon/speechgate/internal/ratelimit"
	"github.com/averlon/speechgate/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("speechgate exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store := buildCounterStore(cfg, logger)

	limiter, err := ratelimit.New(store, cfg.RateLimit)
	if err != nil {
		return err
	}

	client, err := llm.New(cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(client, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("speechgate listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildCounterStore picks the window counter backend: the shared Redis
// counter (with in-memory fail-open fallback) when REDIS_ADDR is set,
// the in-memory store alone otherwise. A Redis that is down at startup
// still gets the fallback store; it recovers when Redis comes back.
func buildCounterStore(cfg *config.Config, logger *slog.Logger) ratelimit.CounterStore {
	if cfg.RateLimit.RedisAddr == "" {
		logger.Info("rate limiter using in-memory counters")
		return ratelimit.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, limiter will serve from memory until it recovers",
			"addr", cfg.RateLimit.RedisAddr, "error", err)
	} else {
		logger.Info("rate limiter using shared redis counters", "addr", cfg.RateLimit.RedisAddr)
	}

	return ratelimit.NewFallbackStore(ratelimit.NewRedisStore(client))
}
