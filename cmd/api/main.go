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

	"taskcache/internal/api"
	"taskcache/internal/cache"
	"taskcache/internal/config"
	"taskcache/internal/logging"
	"taskcache/internal/queue"
	"taskcache/internal/ratelimit"
	"taskcache/internal/store"
	"taskcache/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := cache.NewBackend(ctx, cfg)
	if err != nil {
		return err
	}
	rc := cache.New(backend, logger)
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Warn("close cache backend", "error", err)
		}
	}()

	opts := queue.OptionsFromConfig(cfg)
	deps := api.Deps{
		Cache:   rc,
		Builder: worker.NewBuilder(cfg),
		Logger:  logger,
	}

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx, logger); err != nil {
			return err
		}
		opts.Recorder = st
		deps.History = st
	}

	if cfg.RateLimitEnabled {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer limiterClient.Close()
		deps.Limiter = ratelimit.NewTokenBucket(limiterClient, cfg.CacheKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	q, err := queue.New(opts, rc, logger)
	if err != nil {
		return err
	}
	deps.Queue = q

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = q.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort, "cache_backend", backend.Name(), "workers", opts.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopWorkers()
			<-workersDone
			return err
		}
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	q.Close()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := q.Drain(drainCtx); err != nil {
		logger.Warn("drain incomplete, abandoning queued tasks", "error", err, "snapshot", q.Snapshot())
	}
	cancelDrain()
	stopWorkers()
	<-workersDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
