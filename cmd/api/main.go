package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/salon-subscriptions/internal/api/router"
	"github.com/wolfman30/salon-subscriptions/internal/app/bootstrap"
	appconfig "github.com/wolfman30/salon-subscriptions/internal/config"
	httpmiddleware "github.com/wolfman30/salon-subscriptions/internal/http/middleware"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

const limiterIdleTTL = 10 * time.Minute

func main() {
	// Local development reads .env; deployed environments set variables directly.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting salon-subscriptions API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, sqlDB, err := bootstrap.BuildPostgres(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	defer sqlDB.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api := bootstrap.BuildAPI(cfg, pool, sqlDB, redisClient, registry, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(api.Router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		evictIdleBuckets(gctx, api.Limiter, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func evictIdleBuckets(ctx context.Context, limiter *httpmiddleware.RateLimiter, logger *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := limiter.Evict(now.Add(-limiterIdleTTL)); n > 0 {
				logger.Debug("rate limiter buckets evicted", "count", n)
			}
		}
	}
}
