package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/salon-subscriptions/cmd/mainconfig"
	"github.com/wolfman30/salon-subscriptions/internal/app/bootstrap"
	"github.com/wolfman30/salon-subscriptions/internal/billing"
	appconfig "github.com/wolfman30/salon-subscriptions/internal/config"
	"github.com/wolfman30/salon-subscriptions/internal/events"
	"github.com/wolfman30/salon-subscriptions/pkg/logging"
)

// The worker runs the subscription expiry sweep on a cron schedule and drains
// the transactional outbox to the events queue.
func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, sqlDB, err := bootstrap.BuildPostgres(ctx, cfg)
	if err != nil {
		logger.Error("worker requires postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	defer sqlDB.Close()

	var awsCfg *aws.Config
	if strings.TrimSpace(cfg.EventsQueueURL) != "" {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	sweeper := billing.NewSweeper(billing.NewPGStore(pool), cfg.RenewalGracePeriod, logger.Component("sweeper"))
	scheduler := cron.New(cron.WithLocation(cfg.Location()))
	if _, err := sweeper.Schedule(ctx, scheduler, cfg.ExpirySweepSchedule); err != nil {
		logger.Error("invalid expiry sweep schedule", "schedule", cfg.ExpirySweepSchedule, "error", err)
		os.Exit(1)
	}

	deliverer := events.NewDeliverer(
		events.NewOutboxStore(pool),
		bootstrap.BuildOutboxHandler(cfg, awsCfg, logger),
		logger.Component("outbox"),
	).WithInterval(cfg.OutboxPollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		deliverer.Start(gctx)
		return nil
	})

	logger.Info("worker started", "sweep_schedule", cfg.ExpirySweepSchedule, "outbox_interval", cfg.OutboxPollInterval)
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
