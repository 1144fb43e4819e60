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

	"renderd/internal/adapter/repo"
	"renderd/internal/infra"
	"renderd/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	driver := service.NewDeliveries(
		repo.NewDeliveryRepository(pool),
		repo.NewWebhookRepository(pool),
		&http.Client{Timeout: cfg.WebhookTimeout},
		logger,
	)
	driver.BackoffBase = cfg.WebhookBackoffBase
	driver.BackoffCap = cfg.WebhookBackoffCap
	driver.Concurrency = cfg.WorkerConcurrency

	if err := run(ctx, logger, driver, cfg.WorkerPollInterval, cfg.WorkerBatchSize); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func run(ctx context.Context, logger infra.Logger, driver *service.Deliveries, interval time.Duration, batchSize int) error {
	logger.Info().Msg("worker: started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		processed, err := driver.RunDue(ctx, batchSize)
		if err != nil {
			logger.Error().Err(err).Msg("worker: delivery batch failed")
		} else if processed > 0 {
			logger.Info().Int("processed", processed).Msg("worker: delivery batch done")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
