package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theognis1002/rabbit-workers/internal/archive"
	"github.com/theognis1002/rabbit-workers/internal/config"
	"github.com/theognis1002/rabbit-workers/internal/database"
	"github.com/theognis1002/rabbit-workers/internal/database/models"
	"github.com/theognis1002/rabbit-workers/internal/metrics"
	"github.com/theognis1002/rabbit-workers/internal/queue"
	"github.com/theognis1002/rabbit-workers/internal/storage"
	"github.com/theognis1002/rabbit-workers/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load("configs/development.yaml")
	if err != nil {
		logger.Info("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	minioClient, err := storage.NewMinIOClient(ctx, cfg.MinIO)
	if err != nil {
		return fmt.Errorf("connect to minio: %w", err)
	}

	conn, err := queue.NewConnection(cfg.AMQP.URL, time.Duration(cfg.AMQP.HeartbeatSecs)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()
	closed := conn.NotifyClose()

	ch, err := conn.NewTransport()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	t := queue.Serialize(ch)
	defer t.Close()

	errorExchange := archive.ErrorExchangeFor(cfg.Exchange.Name, cfg.Retry.ErrorExchange)
	a := archive.New(errorExchange, minioClient, models.NewDeadLetterStore(pool), logger)

	defaults := worker.OptionsFromConfig(cfg)
	// The error queue is declared by the maxretry handler without extra
	// arguments; redeclaring it with different ones fails. Durability is
	// pinned by the archiver's own worker options.
	defaults.Arguments = nil

	runner, err := worker.New(a.Worker(), t, defaults, metrics.NewLogging(logger), logger)
	if err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("start archiver: %w", err)
	}
	logger.Info("archiver running", "id", runner.ID(), "queue", errorExchange, "bucket", minioClient.Bucket())

	var connErr error
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			connErr = fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	}

	if err := runner.Stop(); err != nil && connErr == nil {
		logger.Warn("stopping archiver", "error", err)
	}
	return connErr
}
