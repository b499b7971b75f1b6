package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/rabbit-workers/internal/cache"
	"github.com/theognis1002/rabbit-workers/internal/config"
	"github.com/theognis1002/rabbit-workers/internal/metrics"
	"github.com/theognis1002/rabbit-workers/internal/queue"
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
	if cfg.Queue.Name == "" {
		return errors.New("queue name is required (QUEUE_NAME)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m, closeMetrics, err := setupMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMetrics()

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

	w := worker.Worker{
		Name:  "Logger",
		Queue: cfg.Queue.Name,
		WorkWithParams: func(ctx context.Context, body []byte, d queue.Delivery) (worker.Outcome, error) {
			logger.Info("message received",
				"routing_key", d.RoutingKey,
				"bytes", len(body),
				"retry_count", d.Headers.RetryCount(),
				"redelivered", d.Redelivered)
			return worker.Ack, nil
		},
	}
	runner, err := worker.New(w, t, worker.OptionsFromConfig(cfg), m, logger)
	if err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker running", "id", runner.ID(), "queue", cfg.Queue.Name,
		"handler", cfg.Worker.Handler, "threads", cfg.Worker.Threads)

	var connErr error
	select {
	case <-ctx.Done():
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			connErr = fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	}

	if err := runner.Stop(); err != nil && connErr == nil {
		logger.Warn("stopping worker", "error", err)
	}
	return connErr
}

// setupMetrics builds the configured backend. The returned func releases
// whatever the backend holds.
func setupMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metrics.Metrics, func(), error) {
	noop := func() {}

	var rdb *redis.Client
	if cfg.Metrics.Backend == config.MetricsRedis {
		var err error
		rdb, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to redis: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.FromConfig(cfg.Metrics.Backend, logger, reg, rdb)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, noop, err
	}

	if cfg.Metrics.Backend == config.MetricsPrometheus {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, reg, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	return m, func() {
		if rdb != nil {
			_ = rdb.Close()
		}
	}, nil
}
