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

	"github.com/theognis1002/rabbit-workers/internal/config"
	"github.com/theognis1002/rabbit-workers/internal/enqueue"
	"github.com/theognis1002/rabbit-workers/internal/queue"
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
		logger.Debug("config file not found, using env vars", "error", err)
		cfg = config.LoadFromEnv()
	}
	if cfg.Queue.Name == "" {
		return errors.New("queue name is required (QUEUE_NAME)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := queue.NewConnection(cfg.AMQP.URL, time.Duration(cfg.AMQP.HeartbeatSecs)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.NewTransport()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.DeclareExchange(cfg.Exchange.Name, cfg.Exchange.Type, *cfg.Exchange.Durable); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	messageFile := "messages.txt"
	if len(os.Args) > 1 {
		messageFile = os.Args[1]
	}

	publisher := queue.NewPublisher(ch, cfg.Exchange.Name)
	if _, err := enqueue.FromFile(ctx, messageFile, publisher, cfg.Queue.Name, logger); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}
