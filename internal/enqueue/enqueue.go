// Package enqueue publishes newline-delimited messages to a worker queue.
package enqueue

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Enqueuer is satisfied by *queue.Publisher.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, body []byte) error
}

// FromFile publishes every line of path to queueName. See FromReader.
func FromFile(ctx context.Context, path string, pub Enqueuer, queueName string, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return FromReader(ctx, f, pub, queueName, logger)
}

// FromReader publishes each non-empty line that does not start with "#".
// Publish failures are logged and skipped; the count covers published
// lines only.
func FromReader(ctx context.Context, r io.Reader, pub Enqueuer, queueName string, logger *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	count := 0

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := pub.Enqueue(ctx, queueName, []byte(line)); err != nil {
			logger.Error("failed to enqueue message", "queue", queueName, "error", err)
			continue
		}
		count++
		logger.Debug("enqueued message", "queue", queueName, "bytes", len(line))
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("reading messages: %w", err)
	}

	logger.Info("enqueue complete", "queue", queueName, "count", count)
	return count, nil
}
