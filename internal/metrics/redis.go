package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "metrics:"
	redisTimeout   = 2 * time.Second
)

// Redis keeps counters in plain keys so several worker processes can share
// totals. Timings add to "<name>:count" and "<name>:total_ms".
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Increment(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := r.client.Incr(ctx, redisKeyPrefix+name).Err(); err != nil {
		r.logger.Warn("redis metric increment failed", "metric", name, "error", err)
	}
}

func (r *Redis) Timing(name string, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	key := redisKeyPrefix + name
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, key+":count")
		p.IncrBy(ctx, key+":total_ms", d.Milliseconds())
		return nil
	})
	if err != nil {
		r.logger.Warn("redis metric timing failed", "metric", name, "error", err)
	}
}

// Counter reads back a counter written by Increment.
func (r *Redis) Counter(ctx context.Context, name string) (int64, error) {
	n, err := r.client.Get(ctx, redisKeyPrefix+name).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
