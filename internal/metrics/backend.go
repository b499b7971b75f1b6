package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/theognis1002/rabbit-workers/internal/config"
)

var ErrNoRedisClient = errors.New("redis metrics backend needs a redis client")

// FromConfig returns the backend named by backend. reg is used by the
// prometheus backend and rdb by the redis backend; either may be nil
// otherwise.
func FromConfig(backend string, logger *slog.Logger, reg prometheus.Registerer, rdb *redis.Client) (Metrics, error) {
	switch backend {
	case config.MetricsNull:
		return Null{}, nil
	case config.MetricsLog, "":
		return NewLogging(logger), nil
	case config.MetricsPrometheus:
		return NewPrometheus(reg), nil
	case config.MetricsRedis:
		if rdb == nil {
			return nil, ErrNoRedisClient
		}
		return NewRedis(rdb, logger), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", backend)
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	}
	return nil
}
