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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/veriseal/internal/alerts"
	"github.com/example/veriseal/internal/api"
	"github.com/example/veriseal/internal/codes"
	"github.com/example/veriseal/internal/config"
	"github.com/example/veriseal/internal/disputes"
	"github.com/example/veriseal/internal/security"
	"github.com/example/veriseal/internal/stats"
	"github.com/example/veriseal/internal/store"
	"github.com/example/veriseal/internal/verify"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := st.Migrate(ctx); err != nil {
		return err
	}

	rdb := openRedis(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	var alerter alerts.Publisher
	if cfg.AMQPURL != "" {
		pub, err := alerts.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			logger.Warn("alert_publisher_disabled", "error", err)
		} else {
			defer pub.Close()
			alerter = pub
		}
	}

	binder := codes.NewQRBinder(cfg.ArtifactDir)
	codeSvc := codes.NewService(st, codes.NewGenerator(), binder, logger)
	disputeSvc := disputes.NewService(st, logger)
	aggregator := stats.NewAggregator(st)

	var monitor verify.Monitor
	if m := verify.NewSuspicionMonitor(rdb, verify.DefaultSuspicionPolicy()); m != nil {
		monitor = m
	}
	classifier, err := verify.NewClassifier(ctx, st, monitor, alerter, logger)
	if err != nil {
		return err
	}

	var limiter *security.RedisTokenBucket
	if rdb != nil {
		limiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "ratelimit:verify",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: float64(cfg.RateLimitRefillSec),
		}
	}

	handler := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Codes:        codeSvc,
		Binder:       binder,
		Verifier:     classifier,
		Disputes:     disputeSvc,
		Stats:        aggregator,
		Store:        st,
		RateLimiter:  limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api_listening", "addr", cfg.Addr, "env", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool.Close, nil
	}

	s, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

// openRedis returns nil when Redis is not configured or unreachable;
// rate limiting and the suspicion overlay then degrade to off.
func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_unavailable", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}
