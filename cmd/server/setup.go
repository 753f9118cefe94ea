package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtest-engine/internal/api"
	"github.com/atmx/backtest-engine/internal/messaging"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/runner"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/tracker"
)

// runTimeout bounds a synchronous run request.
const runTimeout = 10 * time.Minute

// openStore picks PostgreSQL when dbURL is set (migrating the schema and
// optionally fronting it with Redis), else an in-memory store.
func openStore(ctx context.Context, dbURL, redisURL string) (store.Store, func(), error) {
	if dbURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("schema migration: %w", err)
	}
	slog.Info("connected to PostgreSQL")
	if redisURL == "" {
		return pg, pool.Close, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	slog.Info("Redis cache enabled")
	return store.NewCachedStore(pg, rdb, 5*time.Minute), func() {
		rdb.Close()
		pool.Close()
	}, nil
}

// kafkaOptions wires per-day and run-finished publishing when brokers is a
// non-empty comma-separated list.
func kafkaOptions(brokers string, logger *slog.Logger) ([]runner.Option, func()) {
	if brokers == "" {
		return nil, func() {}
	}
	w := messaging.NewWriter(strings.Split(brokers, ","))
	topics := messaging.DefaultTopics()
	slog.Info("Kafka publishing enabled", "brokers", brokers)
	return []runner.Option{
		runner.WithObserver(func(ctx context.Context, runID string) tracker.Observer {
			return messaging.NewPublisher(ctx, w, runID, topics, logger)
		}),
		runner.WithFinishHook(func(ctx context.Context, run *model.Run) {
			if err := messaging.NewPublisher(ctx, w, run.ID, topics, logger).PublishRun(run); err != nil {
				logger.Error("publish run failed", "run_id", run.ID, "err", err)
			}
		}),
	}, func() { w.Close() }
}

// newRouter builds the HTTP surface. The caller runs the returned hub.
func newRouter(st store.Store, logger *slog.Logger, opts ...runner.Option) (http.Handler, *api.WSHub) {
	hub := api.NewWSHub()
	svc := api.NewService(st, hub, logger, opts...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"backtest-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		r.With(middleware.Timeout(runTimeout)).Group(svc.Routes)
	})
	return r, hub
}

// cors allows browser clients on other origins.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
