package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/wavematch/internal/address"
	"github.com/example/wavematch/internal/auth"
	"github.com/example/wavematch/internal/catalog"
	"github.com/example/wavematch/internal/http/middleware"
	"github.com/example/wavematch/internal/notify"
	"github.com/example/wavematch/internal/order"
	outboxworker "github.com/example/wavematch/internal/outbox"
	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/handler"
	"github.com/example/wavematch/internal/request/matching"
	"github.com/example/wavematch/internal/request/repository"
	"github.com/example/wavematch/internal/request/scheduler"
	"github.com/example/wavematch/internal/request/service"
	"github.com/example/wavematch/pkg/observability"
)

const serviceName = "match-service"

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(serviceName, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := migrate(ctx, cfg); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		logger.Info("migrations applied")
		return
	}

	shutdown, err := observability.SetupTracer(ctx, serviceName, version, cfg.TraceStdout)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("match service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg appConfig, logger *zap.Logger) error {
	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		var err error
		db, err = openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	} else {
		logger.Warn("POSTGRES_DSN not set, requests are kept in memory")
	}

	redisClient, closeRedis, err := connectRedis(ctx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer closeRedis()
	checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("matchservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var store domain.RequestStore = repository.NewMemoryRepository()
	if db != nil {
		store = repository.NewPostgresRepository(db)
	}
	listings := matching.NewRedisListingSource(redisClient, "")
	finder := matching.NewFinder(listings)
	categories := catalog.New(redisClient, catalog.DefaultKey, cfg.CategoryCacheSize, cfg.CategoryCacheTTL)
	addresses := address.NewRedisBook(redisClient, "")
	notifier := buildNotifier(db, natsConn, cfg.NATSSubject, logger)
	orders := buildOrders(cfg, logger)
	clock := domain.SystemClock{}

	orch, err := service.NewOrchestrator(store, finder, categories, notifier, clock, cfg.Wave, logger)
	if err != nil {
		return fmt.Errorf("wave config: %w", err)
	}
	coord := service.NewCoordinator(store, finder, orders, notifier, clock, cfg.Wave.NotifyConcurrency, logger)
	svc := service.New(store, orch, addresses, clock, cfg.RequestTTL, logger)
	sched := scheduler.New(store, orch, coord, clock, cfg.Scheduler, logger)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-User-ID and X-User-Role headers")
	}
	quota := middleware.NewQuota(redisClient, cfg.Budgets)
	api := handler.NewHTTP(svc, coord, sched, listings, categories, handler.Options{
		Auth:      auth.Middleware(cfg.JWTSecret),
		RateLimit: quota.Middleware,
		Addresses: addresses,
		Logger:    logger,
	})

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(checks))
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger, cfg.Outbox)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("match service listening", zap.String("addr", srv.Addr),
			zap.Float64s("radii_m", cfg.Wave.RadiusScheduleMeters),
			zap.Duration("wave_delay", cfg.Wave.WaveDelay))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrate(ctx context.Context, cfg appConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN or DATABASE_URL is required")
	}
	db, err := openPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return repository.Migrate(db)
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// connectRedis dials REDIS_ADDR, or starts an embedded server for local runs
// when it is empty. Embedded data is lost on exit.
func connectRedis(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, func(), error) {
	var embedded *miniredis.Miniredis
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("embedded redis: %w", err)
		}
		embedded = mr
		addr = mr.Addr()
		logger.Warn("REDIS_ADDR not set, using embedded redis", zap.String("addr", addr))
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if embedded != nil {
			embedded.Close()
		}
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, func() {
		_ = client.Close()
		if embedded != nil {
			embedded.Close()
		}
	}, nil
}

// buildNotifier prefers the transactional outbox, then direct NATS, then logs.
func buildNotifier(db *sql.DB, conn *nats.Conn, subject string, logger *zap.Logger) domain.Notifier {
	switch {
	case db != nil && conn != nil:
		logger.Info("notifications via outbox", zap.String("subject_prefix", subject))
		return notify.NewOutboxNotifier(db, subject)
	case conn != nil:
		logger.Info("notifications via nats", zap.String("subject_prefix", subject))
		return notify.NewNATSNotifier(conn, subject)
	default:
		logger.Warn("no notification transport configured, logging notifications")
		return notify.NewLogNotifier(logger)
	}
}

func buildOrders(cfg appConfig, logger *zap.Logger) domain.OrderCreator {
	if cfg.OrderURL == "" {
		logger.Warn("ORDER_SERVICE_URL not set, orders are recorded in memory")
		return order.NewMemoryCreator()
	}
	return order.NewClient(cfg.OrderURL, &http.Client{Timeout: cfg.OrderTimeout})
}
