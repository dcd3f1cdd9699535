package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/wavematch/internal/http/middleware"
	"github.com/example/wavematch/internal/outbox"
	"github.com/example/wavematch/internal/request/scheduler"
	"github.com/example/wavematch/internal/request/service"
)

type appConfig struct {
	HTTPAddr     string
	LogLevel     string
	TraceStdout  bool
	PostgresDSN  string
	RedisAddr    string
	NATSURL      string
	NATSSubject  string
	OrderURL     string
	OrderTimeout time.Duration
	JWTSecret    string

	Wave       service.WaveConfig
	RequestTTL time.Duration
	Scheduler  scheduler.Config
	Outbox     outbox.WorkerConfig

	CategoryCacheSize int
	CategoryCacheTTL  time.Duration

	Budgets middleware.Budgets
}

// loadConfig reads the environment, after an optional .env file.
func loadConfig() (appConfig, error) {
	_ = godotenv.Load()

	wave := service.DefaultWaveConfig()
	radii, err := parseRadii(os.Getenv("WAVE_RADII_M"))
	if err != nil {
		return appConfig{}, err
	}
	if len(radii) > 0 {
		wave.RadiusScheduleMeters = radii
	}
	wave.MinCandidates = parseIntEnv("WAVE_MIN_CANDIDATES", wave.MinCandidates)
	wave.WaveDelay = parseDurationEnv("WAVE_DELAY", wave.WaveDelay)
	wave.NotifyConcurrency = parseIntEnv("NOTIFY_CONCURRENCY", wave.NotifyConcurrency)
	if err := wave.Validate(); err != nil {
		return appConfig{}, err
	}

	return appConfig{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		TraceStdout:  os.Getenv("TRACE_STDOUT") == "true",
		PostgresDSN:  firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		NATSURL:      os.Getenv("NATS_URL"),
		NATSSubject:  getenv("NATS_SUBJECT", "wavematch.notifications"),
		OrderURL:     os.Getenv("ORDER_SERVICE_URL"),
		OrderTimeout: parseDurationEnv("ORDER_SERVICE_TIMEOUT", 5*time.Second),
		JWTSecret:    os.Getenv("JWT_SECRET"),

		Wave:       wave,
		RequestTTL: parseDurationEnv("REQUEST_TTL", 24*time.Hour),
		Scheduler: scheduler.Config{
			WaveInterval:    parseDurationEnv("SCHEDULER_WAVE_INTERVAL", time.Minute),
			ExpiryInterval:  parseDurationEnv("SCHEDULER_EXPIRY_INTERVAL", 10*time.Minute),
			BatchSize:       parseIntEnv("SCHEDULER_BATCH", 10),
			ExpiryBatchSize: parseIntEnv("SCHEDULER_EXPIRY_BATCH", 100),
			MaxWaves:        wave.MaxWaves(),
		},
		Outbox: outbox.WorkerConfig{
			PollInterval: time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
			BatchSize:    parseIntEnv("OUTBOX_BATCH", 100),
			RetryMax:     parseIntEnv("OUTBOX_RETRY_MAX", 3),
			Retention:    parseDurationEnv("OUTBOX_RETENTION", 72*time.Hour),
		},

		CategoryCacheSize: parseIntEnv("CATEGORY_CACHE_SIZE", 1024),
		CategoryCacheTTL:  parseDurationEnv("CATEGORY_CACHE_TTL", 10*time.Minute),

		Budgets: loadBudgets(middleware.DefaultBudgets()),
	}, nil
}

// loadBudgets reads RATE_<ACTION>_PER_MIN and RATE_<ACTION>_BURST for each
// quota action. A per-minute value of 0 disables that budget.
func loadBudgets(b middleware.Budgets) middleware.Budgets {
	for _, item := range []struct {
		env    string
		budget *middleware.Budget
	}{
		{"BROWSE", &b.Browse},
		{"REQUEST", &b.Request},
		{"RESPOND", &b.Respond},
		{"OPERATE", &b.Operate},
	} {
		item.budget.PerMinute = parseIntEnv("RATE_"+item.env+"_PER_MIN", item.budget.PerMinute)
		item.budget.Burst = parseIntEnv("RATE_"+item.env+"_BURST", item.budget.Burst)
	}
	return b
}

// parseRadii reads a comma separated list of radii in meters, e.g. "5000,10000".
func parseRadii(raw string) ([]float64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("WAVE_RADII_M: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
