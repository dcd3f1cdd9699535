package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/service"
)

var (
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_tick_seconds",
		Help:    "Duration of scheduler ticks.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	tickItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_items_total",
		Help: "Requests handled by scheduler ticks grouped by job and result.",
	}, []string{"job", "result"})
)

// WaveProcessor advances a request by one wave.
type WaveProcessor interface {
	ProcessNextWave(ctx context.Context, id uuid.UUID) (service.WaveResult, error)
}

// Expirer closes a request whose expiry has passed.
type Expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error)
}

// Config defines scheduler tunables.
type Config struct {
	WaveInterval    time.Duration
	ExpiryInterval  time.Duration
	BatchSize       int
	ExpiryBatchSize int
	MaxWaves        int
}

// TickStats summarises one tick.
type TickStats struct {
	Listed    int
	Processed int
	Failed    int
}

// Scheduler drives wave escalation and expiry from a single goroutine, so
// ticks never overlap.
type Scheduler struct {
	store   domain.RequestStore
	waves   WaveProcessor
	expirer Expirer
	clock   domain.Clock
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New constructs a Scheduler, filling zero config values with defaults.
func New(store domain.RequestStore, waves WaveProcessor, expirer Expirer, clock domain.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.WaveInterval <= 0 {
		cfg.WaveInterval = time.Minute
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = 100
	}
	if cfg.MaxWaves <= 0 {
		cfg.MaxWaves = service.DefaultWaveConfig().MaxWaves()
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		waves:   waves,
		expirer: expirer,
		clock:   clock,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		tracer:  otel.Tracer("wavematch.scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.store == nil || s.waves == nil || s.expirer == nil {
		return errors.New("scheduler requires store, wave processor and expirer")
	}
	waveTicker := time.NewTicker(s.cfg.WaveInterval)
	defer waveTicker.Stop()
	expiryTicker := time.NewTicker(s.cfg.ExpiryInterval)
	defer expiryTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("wave_interval", s.cfg.WaveInterval),
		zap.Duration("expiry_interval", s.cfg.ExpiryInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waveTicker.C:
			s.RunWaveTick(ctx)
		case <-expiryTicker.C:
			s.RunExpiryTick(ctx)
		}
	}
}

// RunWaveTick processes at most BatchSize requests whose next wave is due.
func (s *Scheduler) RunWaveTick(ctx context.Context) TickStats {
	ctx, span := s.tracer.Start(ctx, "scheduler.wave_tick")
	defer span.End()
	start := time.Now()
	defer func() { tickDuration.WithLabelValues("wave").Observe(time.Since(start).Seconds()) }()

	due, err := s.store.ListDueForWave(ctx, s.clock.Now(), s.cfg.MaxWaves, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list due requests failed", zap.Error(err))
		tickItems.WithLabelValues("wave", "list_error").Inc()
		return TickStats{}
	}
	stats := TickStats{Listed: len(due)}
	for _, req := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.waves.ProcessNextWave(ctx, req.ID); err != nil {
			stats.Failed++
			tickItems.WithLabelValues("wave", "error").Inc()
			s.logger.Warn("wave processing failed", zap.Error(err), zap.String("request_id", req.ID.String()))
			continue
		}
		stats.Processed++
		tickItems.WithLabelValues("wave", "ok").Inc()
	}
	span.SetAttributes(attribute.Int("tick.listed", stats.Listed), attribute.Int("tick.failed", stats.Failed))
	return stats
}

// RunExpiryTick expires at most ExpiryBatchSize overdue requests.
func (s *Scheduler) RunExpiryTick(ctx context.Context) TickStats {
	ctx, span := s.tracer.Start(ctx, "scheduler.expiry_tick")
	defer span.End()
	start := time.Now()
	defer func() { tickDuration.WithLabelValues("expiry").Observe(time.Since(start).Seconds()) }()

	overdue, err := s.store.ListExpired(ctx, s.clock.Now(), s.cfg.ExpiryBatchSize)
	if err != nil {
		s.logger.Error("list expired requests failed", zap.Error(err))
		tickItems.WithLabelValues("expiry", "list_error").Inc()
		return TickStats{}
	}
	stats := TickStats{Listed: len(overdue)}
	for _, req := range overdue {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.expirer.Expire(ctx, req.ID); err != nil {
			stats.Failed++
			tickItems.WithLabelValues("expiry", "error").Inc()
			s.logger.Warn("expiry failed", zap.Error(err), zap.String("request_id", req.ID.String()))
			continue
		}
		stats.Processed++
		tickItems.WithLabelValues("expiry", "ok").Inc()
	}
	span.SetAttributes(attribute.Int("tick.listed", stats.Listed), attribute.Int("tick.failed", stats.Failed))
	return stats
}

// Trigger reprocesses a single request on operator demand. It is the same
// operation the wave tick runs.
func (s *Scheduler) Trigger(ctx context.Context, id uuid.UUID) (service.WaveResult, error) {
	s.logger.Info("manual wave trigger", zap.String("request_id", id.String()))
	return s.waves.ProcessNextWave(ctx, id)
}
