package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
)

// WaveResult describes the state of a request after a ProcessNextWave call.
type WaveResult struct {
	RequestID  uuid.UUID            `json:"request_id"`
	WaveNumber int                  `json:"wave_number"`
	Notified   int                  `json:"notified"`
	Scheduled  bool                 `json:"scheduled"`
	NextWaveAt *time.Time           `json:"next_wave_at,omitempty"`
	Status     domain.RequestStatus `json:"status"`
}

// Orchestrator runs notification waves. It keeps no state of its own: every
// call reads the request, computes the next wave and commits it with a single
// version-guarded store update.
type Orchestrator struct {
	store    domain.RequestStore
	finder   domain.CandidateFinder
	catalog  domain.CategoryCatalog
	notifier domain.Notifier
	clock    domain.Clock
	cfg      WaveConfig
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewOrchestrator validates cfg and wires the orchestrator. catalog may be nil.
func NewOrchestrator(store domain.RequestStore, finder domain.CandidateFinder, catalog domain.CategoryCatalog, notifier domain.Notifier, clock domain.Clock, cfg WaveConfig, logger *zap.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wave config: %w", err)
	}
	if cfg.NotifyConcurrency < 1 {
		cfg.NotifyConcurrency = 1
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		finder:   finder,
		catalog:  catalog,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		tracer:   otel.Tracer("wavematch.orchestrator"),
	}, nil
}

// Config returns the active wave configuration.
func (o *Orchestrator) Config() WaveConfig {
	return o.cfg
}

// StartRequest runs the first wave of a freshly created request.
func (o *Orchestrator) StartRequest(ctx context.Context, req domain.ServiceRequest) (WaveResult, error) {
	return o.ProcessNextWave(ctx, req.ID)
}

// ProcessNextWave advances the request by one wave. Inactive requests are a no-op.
func (o *Orchestrator) ProcessNextWave(ctx context.Context, id uuid.UUID) (WaveResult, error) {
	ctx, span := o.tracer.Start(ctx, "wave.process", trace.WithAttributes(attribute.String("request.id", id.String())))
	defer span.End()

	result, err := o.processNextWave(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(
		attribute.Int("wave.number", result.WaveNumber),
		attribute.Int("wave.notified", result.Notified),
		attribute.String("request.status", string(result.Status)),
	)
	return result, nil
}

func (o *Orchestrator) processNextWave(ctx context.Context, id uuid.UUID) (WaveResult, error) {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return WaveResult{}, storeError("load request", err)
	}
	if !req.Status.IsActive() {
		wavesProcessed.WithLabelValues("inactive").Inc()
		return resultOf(req, 0), nil
	}

	maxWaves := o.cfg.MaxWaves()
	if req.Matching.CurrentWave >= maxWaves {
		if req.Status == domain.StatusMatched {
			// Already offered at every radius; acceptance or expiry resolves it.
			wavesProcessed.WithLabelValues("exhausted").Inc()
			return resultOf(req, 0), nil
		}
		return o.exhaust(ctx, req, req.Matching.CurrentWave)
	}

	waveNumber := req.Matching.CurrentWave + 1
	radius := o.cfg.RadiusScheduleMeters[req.Matching.CurrentWave]
	last := waveNumber >= maxWaves

	candidates, err := o.finder.FindCandidates(ctx, domain.CandidateQuery{
		Origin:        req.Origin,
		RadiusMeters:  radius,
		CategoryID:    req.CategoryID,
		SubCategoryID: req.SubCategoryID,
		Exclude:       req.Matching.Notified,
	})
	if err != nil {
		return resultOf(req, 0), domain.Dependency("find candidates", err)
	}

	now := o.clock.Now()
	if len(candidates) < o.cfg.MinCandidates {
		return o.skipWave(ctx, req, waveNumber, last, len(candidates), now)
	}

	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ProviderID
	}
	record := domain.WaveRecord{Number: waveNumber, RadiusMeters: radius, At: now, ProviderIDs: ids, Count: len(ids)}
	change := domain.Change{
		Status:      domain.StatusMatched,
		CurrentWave: &waveNumber,
		Wave:        &record,
		Notified:    ids,
		At:          now,
	}
	if last {
		change.ClearNextWave = true
	} else {
		next := now.Add(o.cfg.WaveDelay)
		change.NextWaveAt = &next
	}

	updated, err := o.commit(ctx, req, change)
	if err != nil {
		return resultOf(req, 0), err
	}
	wavesProcessed.WithLabelValues("notified").Inc()

	categoryName := o.categoryName(ctx, req.CategoryID)
	batch := make([]domain.Notification, len(candidates))
	for i, c := range candidates {
		batch[i] = domain.Notification{
			Event:        domain.EventNewOpportunity,
			TargetUserID: c.ProviderID,
			RequestID:    req.ID,
			Payload:      opportunityPayload(updated, c, categoryName, waveNumber),
			CreatedAt:    now,
		}
	}
	if failed := dispatch(ctx, o.notifier, o.logger, batch, o.cfg.NotifyConcurrency); failed > 0 {
		o.logger.Warn("wave notifications partially failed",
			zap.String("request_id", req.ID.String()),
			zap.Int("wave", waveNumber),
			zap.Int("failed", failed),
			zap.Int("total", len(batch)))
	}

	o.logger.Info("wave processed",
		zap.String("request_id", req.ID.String()),
		zap.Int("wave", waveNumber),
		zap.Float64("radius_m", radius),
		zap.Int("notified", len(ids)))
	return resultOf(updated, len(ids)), nil
}

// skipWave records an insufficient wave. The wave counter advances and the
// next radius is retried after the configured delay. On the last wave an OPEN
// request ends as NO_PROVIDERS_AVAILABLE while a MATCHED one stops escalating.
func (o *Orchestrator) skipWave(ctx context.Context, req domain.ServiceRequest, waveNumber int, last bool, found int, now time.Time) (WaveResult, error) {
	if last && req.Status == domain.StatusOpen {
		return o.exhaust(ctx, req, waveNumber)
	}
	change := domain.Change{CurrentWave: &waveNumber, At: now}
	if last {
		change.ClearNextWave = true
	} else {
		next := now.Add(o.cfg.WaveDelay)
		change.NextWaveAt = &next
	}
	updated, err := o.commit(ctx, req, change)
	if err != nil {
		return resultOf(req, 0), err
	}
	wavesProcessed.WithLabelValues("insufficient").Inc()
	o.logger.Info("wave skipped, insufficient candidates",
		zap.String("request_id", req.ID.String()),
		zap.Int("wave", waveNumber),
		zap.Int("found", found),
		zap.Int("required", o.cfg.MinCandidates))
	return resultOf(updated, 0), nil
}

// exhaust moves the request to NO_PROVIDERS_AVAILABLE and tells the seeker.
// Only the caller whose conditional write lands sends the notification.
func (o *Orchestrator) exhaust(ctx context.Context, req domain.ServiceRequest, waveNumber int) (WaveResult, error) {
	now := o.clock.Now()
	updated, err := o.commit(ctx, req, domain.Change{
		Status:        domain.StatusNoProviders,
		CurrentWave:   &waveNumber,
		ClearNextWave: true,
		At:            now,
	})
	if err != nil {
		return resultOf(req, 0), err
	}
	wavesProcessed.WithLabelValues("no_providers").Inc()
	dispatch(ctx, o.notifier, o.logger, []domain.Notification{{
		Event:        domain.EventNoProviders,
		TargetUserID: req.SeekerID,
		RequestID:    req.ID,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"title":      req.Title,
			"waves":      waveNumber,
		},
		CreatedAt: now,
	}}, 1)
	o.logger.Info("no providers available",
		zap.String("request_id", req.ID.String()),
		zap.Int("waves", waveNumber))
	return resultOf(updated, 0), nil
}

func (o *Orchestrator) commit(ctx context.Context, req domain.ServiceRequest, change domain.Change) (domain.ServiceRequest, error) {
	updated, err := o.store.Update(ctx, req.ID, domain.Condition{
		Statuses: domain.ActiveStatuses,
		Version:  req.Version,
	}, change)
	if errors.Is(err, domain.ErrConditionFailed) {
		wavesProcessed.WithLabelValues("conflict").Inc()
		return domain.ServiceRequest{}, domain.ErrConcurrentUpdate
	}
	if err != nil {
		return domain.ServiceRequest{}, storeError("commit wave", err)
	}
	return updated, nil
}

func (o *Orchestrator) categoryName(ctx context.Context, categoryID uuid.UUID) string {
	if o.catalog == nil {
		return ""
	}
	name, err := o.catalog.CategoryName(ctx, categoryID)
	if err != nil {
		o.logger.Warn("category name lookup failed", zap.Error(err), zap.String("category_id", categoryID.String()))
		return ""
	}
	return name
}

func opportunityPayload(req domain.ServiceRequest, c domain.MatchCandidate, categoryName string, wave int) map[string]any {
	return map[string]any{
		"request_id":      req.ID.String(),
		"title":           req.Title,
		"category_id":     req.CategoryID.String(),
		"category_name":   categoryName,
		"distance_meters": c.DistanceMeters,
		"listing_id":      c.ListingID.String(),
		"window_start":    req.Window.Start,
		"window_end":      req.Window.End,
		"wave":            wave,
		"expires_at":      req.ExpiresAt,
	}
}

func resultOf(req domain.ServiceRequest, notified int) WaveResult {
	return WaveResult{
		RequestID:  req.ID,
		WaveNumber: req.Matching.CurrentWave,
		Notified:   notified,
		Scheduled:  req.Matching.NextWaveAt != nil && req.Status.IsActive(),
		NextWaveAt: req.Matching.NextWaveAt,
		Status:     req.Status,
	}
}

// storeError passes domain errors through and marks everything else as a dependency failure.
func storeError(op string, err error) error {
	if domain.Kind(err) != nil {
		return err
	}
	return domain.Dependency(op, err)
}
