package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
)

var validate = validator.New()

const (
	defaultRequestTTL  = 24 * time.Hour
	defaultBoundsLimit = 200
	maxBoundsLimit     = 1000
)

// CreateRequestInput is the seeker's request payload. Either AddressID or
// Location must be set.
type CreateRequestInput struct {
	SeekerID      uuid.UUID        `json:"seeker_id" validate:"required"`
	CategoryID    uuid.UUID        `json:"category_id" validate:"required"`
	SubCategoryID *uuid.UUID       `json:"sub_category_id,omitempty"`
	Title         string           `json:"title" validate:"required,max=200"`
	Description   string           `json:"description" validate:"max=4000"`
	AddressID     *uuid.UUID       `json:"address_id,omitempty"`
	Location      *domain.GeoPoint `json:"location,omitempty"`
	WindowStart   time.Time        `json:"window_start" validate:"required"`
	WindowEnd     time.Time        `json:"window_end" validate:"required,gtfield=WindowStart"`
	Quantity      int              `json:"quantity" validate:"gte=0,lte=10000"`
	DurationHours *float64         `json:"duration_hours,omitempty" validate:"omitempty,gt=0,lte=720"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// Validate checks the payload shape. It has no side effects.
func (in CreateRequestInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}
	if in.AddressID == nil && in.Location == nil {
		return fmt.Errorf("%w: address_id or location is required", domain.ErrValidation)
	}
	if p := in.Location; p != nil && (p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180) {
		return fmt.Errorf("%w: location out of range", domain.ErrValidation)
	}
	return nil
}

// fingerprint identifies the payload so idempotent replays can be told apart from key reuse.
func (in CreateRequestInput) fingerprint() string {
	raw, _ := json.Marshal(in)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CreateResult is returned by CreateRequest. Replayed is set when the
// idempotency key matched an earlier identical request.
type CreateResult struct {
	Request  domain.ServiceRequest `json:"request"`
	Wave     *WaveResult           `json:"wave,omitempty"`
	Replayed bool                  `json:"replayed"`
}

// Service is the entry point for seeker-facing request operations.
type Service struct {
	store        domain.RequestStore
	orchestrator *Orchestrator
	addresses    domain.AddressResolver
	clock        domain.Clock
	ttl          time.Duration
	logger       *zap.Logger
}

// New constructs a Service. A non-positive ttl falls back to 24 hours.
func New(store domain.RequestStore, orchestrator *Orchestrator, addresses domain.AddressResolver, clock domain.Clock, ttl time.Duration, logger *zap.Logger) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if ttl <= 0 {
		ttl = defaultRequestTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		orchestrator: orchestrator,
		addresses:    addresses,
		clock:        clock,
		ttl:          ttl,
		logger:       logger.Named("requests"),
	}
}

// CreateRequest persists a new OPEN request and runs its first wave. With a
// non-empty key, a repeated identical call returns the original request.
func (s *Service) CreateRequest(ctx context.Context, key string, in CreateRequestInput) (CreateResult, error) {
	if err := in.Validate(); err != nil {
		requestsCreated.WithLabelValues("invalid").Inc()
		return CreateResult{}, err
	}
	fp := in.fingerprint()

	if key != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, in.SeekerID, key)
		switch {
		case err == nil:
			return s.replay(existing, fp)
		case !errors.Is(err, domain.ErrNotFound):
			return CreateResult{}, storeError("lookup idempotency key", err)
		}
	}

	addr, err := s.addresses.ResolveAddress(ctx, in.SeekerID, in.AddressID, in.Location)
	if err != nil {
		return CreateResult{}, storeError("resolve address", err)
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.ttl)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return CreateResult{}, fmt.Errorf("%w: expires_at must be in the future", domain.ErrValidation)
		}
		if in.ExpiresAt.Before(expiresAt) {
			expiresAt = *in.ExpiresAt
		}
	}
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}

	req := domain.ServiceRequest{
		ID:             uuid.New(),
		SeekerID:       in.SeekerID,
		CategoryID:     in.CategoryID,
		SubCategoryID:  in.SubCategoryID,
		Title:          in.Title,
		Description:    in.Description,
		Origin:         addr.Point,
		AddressID:      addr.ID,
		Window:         domain.ServiceWindow{Start: in.WindowStart, End: in.WindowEnd},
		Quantity:       qty,
		DurationHours:  in.DurationHours,
		Status:         domain.StatusOpen,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
		UpdatedAt:      now,
		IdempotencyKey: key,
		Fingerprint:    fp,
		// Due immediately so the scheduler retries if the first wave fails.
		Matching: domain.MatchingState{NextWaveAt: &now},
		Version:  1,
	}

	created, err := s.store.Create(ctx, req)
	if errors.Is(err, domain.ErrDuplicateKey) {
		existing, getErr := s.store.GetByIdempotencyKey(ctx, in.SeekerID, key)
		if getErr != nil {
			return CreateResult{}, storeError("lookup idempotency key", getErr)
		}
		return s.replay(existing, fp)
	}
	if err != nil {
		requestsCreated.WithLabelValues("error").Inc()
		return CreateResult{}, storeError("create request", err)
	}
	requestsCreated.WithLabelValues("created").Inc()
	s.logger.Info("service request created",
		zap.String("request_id", created.ID.String()),
		zap.String("seeker_id", created.SeekerID.String()),
		zap.String("category_id", created.CategoryID.String()))

	wave, err := s.orchestrator.StartRequest(ctx, created)
	if err != nil {
		s.logger.Warn("first wave failed, left for scheduler", zap.Error(err), zap.String("request_id", created.ID.String()))
		return CreateResult{Request: created}, nil
	}
	latest, err := s.store.Get(ctx, created.ID)
	if err != nil {
		return CreateResult{Request: created, Wave: &wave}, nil
	}
	return CreateResult{Request: latest, Wave: &wave}, nil
}

func (s *Service) replay(existing domain.ServiceRequest, fp string) (CreateResult, error) {
	if existing.Fingerprint != fp {
		requestsCreated.WithLabelValues("key_reuse").Inc()
		return CreateResult{}, domain.ErrIdempotencyReuse
	}
	requestsCreated.WithLabelValues("replayed").Inc()
	return CreateResult{Request: existing, Replayed: true}, nil
}

// GetRequest retrieves a request by id. Reads succeed in every state.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, storeError("load request", err)
	}
	return req, nil
}

// ListInBounds returns requests whose origin lies in bounds, for dashboards.
func (s *Service) ListInBounds(ctx context.Context, bounds domain.Bounds, statuses []domain.RequestStatus, limit int) ([]domain.ServiceRequest, error) {
	if bounds.Min.Lat > bounds.Max.Lat || bounds.Min.Lng > bounds.Max.Lng {
		return nil, fmt.Errorf("%w: bounds min must not exceed max", domain.ErrValidation)
	}
	switch {
	case limit <= 0:
		limit = defaultBoundsLimit
	case limit > maxBoundsLimit:
		limit = maxBoundsLimit
	}
	out, err := s.store.ListInBounds(ctx, bounds, statuses, limit)
	if err != nil {
		return nil, storeError("list requests", err)
	}
	return out, nil
}
