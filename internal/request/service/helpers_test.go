package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/matching"
	"github.com/example/wavematch/internal/request/repository"
	"github.com/example/wavematch/internal/request/service"
)

var origin = domain.GeoPoint{Lat: 48.8566, Lng: 2.3522}

func north(km float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: origin.Lat + km/111.195, Lng: origin.Lng}
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	sent   []domain.Notification
	failOn map[uuid.UUID]bool
}

func (n *recordingNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOn[msg.TargetUserID] {
		return errors.New("push gateway unavailable")
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) events(event domain.EventType) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, msg := range n.sent {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (n *recordingNotifier) to(target uuid.UUID) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, msg := range n.sent {
		if msg.TargetUserID == target {
			out = append(out, msg)
		}
	}
	return out
}

type stubOrders struct {
	mu     sync.Mutex
	drafts []domain.OrderDraft
	err    error
	// reassign makes the stub answer with an id of its own choosing.
	reassign bool
}

func (s *stubOrders) CreateOrder(_ context.Context, draft domain.OrderDraft) (domain.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.OrderRef{}, s.err
	}
	s.drafts = append(s.drafts, draft)
	if s.reassign {
		return domain.OrderRef{ID: uuid.New()}, nil
	}
	return domain.OrderRef{ID: draft.OrderID}, nil
}

func (s *stubOrders) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drafts)
}

type pointAddresses struct{}

func (pointAddresses) ResolveAddress(_ context.Context, _ uuid.UUID, addressID *uuid.UUID, point *domain.GeoPoint) (domain.Address, error) {
	if point == nil {
		return domain.Address{}, domain.ErrValidation
	}
	return domain.Address{ID: addressID, Point: *point}, nil
}

type staticCatalog map[uuid.UUID]string

func (c staticCatalog) CategoryName(_ context.Context, id uuid.UUID) (string, error) {
	return c[id], nil
}

type harness struct {
	store    *repository.MemoryRepository
	listings *matching.MemorySource
	notifier *recordingNotifier
	orders   *stubOrders
	clock    *manualClock
	orch     *service.Orchestrator
	coord    *service.Coordinator
	svc      *service.Service
	category uuid.UUID
	seeker   uuid.UUID
}

func newHarness(t *testing.T, cfg service.WaveConfig) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemoryRepository(),
		listings: matching.NewMemorySource(),
		notifier: &recordingNotifier{failOn: map[uuid.UUID]bool{}},
		orders:   &stubOrders{},
		clock:    &manualClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		category: uuid.New(),
		seeker:   uuid.New(),
	}
	finder := matching.NewFinder(h.listings)
	orch, err := service.NewOrchestrator(h.store, finder, staticCatalog{h.category: "Plumbing"}, h.notifier, h.clock, cfg, zap.NewNop())
	require.NoError(t, err)
	h.orch = orch
	h.coord = service.NewCoordinator(h.store, finder, h.orders, h.notifier, h.clock, cfg.NotifyConcurrency, zap.NewNop())
	h.svc = service.New(h.store, orch, pointAddresses{}, h.clock, 24*time.Hour, zap.NewNop())
	return h
}

func (h *harness) addProvider(t *testing.T, km float64, priceCents int64, unit domain.UnitOfMeasure) uuid.UUID {
	t.Helper()
	provider := uuid.New()
	require.NoError(t, h.listings.UpsertListing(context.Background(), domain.Listing{
		ID:           uuid.New(),
		ProviderID:   provider,
		ProviderName: "provider",
		CategoryID:   h.category,
		Location:     north(km),
		PriceCents:   priceCents,
		Unit:         unit,
		Active:       true,
	}))
	return provider
}

func (h *harness) input() service.CreateRequestInput {
	start := h.clock.Now().Add(48 * time.Hour)
	loc := origin
	return service.CreateRequestInput{
		SeekerID:    h.seeker,
		CategoryID:  h.category,
		Title:       "Fix kitchen sink",
		Location:    &loc,
		WindowStart: start,
		WindowEnd:   start.Add(3 * time.Hour),
		Quantity:    2,
	}
}

func (h *harness) create(t *testing.T) domain.ServiceRequest {
	t.Helper()
	res, err := h.svc.CreateRequest(context.Background(), "", h.input())
	require.NoError(t, err)
	return res.Request
}

func twoWaveConfig() service.WaveConfig {
	cfg := service.DefaultWaveConfig()
	cfg.RadiusScheduleMeters = []float64{5000, 10000}
	return cfg
}
