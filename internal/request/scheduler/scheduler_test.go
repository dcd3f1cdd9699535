package scheduler_test

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
	"github.com/example/wavematch/internal/request/scheduler"
	"github.com/example/wavematch/internal/request/service"
)

var origin = domain.GeoPoint{Lat: 41.39, Lng: 2.17}

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *stubNotifier) Notify(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *stubNotifier) to(id uuid.UUID) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, msg := range n.sent {
		if msg.TargetUserID == id {
			out = append(out, msg)
		}
	}
	return out
}

type noOrders struct{}

func (noOrders) CreateOrder(_ context.Context, d domain.OrderDraft) (domain.OrderRef, error) {
	return domain.OrderRef{ID: d.OrderID}, nil
}

type env struct {
	store    *repository.MemoryRepository
	listings *matching.MemorySource
	clock    *stubClock
	notifier *stubNotifier
	orch     *service.Orchestrator
	coord    *service.Coordinator
	sched    *scheduler.Scheduler
	category uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    repository.NewMemoryRepository(),
		listings: matching.NewMemorySource(),
		clock:    &stubClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &stubNotifier{},
		category: uuid.New(),
	}
	cfg := service.DefaultWaveConfig()
	finder := matching.NewFinder(e.listings)
	orch, err := service.NewOrchestrator(e.store, finder, nil, e.notifier, e.clock, cfg, zap.NewNop())
	require.NoError(t, err)
	e.orch = orch
	e.coord = service.NewCoordinator(e.store, finder, noOrders{}, e.notifier, e.clock, 4, zap.NewNop())
	e.sched = scheduler.New(e.store, orch, e.coord, e.clock, scheduler.Config{MaxWaves: cfg.MaxWaves()}, zap.NewNop())
	return e
}

func (e *env) addProvider(t *testing.T, km float64) uuid.UUID {
	t.Helper()
	provider := uuid.New()
	require.NoError(t, e.listings.UpsertListing(context.Background(), domain.Listing{
		ID:         uuid.New(),
		ProviderID: provider,
		CategoryID: e.category,
		Location:   domain.GeoPoint{Lat: origin.Lat + km/111.195, Lng: origin.Lng},
		PriceCents: 5000,
		Unit:       domain.UnitFixed,
		Active:     true,
	}))
	return provider
}

func (e *env) openRequest(t *testing.T, ttl time.Duration) domain.ServiceRequest {
	t.Helper()
	now := e.clock.Now()
	req, err := e.store.Create(context.Background(), domain.ServiceRequest{
		ID:         uuid.New(),
		SeekerID:   uuid.New(),
		CategoryID: e.category,
		Title:      "Move a sofa",
		Origin:     origin,
		Window:     domain.ServiceWindow{Start: now.Add(time.Hour), End: now.Add(3 * time.Hour)},
		Quantity:   1,
		Status:     domain.StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Matching:   domain.MatchingState{NextWaveAt: &now},
	})
	require.NoError(t, err)
	return req
}

func TestWaveTickEscalatesDueRequests(t *testing.T) {
	e := newEnv(t)
	near := e.addProvider(t, 2)
	far := e.addProvider(t, 8)
	req := e.openRequest(t, 24*time.Hour)
	ctx := context.Background()

	stats := e.sched.RunWaveTick(ctx)
	require.Equal(t, scheduler.TickStats{Listed: 1, Processed: 1}, stats)

	// Not due yet.
	stats = e.sched.RunWaveTick(ctx)
	require.Zero(t, stats.Listed)

	e.clock.Advance(10 * time.Minute)
	stats = e.sched.RunWaveTick(ctx)
	require.Equal(t, 1, stats.Processed)

	got, err := e.store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Matching.CurrentWave)
	require.Equal(t, []uuid.UUID{near, far}, got.Matching.Notified)
}

func TestExpiryTickClosesOverdueRequests(t *testing.T) {
	e := newEnv(t)
	provA := e.addProvider(t, 1)
	provB := e.addProvider(t, 2)
	req := e.openRequest(t, time.Hour)
	ctx := context.Background()

	_, err := e.sched.Trigger(ctx, req.ID)
	require.NoError(t, err)

	require.Zero(t, e.sched.RunExpiryTick(ctx).Listed)

	e.clock.Advance(2 * time.Hour)
	stats := e.sched.RunExpiryTick(ctx)
	require.Equal(t, scheduler.TickStats{Listed: 1, Processed: 1}, stats)

	got, err := e.store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, got.Status)

	seeker := e.notifier.to(req.SeekerID)
	require.Len(t, seeker, 1)
	require.Equal(t, domain.EventExpired, seeker[0].Event)
	for _, p := range []uuid.UUID{provA, provB} {
		msgs := e.notifier.to(p)
		require.Equal(t, domain.EventClosed, msgs[len(msgs)-1].Event)
		require.Equal(t, domain.CloseExpired, msgs[len(msgs)-1].Reason)
	}

	// Expired requests are never picked up for waves again.
	require.Zero(t, e.sched.RunWaveTick(ctx).Listed)
}

type flakyProcessor struct {
	fail map[uuid.UUID]bool
	seen []uuid.UUID
}

func (f *flakyProcessor) ProcessNextWave(_ context.Context, id uuid.UUID) (service.WaveResult, error) {
	f.seen = append(f.seen, id)
	if f.fail[id] {
		return service.WaveResult{}, errors.New("boom")
	}
	return service.WaveResult{RequestID: id}, nil
}

func TestWaveTickIsolatesFailuresAndBoundsBatch(t *testing.T) {
	e := newEnv(t)
	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		ids = append(ids, e.openRequest(t, time.Hour).ID)
		e.clock.Advance(time.Second)
	}
	proc := &flakyProcessor{fail: map[uuid.UUID]bool{ids[0]: true}}
	sched := scheduler.New(e.store, proc, e.coord, e.clock, scheduler.Config{BatchSize: 3}, zap.NewNop())

	stats := sched.RunWaveTick(context.Background())
	require.Equal(t, scheduler.TickStats{Listed: 3, Processed: 2, Failed: 1}, stats)
	require.Equal(t, ids[:3], proc.seen)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.addProvider(t, 1)
	req := e.openRequest(t, time.Hour)
	sched := scheduler.New(e.store, e.orch, e.coord, e.clock, scheduler.Config{WaveInterval: 10 * time.Millisecond, ExpiryInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := e.store.Get(context.Background(), req.ID)
		return err == nil && got.Status == domain.StatusMatched
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
