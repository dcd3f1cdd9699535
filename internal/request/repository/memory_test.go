package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/repository"
)

func newRequest(now time.Time) domain.ServiceRequest {
	return domain.ServiceRequest{
		ID:         uuid.New(),
		SeekerID:   uuid.New(),
		CategoryID: uuid.New(),
		Title:      "Paint the fence",
		Origin:     domain.GeoPoint{Lat: 40.0, Lng: -3.7},
		Window:     domain.ServiceWindow{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
		Quantity:   1,
		Status:     domain.StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
		Matching:   domain.MatchingState{NextWaveAt: &now},
	}
}

func TestMemoryRepositoryIdempotencyKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	req := newRequest(now)
	req.IdempotencyKey = "abc"
	created, err := repo.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)

	dup := newRequest(now)
	dup.SeekerID = req.SeekerID
	dup.IdempotencyKey = "abc"
	_, err = repo.Create(ctx, dup)
	require.ErrorIs(t, err, domain.ErrDuplicateKey)

	found, err := repo.GetByIdempotencyKey(ctx, req.SeekerID, "abc")
	require.NoError(t, err)
	require.Equal(t, req.ID, found.ID)

	_, err = repo.GetByIdempotencyKey(ctx, uuid.New(), "abc")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryConditionalUpdateSingleWinner(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	req := newRequest(now)
	req.Status = domain.StatusMatched
	var providers []uuid.UUID
	for i := 0; i < 20; i++ {
		providers = append(providers, uuid.New())
	}
	req.Matching.Notified = providers
	_, err := repo.Create(ctx, req)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, p := range providers {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			_, err := repo.Update(ctx, req.ID, domain.Condition{
				Statuses:         []domain.RequestStatus{domain.StatusMatched},
				NotifiedProvider: &p,
			}, domain.Change{
				Status: domain.StatusAccepted,
				Order:  &domain.OrderState{ProviderID: p, OrderID: uuid.New()},
				At:     now,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrConditionFailed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	got, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAccepted, got.Status)
	require.Equal(t, int64(2), got.Version)
}

func TestMemoryRepositoryUpdateAppliesWaveAndVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	req, err := repo.Create(ctx, newRequest(now))
	require.NoError(t, err)

	p1, p2 := uuid.New(), uuid.New()
	wave := 1
	next := now.Add(10 * time.Minute)
	updated, err := repo.Update(ctx, req.ID, domain.Condition{Version: req.Version}, domain.Change{
		Status:      domain.StatusMatched,
		CurrentWave: &wave,
		NextWaveAt:  &next,
		Wave:        &domain.WaveRecord{Number: 1, RadiusMeters: 5000, At: now, ProviderIDs: []uuid.UUID{p1, p2}, Count: 2},
		Notified:    []uuid.UUID{p1, p2, p1},
		At:          now,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusMatched, updated.Status)
	require.Equal(t, []uuid.UUID{p1, p2}, updated.Matching.Notified)
	require.Len(t, updated.Matching.Waves, 1)
	require.Equal(t, next, *updated.Matching.NextWaveAt)

	_, err = repo.Update(ctx, req.ID, domain.Condition{Version: req.Version}, domain.Change{Status: domain.StatusNoProviders})
	require.ErrorIs(t, err, domain.ErrConditionFailed)

	decline := domain.Decline{ProviderID: p1, At: now}
	for i := 0; i < 2; i++ {
		updated, err = repo.Update(ctx, req.ID, domain.Condition{NotifiedProvider: &p1}, domain.Change{Decline: &decline})
		require.NoError(t, err)
	}
	require.Len(t, updated.Matching.Declined, 1)

	_, err = repo.Update(ctx, uuid.New(), domain.Condition{}, domain.Change{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryScans(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	due := newRequest(now.Add(-time.Minute))
	notDue := newRequest(now)
	later := now.Add(time.Hour)
	notDue.Matching.NextWaveAt = &later
	exhausted := newRequest(now.Add(-time.Minute))
	exhausted.Matching.CurrentWave = 5
	expired := newRequest(now.Add(-48 * time.Hour))
	expired.Matching.NextWaveAt = nil
	finished := newRequest(now.Add(-48 * time.Hour))
	finished.Status = domain.StatusAccepted

	for _, r := range []domain.ServiceRequest{due, notDue, exhausted, expired, finished} {
		_, err := repo.Create(ctx, r)
		require.NoError(t, err)
	}

	dueList, err := repo.ListDueForWave(ctx, now, 5, 10)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	require.Equal(t, due.ID, dueList[0].ID)

	expiredList, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expiredList, 1)
	require.Equal(t, expired.ID, expiredList[0].ID)

	all, err := repo.ListInBounds(ctx, domain.Bounds{
		Min: domain.GeoPoint{Lat: 39, Lng: -4},
		Max: domain.GeoPoint{Lat: 41, Lng: -3},
	}, nil, 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
