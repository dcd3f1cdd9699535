package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/service"
)

func TestCreateRequestRunsFirstWave(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	provider := h.addProvider(t, 2, 1000, domain.UnitFixed)

	res, err := h.svc.CreateRequest(context.Background(), "", h.input())
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.NotNil(t, res.Wave)
	require.Equal(t, 1, res.Wave.WaveNumber)
	require.True(t, res.Wave.Scheduled)

	req := res.Request
	require.Equal(t, domain.StatusMatched, req.Status)
	require.Equal(t, 2, req.Quantity)
	require.Equal(t, origin, req.Origin)
	require.Equal(t, h.clock.Now().Add(24*time.Hour), req.ExpiresAt)
	require.True(t, req.Matching.HasNotified(provider))
}

func TestCreateRequestIsIdempotent(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	h.addProvider(t, 2, 1000, domain.UnitFixed)
	ctx := context.Background()
	in := h.input()

	first, err := h.svc.CreateRequest(ctx, "key-1", in)
	require.NoError(t, err)
	second, err := h.svc.CreateRequest(ctx, "key-1", in)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Request.ID, second.Request.ID)

	all, err := h.svc.ListInBounds(ctx, domain.Bounds{
		Min: domain.GeoPoint{Lat: -90, Lng: -180},
		Max: domain.GeoPoint{Lat: 90, Lng: 180},
	}, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, h.notifier.events(domain.EventNewOpportunity), 1)

	// Keys are scoped to the seeker.
	other := in
	other.SeekerID = h.category
	third, err := h.svc.CreateRequest(ctx, "key-1", other)
	require.NoError(t, err)
	require.NotEqual(t, first.Request.ID, third.Request.ID)
}

func TestCreateRequestRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	ctx := context.Background()
	in := h.input()

	_, err := h.svc.CreateRequest(ctx, "key-1", in)
	require.NoError(t, err)

	in.Title = "Something else"
	_, err = h.svc.CreateRequest(ctx, "key-1", in)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.ErrorIs(t, err, domain.ErrIdempotencyReuse)
}

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	ctx := context.Background()

	cases := map[string]func(*service.CreateRequestInput){
		"missing title":         func(in *service.CreateRequestInput) { in.Title = "" },
		"window end first":      func(in *service.CreateRequestInput) { in.WindowEnd = in.WindowStart.Add(-time.Hour) },
		"no location":           func(in *service.CreateRequestInput) { in.Location = nil },
		"latitude out of range": func(in *service.CreateRequestInput) { in.Location = &domain.GeoPoint{Lat: 91} },
		"negative quantity":     func(in *service.CreateRequestInput) { in.Quantity = -1 },
		"past expiry": func(in *service.CreateRequestInput) {
			past := h.clock.Now().Add(-time.Minute)
			in.ExpiresAt = &past
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := h.input()
			mutate(&in)
			_, err := h.svc.CreateRequest(ctx, "", in)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreateRequestHonoursEarlierExpiry(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	in := h.input()
	soon := h.clock.Now().Add(2 * time.Hour)
	in.ExpiresAt = &soon

	res, err := h.svc.CreateRequest(context.Background(), "", in)
	require.NoError(t, err)
	require.Equal(t, soon, res.Request.ExpiresAt)

	later := h.clock.Now().Add(72 * time.Hour)
	in.ExpiresAt = &later
	res, err = h.svc.CreateRequest(context.Background(), "", in)
	require.NoError(t, err)
	require.Equal(t, h.clock.Now().Add(24*time.Hour), res.Request.ExpiresAt)
}

func TestGetRequestAndBounds(t *testing.T) {
	h := newHarness(t, service.DefaultWaveConfig())
	ctx := context.Background()
	req := h.create(t)

	got, err := h.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)

	inside, err := h.svc.ListInBounds(ctx, domain.Bounds{
		Min: domain.GeoPoint{Lat: origin.Lat - 0.1, Lng: origin.Lng - 0.1},
		Max: domain.GeoPoint{Lat: origin.Lat + 0.1, Lng: origin.Lng + 0.1},
	}, []domain.RequestStatus{domain.StatusOpen}, 10)
	require.NoError(t, err)
	require.Len(t, inside, 1)

	outside, err := h.svc.ListInBounds(ctx, domain.Bounds{
		Min: domain.GeoPoint{Lat: 10, Lng: 10},
		Max: domain.GeoPoint{Lat: 11, Lng: 11},
	}, nil, 10)
	require.NoError(t, err)
	require.Empty(t, outside)

	_, err = h.svc.ListInBounds(ctx, domain.Bounds{Min: domain.GeoPoint{Lat: 1}, Max: domain.GeoPoint{Lat: 0}}, nil, 10)
	require.ErrorIs(t, err, domain.ErrValidation)
}
