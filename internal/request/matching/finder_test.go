package matching_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/matching"
)

var origin = domain.GeoPoint{Lat: 52.52, Lng: 13.405}

// north returns a point roughly km kilometres north of origin.
func north(km float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: origin.Lat + km/111.195, Lng: origin.Lng}
}

type fixture struct {
	category uuid.UUID
	sub      uuid.UUID
	provA    uuid.UUID
	provB    uuid.UUID
	provC    uuid.UUID
	nearA    uuid.UUID
	farA     uuid.UUID
}

func seed(t *testing.T, upsert func(context.Context, domain.Listing) error) fixture {
	t.Helper()
	f := fixture{category: uuid.New(), sub: uuid.New(), provA: uuid.New(), provB: uuid.New(), provC: uuid.New(), nearA: uuid.New(), farA: uuid.New()}
	ctx := context.Background()
	listings := []domain.Listing{
		{ID: f.nearA, ProviderID: f.provA, ProviderName: "A", CategoryID: f.category, SubCategoryID: &f.sub, Location: north(1), PriceCents: 1000, Unit: domain.UnitFixed, Active: true},
		{ID: f.farA, ProviderID: f.provA, ProviderName: "A", CategoryID: f.category, Location: north(3), PriceCents: 900, Unit: domain.UnitFixed, Active: true},
		{ID: uuid.New(), ProviderID: f.provB, ProviderName: "B", CategoryID: f.category, Location: north(2), PriceCents: 2500, Unit: domain.UnitHourly, Active: true},
		{ID: uuid.New(), ProviderID: f.provC, ProviderName: "C", CategoryID: f.category, Location: north(8), PriceCents: 1500, Unit: domain.UnitFixed, Active: true},
		{ID: uuid.New(), ProviderID: uuid.New(), ProviderName: "inactive", CategoryID: f.category, Location: north(0.5), PriceCents: 100, Unit: domain.UnitFixed, Active: false},
		{ID: uuid.New(), ProviderID: uuid.New(), ProviderName: "other", CategoryID: uuid.New(), Location: north(0.5), PriceCents: 100, Unit: domain.UnitFixed, Active: true},
	}
	for _, l := range listings {
		require.NoError(t, upsert(ctx, l))
	}
	return f
}

func TestFinderDeduplicatesAndSorts(t *testing.T) {
	src := matching.NewMemorySource()
	f := seed(t, src.UpsertListing)
	finder := matching.NewFinder(src)

	candidates, err := finder.FindCandidates(context.Background(), domain.CandidateQuery{
		Origin:       origin,
		RadiusMeters: 5000,
		CategoryID:   f.category,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, f.provA, candidates[0].ProviderID)
	require.Equal(t, f.nearA, candidates[0].ListingID, "nearest listing kept per provider")
	require.Equal(t, f.provB, candidates[1].ProviderID)
	require.Less(t, candidates[0].DistanceMeters, candidates[1].DistanceMeters)
}

func TestFinderExcludesAndFiltersSubcategory(t *testing.T) {
	src := matching.NewMemorySource()
	f := seed(t, src.UpsertListing)
	finder := matching.NewFinder(src)
	ctx := context.Background()

	candidates, err := finder.FindCandidates(ctx, domain.CandidateQuery{
		Origin:       origin,
		RadiusMeters: 10000,
		CategoryID:   f.category,
		Exclude:      []uuid.UUID{f.provA},
	})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	require.Equal(t, f.provB, candidates[0].ProviderID)
	require.Equal(t, f.provC, candidates[1].ProviderID)

	candidates, err = finder.FindCandidates(ctx, domain.CandidateQuery{
		Origin:        origin,
		RadiusMeters:  10000,
		CategoryID:    f.category,
		SubCategoryID: &f.sub,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, f.nearA, candidates[0].ListingID)
}

func TestFinderEmptyIsNotAnError(t *testing.T) {
	finder := matching.NewFinder(matching.NewMemorySource())
	candidates, err := finder.FindCandidates(context.Background(), domain.CandidateQuery{Origin: origin, RadiusMeters: 5000, CategoryID: uuid.New()})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

type failingSource struct{ matching.MemorySource }

func (failingSource) FindActiveListings(context.Context, domain.CandidateQuery) ([]domain.ListingMatch, error) {
	return nil, errors.New("listing store down")
}

func TestFinderPropagatesSourceErrors(t *testing.T) {
	finder := matching.NewFinder(&failingSource{})
	_, err := finder.FindCandidates(context.Background(), domain.CandidateQuery{Origin: origin, RadiusMeters: 5000})
	require.Error(t, err)
}

func TestHaversine(t *testing.T) {
	d := matching.Haversine(origin, north(10))
	require.InDelta(t, 10000, d, 5)
}
