package matching

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/wavematch/internal/request/domain"
)

// ListingSource exposes the listing store's native radius search. Results
// should be sorted nearest first; the Finder does not rely on it.
type ListingSource interface {
	FindActiveListings(ctx context.Context, q domain.CandidateQuery) ([]domain.ListingMatch, error)
	ProviderListing(ctx context.Context, providerID, categoryID uuid.UUID, subCategoryID *uuid.UUID) (domain.Listing, bool, error)
}

// Finder turns listing matches into distance sorted, one-per-provider candidates.
type Finder struct {
	source ListingSource
}

// NewFinder constructs a Finder over the given listing source.
func NewFinder(source ListingSource) *Finder {
	return &Finder{source: source}
}

// FindCandidates returns the nearest active listing of every eligible provider
// within the radius, excluding the providers in q.Exclude.
func (f *Finder) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]domain.MatchCandidate, error) {
	start := time.Now()
	matches, err := f.source.FindActiveListings(ctx, q)
	if err != nil {
		candidateSearchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("find active listings: %w", err)
	}

	excluded := make(map[uuid.UUID]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}

	nearest := make(map[uuid.UUID]domain.ListingMatch)
	for _, m := range matches {
		l := m.Listing
		if !l.Active || !l.Offers(q.CategoryID, q.SubCategoryID) || m.DistanceMeters > q.RadiusMeters {
			continue
		}
		if _, skip := excluded[l.ProviderID]; skip {
			continue
		}
		if cur, ok := nearest[l.ProviderID]; ok && cur.DistanceMeters <= m.DistanceMeters {
			continue
		}
		nearest[l.ProviderID] = m
	}

	candidates := make([]domain.MatchCandidate, 0, len(nearest))
	for _, m := range nearest {
		candidates = append(candidates, domain.MatchCandidate{
			ProviderID:     m.Listing.ProviderID,
			ProviderName:   m.Listing.ProviderName,
			DistanceMeters: m.DistanceMeters,
			ListingID:      m.Listing.ID,
			PriceCents:     m.Listing.PriceCents,
			Unit:           m.Listing.Unit,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceMeters != candidates[j].DistanceMeters {
			return candidates[i].DistanceMeters < candidates[j].DistanceMeters
		}
		return candidates[i].ProviderID.String() < candidates[j].ProviderID.String()
	})

	result := "found"
	if len(candidates) == 0 {
		result = "empty"
	}
	candidateSearchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return candidates, nil
}

// ProviderListing delegates to the listing source.
func (f *Finder) ProviderListing(ctx context.Context, providerID, categoryID uuid.UUID, subCategoryID *uuid.UUID) (domain.Listing, bool, error) {
	return f.source.ProviderListing(ctx, providerID, categoryID, subCategoryID)
}
