package matching

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/wavematch/internal/request/domain"
)

// MemorySource is an in-memory listing store suitable for tests and local demos.
type MemorySource struct {
	mu       sync.RWMutex
	listings map[uuid.UUID]domain.Listing
}

// NewMemorySource constructs an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{listings: make(map[uuid.UUID]domain.Listing)}
}

// UpsertListing stores or replaces a listing.
func (m *MemorySource) UpsertListing(_ context.Context, listing domain.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = listing
	return nil
}

// RemoveListing deletes a listing if present.
func (m *MemorySource) RemoveListing(_ context.Context, listingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listings, listingID)
	return nil
}

// FindActiveListings scans every listing and keeps those within the radius.
func (m *MemorySource) FindActiveListings(_ context.Context, q domain.CandidateQuery) ([]domain.ListingMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []domain.ListingMatch
	for _, l := range m.listings {
		if !l.Active || !l.Offers(q.CategoryID, q.SubCategoryID) {
			continue
		}
		dist := Haversine(q.Origin, l.Location)
		if dist > q.RadiusMeters {
			continue
		}
		matches = append(matches, domain.ListingMatch{Listing: l, DistanceMeters: dist})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].DistanceMeters < matches[j].DistanceMeters })
	return matches, nil
}

// ProviderListing returns the provider's active listing for the category,
// picking the lowest listing id when several match.
func (m *MemorySource) ProviderListing(_ context.Context, providerID, categoryID uuid.UUID, subCategoryID *uuid.UUID) (domain.Listing, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  domain.Listing
		found bool
	)
	for _, l := range m.listings {
		if l.ProviderID != providerID || !l.Active || !l.Offers(categoryID, subCategoryID) {
			continue
		}
		if !found || l.ID.String() < best.ID.String() {
			best = l
			found = true
		}
	}
	return best, found, nil
}
