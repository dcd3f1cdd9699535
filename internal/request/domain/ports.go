package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Condition guards a RequestStore update. Zero-valued fields are not checked.
type Condition struct {
	Statuses         []RequestStatus
	Version          int64
	NotifiedProvider *uuid.UUID
}

// Change describes the fields an update writes. Zero-valued fields are left untouched.
type Change struct {
	Status        RequestStatus
	CurrentWave   *int
	NextWaveAt    *time.Time
	ClearNextWave bool
	Wave          *WaveRecord
	Notified      []uuid.UUID
	Decline       *Decline
	Order         *OrderState
	Cancellation  *Cancellation
	At            time.Time
}

// RequestStore persists service requests. Update is the only concurrency
// control in the engine: it must apply the change atomically if and only if
// the stored request satisfies the condition, and return ErrConditionFailed otherwise.
type RequestStore interface {
	Create(ctx context.Context, req ServiceRequest) (ServiceRequest, error)
	Get(ctx context.Context, id uuid.UUID) (ServiceRequest, error)
	GetByIdempotencyKey(ctx context.Context, seekerID uuid.UUID, key string) (ServiceRequest, error)
	Update(ctx context.Context, id uuid.UUID, cond Condition, change Change) (ServiceRequest, error)
	ListDueForWave(ctx context.Context, now time.Time, maxWaves, limit int) ([]ServiceRequest, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]ServiceRequest, error)
	ListInBounds(ctx context.Context, bounds Bounds, statuses []RequestStatus, limit int) ([]ServiceRequest, error)
}

type CandidateQuery struct {
	Origin        GeoPoint
	RadiusMeters  float64
	CategoryID    uuid.UUID
	SubCategoryID *uuid.UUID
	Exclude       []uuid.UUID
}

type CandidateFinder interface {
	FindCandidates(ctx context.Context, q CandidateQuery) ([]MatchCandidate, error)
}

// ListingResolver finds the listing a provider would fulfil a request with.
type ListingResolver interface {
	ProviderListing(ctx context.Context, providerID, categoryID uuid.UUID, subCategoryID *uuid.UUID) (Listing, bool, error)
}

type AddressResolver interface {
	ResolveAddress(ctx context.Context, userID uuid.UUID, addressID *uuid.UUID, point *GeoPoint) (Address, error)
}

type CategoryCatalog interface {
	CategoryName(ctx context.Context, categoryID uuid.UUID) (string, error)
}

// OrderCreator creates the downstream order for an accepted request. The id is
// caller-assigned: implementations must create the order under draft.OrderID
// and return it unchanged, or fail.
type OrderCreator interface {
	CreateOrder(ctx context.Context, draft OrderDraft) (OrderRef, error)
}

// Notifier delivers events to seekers and providers. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
