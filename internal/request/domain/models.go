package domain

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusOpen        RequestStatus = "OPEN"
	StatusMatched     RequestStatus = "MATCHED"
	StatusAccepted    RequestStatus = "ACCEPTED"
	StatusExpired     RequestStatus = "EXPIRED"
	StatusCancelled   RequestStatus = "CANCELLED"
	StatusNoProviders RequestStatus = "NO_PROVIDERS_AVAILABLE"
)

var allowedTransitions = map[RequestStatus][]RequestStatus{
	StatusOpen:    {StatusMatched, StatusNoProviders, StatusExpired, StatusCancelled},
	StatusMatched: {StatusAccepted, StatusNoProviders, StatusExpired, StatusCancelled},
}

// ActiveStatuses lists the statuses eligible for waves, acceptance, decline,
// cancellation and expiry.
var ActiveStatuses = []RequestStatus{StatusOpen, StatusMatched}

func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the request is still being matched.
func (s RequestStatus) IsActive() bool {
	return s == StatusOpen || s == StatusMatched
}

func (s RequestStatus) IsTerminal() bool {
	return !s.IsActive()
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is an axis-aligned lat/lng box used by dashboard reads.
type Bounds struct {
	Min GeoPoint `json:"min"`
	Max GeoPoint `json:"max"`
}

func (b Bounds) Contains(p GeoPoint) bool {
	return p.Lat >= b.Min.Lat && p.Lat <= b.Max.Lat && p.Lng >= b.Min.Lng && p.Lng <= b.Max.Lng
}

type ServiceWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type WaveRecord struct {
	Number       int         `json:"number"`
	RadiusMeters float64     `json:"radius_meters"`
	At           time.Time   `json:"at"`
	ProviderIDs  []uuid.UUID `json:"provider_ids"`
	Count        int         `json:"count"`
}

type Decline struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// MatchingState is owned by the orchestrator and the acceptance coordinator.
type MatchingState struct {
	CurrentWave int          `json:"current_wave"`
	Waves       []WaveRecord `json:"waves"`
	Notified    []uuid.UUID  `json:"notified"`
	Declined    []Decline    `json:"declined"`
	NextWaveAt  *time.Time   `json:"next_wave_at,omitempty"`
}

func (m MatchingState) HasNotified(providerID uuid.UUID) bool {
	for _, id := range m.Notified {
		if id == providerID {
			return true
		}
	}
	return false
}

func (m MatchingState) HasDeclined(providerID uuid.UUID) bool {
	for _, d := range m.Declined {
		if d.ProviderID == providerID {
			return true
		}
	}
	return false
}

type OrderState struct {
	ProviderID uuid.UUID `json:"provider_id"`
	ListingID  uuid.UUID `json:"listing_id"`
	AcceptedAt time.Time `json:"accepted_at"`
	PriceCents int64     `json:"price_cents"`
	OrderID    uuid.UUID `json:"order_id"`
}

type Cancellation struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type ServiceRequest struct {
	ID             uuid.UUID     `json:"id"`
	SeekerID       uuid.UUID     `json:"seeker_id"`
	CategoryID     uuid.UUID     `json:"category_id"`
	SubCategoryID  *uuid.UUID    `json:"sub_category_id,omitempty"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Origin         GeoPoint      `json:"origin"`
	AddressID      *uuid.UUID    `json:"address_id,omitempty"`
	Window         ServiceWindow `json:"window"`
	Quantity       int           `json:"quantity"`
	DurationHours  *float64      `json:"duration_hours,omitempty"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	IdempotencyKey string        `json:"-"`
	Fingerprint    string        `json:"-"`

	Matching     MatchingState `json:"matching"`
	Order        *OrderState   `json:"order,omitempty"`
	Cancellation *Cancellation `json:"cancellation,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy so stores can hand out values safely.
func (r ServiceRequest) Clone() ServiceRequest {
	out := r
	if r.SubCategoryID != nil {
		v := *r.SubCategoryID
		out.SubCategoryID = &v
	}
	if r.AddressID != nil {
		v := *r.AddressID
		out.AddressID = &v
	}
	if r.DurationHours != nil {
		v := *r.DurationHours
		out.DurationHours = &v
	}
	if r.Matching.NextWaveAt != nil {
		v := *r.Matching.NextWaveAt
		out.Matching.NextWaveAt = &v
	}
	out.Matching.Notified = append([]uuid.UUID(nil), r.Matching.Notified...)
	out.Matching.Declined = append([]Decline(nil), r.Matching.Declined...)
	out.Matching.Waves = make([]WaveRecord, len(r.Matching.Waves))
	for i, w := range r.Matching.Waves {
		w.ProviderIDs = append([]uuid.UUID(nil), w.ProviderIDs...)
		out.Matching.Waves[i] = w
	}
	if r.Order != nil {
		v := *r.Order
		out.Order = &v
	}
	if r.Cancellation != nil {
		v := *r.Cancellation
		out.Cancellation = &v
	}
	return out
}

// OthersNotified returns every notified provider except the given one.
func (r ServiceRequest) OthersNotified(except uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.Matching.Notified))
	for _, id := range r.Matching.Notified {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

type UnitOfMeasure string

const (
	UnitFixed  UnitOfMeasure = "fixed"
	UnitHourly UnitOfMeasure = "hourly"
	UnitItem   UnitOfMeasure = "item"
)

// Listing is a provider's offer of a category at a fixed location.
type Listing struct {
	ID            uuid.UUID     `json:"id"`
	ProviderID    uuid.UUID     `json:"provider_id"`
	ProviderName  string        `json:"provider_name"`
	CategoryID    uuid.UUID     `json:"category_id"`
	SubCategoryID *uuid.UUID    `json:"sub_category_id,omitempty"`
	Location      GeoPoint      `json:"location"`
	PriceCents    int64         `json:"price_cents"`
	Unit          UnitOfMeasure `json:"unit"`
	Active        bool          `json:"active"`
}

// Offers reports whether the listing serves the category and, when given, the subcategory.
func (l Listing) Offers(categoryID uuid.UUID, subCategoryID *uuid.UUID) bool {
	if l.CategoryID != categoryID {
		return false
	}
	if subCategoryID == nil {
		return true
	}
	return l.SubCategoryID != nil && *l.SubCategoryID == *subCategoryID
}

type ListingMatch struct {
	Listing        Listing
	DistanceMeters float64
}

type MatchCandidate struct {
	ProviderID     uuid.UUID     `json:"provider_id"`
	ProviderName   string        `json:"provider_name"`
	DistanceMeters float64       `json:"distance_meters"`
	ListingID      uuid.UUID     `json:"listing_id"`
	PriceCents     int64         `json:"price_cents"`
	Unit           UnitOfMeasure `json:"unit"`
}

type Address struct {
	ID    *uuid.UUID `json:"id,omitempty"`
	Point GeoPoint   `json:"point"`
}

type OrderDraft struct {
	OrderID    uuid.UUID
	RequestID  uuid.UUID
	SeekerID   uuid.UUID
	ProviderID uuid.UUID
	ListingID  uuid.UUID
	TotalCents int64
	Location   GeoPoint
	Window     ServiceWindow
	Metadata   map[string]any
}

type OrderRef struct {
	ID uuid.UUID `json:"id"`
}

type EventType string

const (
	EventNewOpportunity EventType = "new-opportunity"
	EventAccepted       EventType = "accepted"
	EventClosed         EventType = "closed"
	EventExpired        EventType = "expired"
	EventNoProviders    EventType = "no-providers"
)

type CloseReason string

const (
	CloseExpired           CloseReason = "expired"
	CloseCancelled         CloseReason = "cancelled"
	CloseAcceptedByAnother CloseReason = "accepted_by_another"
)

type Notification struct {
	Event        EventType      `json:"event"`
	TargetUserID uuid.UUID      `json:"target_user_id"`
	RequestID    uuid.UUID      `json:"request_id"`
	Reason       CloseReason    `json:"reason,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
