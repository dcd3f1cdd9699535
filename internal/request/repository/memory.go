package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/wavematch/internal/request/domain"
)

type idempotencyKey struct {
	seeker uuid.UUID
	key    string
}

// MemoryRepository provides an in-memory RequestStore suitable for tests and local demos.
// Wave records are kept in a per-request log apart from the request itself.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]domain.ServiceRequest
	waves    map[uuid.UUID][]domain.WaveRecord
	keys     map[idempotencyKey]uuid.UUID
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[uuid.UUID]domain.ServiceRequest),
		waves:    make(map[uuid.UUID][]domain.WaveRecord),
		keys:     make(map[idempotencyKey]uuid.UUID),
	}
}

// Create stores a new request, enforcing idempotency key uniqueness per seeker.
func (m *MemoryRepository) Create(_ context.Context, req domain.ServiceRequest) (domain.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.IdempotencyKey != "" {
		k := idempotencyKey{seeker: req.SeekerID, key: req.IdempotencyKey}
		if _, exists := m.keys[k]; exists {
			return domain.ServiceRequest{}, domain.ErrDuplicateKey
		}
		m.keys[k] = req.ID
	}
	if req.Version == 0 {
		req.Version = 1
	}
	stored := req.Clone()
	m.waves[req.ID] = stored.Matching.Waves
	stored.Matching.Waves = nil
	m.requests[req.ID] = stored
	return m.load(req.ID), nil
}

// Get retrieves a request together with its wave log.
func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[id]; !ok {
		return domain.ServiceRequest{}, domain.ErrRequestNotFound
	}
	return m.load(id), nil
}

// GetByIdempotencyKey finds the request created with the seeker's key.
func (m *MemoryRepository) GetByIdempotencyKey(_ context.Context, seekerID uuid.UUID, key string) (domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[idempotencyKey{seeker: seekerID, key: key}]
	if !ok {
		return domain.ServiceRequest{}, domain.ErrRequestNotFound
	}
	return m.load(id), nil
}

// Update applies change only if the stored request satisfies cond. The check
// and the write happen under one lock, giving compare-and-set semantics.
func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, cond domain.Condition, change domain.Change) (domain.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.ServiceRequest{}, domain.ErrRequestNotFound
	}
	if !satisfies(req, cond) {
		return domain.ServiceRequest{}, domain.ErrConditionFailed
	}

	req = req.Clone()
	if change.Status != "" {
		req.Status = change.Status
	}
	if change.CurrentWave != nil {
		req.Matching.CurrentWave = *change.CurrentWave
	}
	if change.ClearNextWave {
		req.Matching.NextWaveAt = nil
	} else if change.NextWaveAt != nil {
		next := *change.NextWaveAt
		req.Matching.NextWaveAt = &next
	}
	for _, p := range change.Notified {
		if !req.Matching.HasNotified(p) {
			req.Matching.Notified = append(req.Matching.Notified, p)
		}
	}
	if change.Decline != nil && !req.Matching.HasDeclined(change.Decline.ProviderID) {
		req.Matching.Declined = append(req.Matching.Declined, *change.Decline)
	}
	if change.Order != nil {
		order := *change.Order
		req.Order = &order
	}
	if change.Cancellation != nil {
		c := *change.Cancellation
		req.Cancellation = &c
	}
	if change.Wave != nil {
		w := *change.Wave
		w.ProviderIDs = append([]uuid.UUID(nil), w.ProviderIDs...)
		m.waves[id] = append(m.waves[id], w)
	}
	if !change.At.IsZero() {
		req.UpdatedAt = change.At
	}
	req.Version++
	m.requests[id] = req
	return m.load(id), nil
}

// ListDueForWave returns active requests whose next wave time has elapsed, oldest schedule first.
func (m *MemoryRepository) ListDueForWave(_ context.Context, now time.Time, maxWaves, limit int) ([]domain.ServiceRequest, error) {
	return m.list(limit, func(r domain.ServiceRequest) bool {
		next := r.Matching.NextWaveAt
		return r.Status.IsActive() && next != nil && !next.After(now) && r.Matching.CurrentWave < maxWaves
	}, func(a, b domain.ServiceRequest) bool {
		return a.Matching.NextWaveAt.Before(*b.Matching.NextWaveAt)
	}), nil
}

// ListExpired returns active requests past their absolute expiry, earliest first.
func (m *MemoryRepository) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.ServiceRequest, error) {
	return m.list(limit, func(r domain.ServiceRequest) bool {
		return r.Status.IsActive() && r.ExpiresAt.Before(now)
	}, func(a, b domain.ServiceRequest) bool {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}), nil
}

// ListInBounds returns requests whose origin lies inside bounds, newest first.
func (m *MemoryRepository) ListInBounds(_ context.Context, bounds domain.Bounds, statuses []domain.RequestStatus, limit int) ([]domain.ServiceRequest, error) {
	return m.list(limit, func(r domain.ServiceRequest) bool {
		return bounds.Contains(r.Origin) && hasStatus(statuses, r.Status)
	}, func(a, b domain.ServiceRequest) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

func (m *MemoryRepository) list(limit int, keep func(domain.ServiceRequest) bool, less func(a, b domain.ServiceRequest) bool) []domain.ServiceRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ServiceRequest
	for id, r := range m.requests {
		if keep(r) {
			out = append(out, m.load(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// load must be called with the lock held.
func (m *MemoryRepository) load(id uuid.UUID) domain.ServiceRequest {
	req := m.requests[id].Clone()
	waves := m.waves[id]
	req.Matching.Waves = make([]domain.WaveRecord, len(waves))
	for i, w := range waves {
		w.ProviderIDs = append([]uuid.UUID(nil), w.ProviderIDs...)
		req.Matching.Waves[i] = w
	}
	return req
}

func satisfies(req domain.ServiceRequest, cond domain.Condition) bool {
	if len(cond.Statuses) > 0 && !hasStatus(cond.Statuses, req.Status) {
		return false
	}
	if cond.Version != 0 && cond.Version != req.Version {
		return false
	}
	if cond.NotifiedProvider != nil && !req.Matching.HasNotified(*cond.NotifiedProvider) {
		return false
	}
	return true
}

// hasStatus treats an empty filter as "any status".
func hasStatus(statuses []domain.RequestStatus, s domain.RequestStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
