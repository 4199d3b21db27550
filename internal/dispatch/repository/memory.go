package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

// MemoryRepository stores trips and per-rider history in process memory.
// History is append-only in booking order, which is what the query API
// promises: chronological regardless of completion order.
type MemoryRepository struct {
	mu      sync.RWMutex
	trips   map[uuid.UUID]domain.Trip
	history map[uuid.UUID][]uuid.UUID
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		trips:   make(map[uuid.UUID]domain.Trip),
		history: make(map[uuid.UUID][]uuid.UUID),
	}
}

// CreateTrip stores the trip and appends it to the rider's history.
func (m *MemoryRepository) CreateTrip(_ context.Context, trip domain.Trip) (domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trip.ID] = trip
	m.history[trip.RiderID] = append(m.history[trip.RiderID], trip.ID)
	return trip, nil
}

// GetTripByID retrieves a trip.
func (m *MemoryRepository) GetTripByID(_ context.Context, id uuid.UUID) (domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trip, ok := m.trips[id]
	if !ok {
		return domain.Trip{}, domain.ErrTripNotFound
	}
	return trip, nil
}

// CompleteTrip sets EndedAt under the repository lock so concurrent
// completion attempts serialize: the first wins, every later one gets
// ErrTripCompleted and the stored end time is untouched.
func (m *MemoryRepository) CompleteTrip(_ context.Context, id uuid.UUID, endedAt time.Time) (domain.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[id]
	if !ok {
		return domain.Trip{}, domain.ErrTripNotFound
	}
	if trip.EndedAt != nil {
		return domain.Trip{}, domain.ErrTripCompleted
	}
	t := endedAt
	trip.EndedAt = &t
	m.trips[id] = trip
	return trip, nil
}

// History returns the rider's trips in booking order.
func (m *MemoryRepository) History(_ context.Context, riderID uuid.UUID) ([]domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.history[riderID]
	out := make([]domain.Trip, 0, len(ids))
	for _, id := range ids {
		if trip, ok := m.trips[id]; ok {
			out = append(out, trip)
		}
	}
	return out, nil
}
