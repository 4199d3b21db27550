package fleet

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

// MemoryStore is the authoritative in-memory cab pool. A single RWMutex
// guards the whole pool: mutations take the write lock, scans take the read
// lock, so a scan never observes a half-updated position and the reserve
// compare-and-set is linearizable with respect to every other operation.
type MemoryStore struct {
	mu      sync.RWMutex
	cabs    map[uuid.UUID]*domain.Cab
	nextSeq uint64
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cabs: make(map[uuid.UUID]*domain.Cab)}
}

// Register adds a new cab with no position, available for matching.
func (s *MemoryStore) Register(_ context.Context, cabID, driverID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cabs[cabID]; exists {
		return domain.ErrDuplicateCab
	}
	s.nextSeq++
	s.cabs[cabID] = &domain.Cab{
		ID:        cabID,
		DriverID:  driverID,
		Available: true,
		Seq:       s.nextSeq,
	}
	return nil
}

// UpdatePosition replaces the cab position. The update is visible to the
// next scan in its entirety or not at all.
func (s *MemoryStore) UpdatePosition(_ context.Context, cabID uuid.UUID, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cab, ok := s.cabs[cabID]
	if !ok {
		return domain.ErrCabNotFound
	}
	p := pos
	cab.Position = &p
	return nil
}

// SetAvailability flips the administrative flag. It never touches the
// reservation bit: a reserved cab stays bound to its trip regardless.
func (s *MemoryStore) SetAvailability(_ context.Context, cabID uuid.UUID, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cab, ok := s.cabs[cabID]
	if !ok {
		return domain.ErrCabNotFound
	}
	cab.Available = available
	return nil
}

// Deregister removes the cab from the pool. An open trip bound to it still
// completes; the release simply becomes a no-op.
func (s *MemoryStore) Deregister(_ context.Context, cabID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cabs[cabID]; !ok {
		return domain.ErrCabNotFound
	}
	delete(s.cabs, cabID)
	return nil
}

// Snapshot returns a deep copy of the pool for diagnostics.
func (s *MemoryStore) Snapshot(_ context.Context) []domain.Cab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Cab, 0, len(s.cabs))
	for _, cab := range s.cabs {
		c := *cab
		if cab.Position != nil {
			p := *cab.Position
			c.Position = &p
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Candidates returns eligible cabs within maxDistance of origin, sorted by
// distance then registration sequence. The bound is inclusive: a cab at
// exactly maxDistance qualifies.
func (s *MemoryStore) Candidates(_ context.Context, origin domain.Position, maxDistance float64) []domain.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Candidate
	for _, cab := range s.cabs {
		if !cab.Eligible() {
			continue
		}
		d := origin.Distance(*cab.Position)
		if d > maxDistance {
			continue
		}
		out = append(out, domain.Candidate{CabID: cab.ID, Distance: d, Seq: cab.Seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// TryReserve flips the cab to reserved if and only if it is still eligible.
// Exactly one concurrent caller can win this compare-and-set; losers are
// expected to re-scan.
func (s *MemoryStore) TryReserve(_ context.Context, cabID, _ uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cab, ok := s.cabs[cabID]
	if !ok || !cab.Eligible() {
		return false
	}
	cab.Reserved = true
	return true
}

// Release clears the reservation bit. Releasing an unreserved cab is safe;
// releasing an unknown cab reports ErrCabNotFound so callers can decide
// whether that matters (trip completion treats it as a no-op).
func (s *MemoryStore) Release(_ context.Context, cabID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cab, ok := s.cabs[cabID]
	if !ok {
		return domain.ErrCabNotFound
	}
	cab.Reserved = false
	return nil
}
