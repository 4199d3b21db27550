package matching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/cabdispatch/internal/dispatch/domain"
	"github.com/example/cabdispatch/internal/dispatch/fleet"
)

func newFleet(t *testing.T, positions ...domain.Position) (*fleet.MemoryStore, []uuid.UUID) {
	t.Helper()
	store := fleet.NewMemoryStore()
	ctx := context.Background()
	ids := make([]uuid.UUID, 0, len(positions))
	for _, pos := range positions {
		id := uuid.New()
		require.NoError(t, store.Register(ctx, id, uuid.New()))
		require.NoError(t, store.UpdatePosition(ctx, id, pos))
		ids = append(ids, id)
	}
	return store, ids
}

func TestReservePicksNearestWithinBound(t *testing.T) {
	store, ids := newFleet(t,
		domain.Position{X: 10, Y: 10}, // dist 14.14 from origin
		domain.Position{X: 5, Y: 5},   // dist 7.07
	)
	d := NewDispatcher(store, nil, nil, Config{})
	ctx := context.Background()

	got, err := d.Reserve(ctx, domain.Request{Origin: domain.Position{}, MaxDistance: 15}, uuid.New())
	require.NoError(t, err)
	require.Equal(t, ids[1], got, "closer cab wins")

	got, err = d.Reserve(ctx, domain.Request{Origin: domain.Position{}, MaxDistance: 15}, uuid.New())
	require.NoError(t, err)
	require.Equal(t, ids[0], got, "next booking falls back to the farther cab")

	_, err = d.Reserve(ctx, domain.Request{Origin: domain.Position{}, MaxDistance: 15}, uuid.New())
	require.ErrorIs(t, err, domain.ErrNoAvailableCab)
}

func TestReserveRespectsDistanceBound(t *testing.T) {
	store, _ := newFleet(t, domain.Position{X: 5, Y: 5})
	d := NewDispatcher(store, nil, nil, Config{})

	_, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 7}, uuid.New())
	require.ErrorIs(t, err, domain.ErrNoAvailableCab)
}

func TestReserveZeroMaxDistance(t *testing.T) {
	store, ids := newFleet(t,
		domain.Position{X: 1, Y: 0},
		domain.Position{X: 0, Y: 0},
	)
	d := NewDispatcher(store, nil, nil, Config{})

	// maxDistance 0 only matches a cab at the exact origin.
	got, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 0}, uuid.New())
	require.NoError(t, err)
	require.Equal(t, ids[1], got)

	_, err = d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 0}, uuid.New())
	require.ErrorIs(t, err, domain.ErrNoAvailableCab)
}

func TestReserveTieBreaksByRegistrationOrder(t *testing.T) {
	same := domain.Position{X: 3, Y: 3}
	store, ids := newFleet(t, same, same, same)
	d := NewDispatcher(store, nil, nil, Config{})

	for _, want := range ids {
		got, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 10}, uuid.New())
		require.NoError(t, err)
		require.Equal(t, want, got, "equidistant cabs assign in registration order")
	}
}

func TestConcurrentReservationsNeverShareACab(t *testing.T) {
	positions := make([]domain.Position, 8)
	for i := range positions {
		positions[i] = domain.Position{X: float64(i + 1), Y: 0}
	}
	store, _ := newFleet(t, positions...)
	d := NewDispatcher(store, nil, nil, Config{})

	const bookings = 32
	var wg sync.WaitGroup
	results := make(chan uuid.UUID, bookings)
	for i := 0; i < bookings; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cabID, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 100}, uuid.New())
			if err == nil {
				results <- cabID
			} else {
				require.ErrorIs(t, err, domain.ErrNoAvailableCab)
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uuid.UUID]bool)
	for cabID := range results {
		require.False(t, seen[cabID], "cab %s assigned twice", cabID)
		seen[cabID] = true
	}
	require.Len(t, seen, len(positions), "every cab should be assigned exactly once")
}

type stubLease struct {
	mu       sync.Mutex
	denied   map[uuid.UUID]bool
	acquired []uuid.UUID
	released []uuid.UUID
}

func (s *stubLease) Acquire(_ context.Context, cabID, _ uuid.UUID, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[cabID] {
		return false, nil
	}
	s.acquired = append(s.acquired, cabID)
	return true, nil
}

func (s *stubLease) Release(_ context.Context, cabID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, cabID)
	return nil
}

func TestLeaseDenialFallsToNextCandidate(t *testing.T) {
	store, ids := newFleet(t,
		domain.Position{X: 1, Y: 0},
		domain.Position{X: 2, Y: 0},
	)
	lease := &stubLease{denied: map[uuid.UUID]bool{ids[0]: true}}
	d := NewDispatcher(store, lease, nil, Config{MaxAttempts: 1})

	got, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 10}, uuid.New())
	require.NoError(t, err)
	require.Equal(t, ids[1], got)
}

func TestLeaseRolledBackWhenStoreCASLoses(t *testing.T) {
	store, ids := newFleet(t, domain.Position{X: 1, Y: 0})
	// Simulate a scan/reserve race: the candidate is scanned, then stolen.
	lease := &stubLease{}
	stealing := &stealingFleet{MemoryStore: store, steal: ids[0]}
	d := NewDispatcher(stealing, lease, nil, Config{MaxAttempts: 1})

	_, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 10}, uuid.New())
	require.ErrorIs(t, err, domain.ErrNoAvailableCab)
	require.Equal(t, []uuid.UUID{ids[0]}, lease.acquired)
	require.Equal(t, []uuid.UUID{ids[0]}, lease.released, "lease must be handed back after losing the CAS")
}

func TestReleaseFreesLeaseAndStore(t *testing.T) {
	store, _ := newFleet(t, domain.Position{X: 1, Y: 0})
	lease := &stubLease{}
	d := NewDispatcher(store, lease, nil, Config{})

	got, err := d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 10}, uuid.New())
	require.NoError(t, err)
	require.NoError(t, d.Release(context.Background(), got))
	require.Contains(t, lease.released, got)

	_, err = d.Reserve(context.Background(), domain.Request{Origin: domain.Position{}, MaxDistance: 10}, uuid.New())
	require.NoError(t, err, "released cab is matchable again")
}

// stealingFleet reserves the target cab between the scan and the dispatch
// loop's TryReserve, reproducing a lost race.
type stealingFleet struct {
	*fleet.MemoryStore
	steal uuid.UUID
	once  sync.Once
}

func (s *stealingFleet) Candidates(ctx context.Context, origin domain.Position, maxDistance float64) []domain.Candidate {
	out := s.MemoryStore.Candidates(ctx, origin, maxDistance)
	s.once.Do(func() {
		s.MemoryStore.TryReserve(ctx, s.steal, uuid.New())
	})
	return out
}
