package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

// Config tunes the scan-then-reserve loop.
type Config struct {
	// MaxAttempts caps full re-scans after contention losses.
	MaxAttempts int
	// Backoff is the base delay between re-scans, doubled per attempt.
	Backoff time.Duration
	// LeaseTTL is attached to cross-instance leases when a lease store is set.
	LeaseTTL time.Duration
}

// Dispatcher implements domain.DispatchEngine against a FleetStore, with an
// optional cross-instance ReservationLease layered in front of the store's
// compare-and-set.
//
// The loop walks candidates nearest-first and tries to reserve each one. A
// candidate can be lost between scan and reserve when a concurrent booking
// wins the compare-and-set; losing is not an error, the walk simply moves
// on. When every candidate of a non-empty scan is lost, the pool is under
// contention rather than exhausted, so the dispatcher backs off and
// re-scans. Only an empty scan, or running out of attempts, yields
// ErrNoAvailableCab.
type Dispatcher struct {
	fleet  domain.FleetStore
	lease  ReservationLease
	logger *zap.Logger
	cfg    Config
}

// NewDispatcher constructs a Dispatcher. lease may be nil for
// single-instance deployments.
func NewDispatcher(fleet domain.FleetStore, lease ReservationLease, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 20 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{fleet: fleet, lease: lease, logger: logger, cfg: cfg}
}

// Reserve selects the nearest eligible cab within req.MaxDistance and
// atomically reserves it for tripID. Ties on distance resolve to the
// earliest-registered cab.
func (d *Dispatcher) Reserve(ctx context.Context, req domain.Request, tripID uuid.UUID) (uuid.UUID, error) {
	start := time.Now()
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		candidates := d.fleet.Candidates(ctx, req.Origin, req.MaxDistance)
		if len(candidates) == 0 {
			break
		}
		for _, cand := range candidates {
			cabID, ok, err := d.tryCandidate(ctx, cand, tripID)
			if err != nil {
				matchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
				return uuid.Nil, err
			}
			if ok {
				matchDuration.WithLabelValues("matched").Observe(time.Since(start).Seconds())
				return cabID, nil
			}
			reservationConflicts.Inc()
		}
		if attempt < d.cfg.MaxAttempts-1 {
			rescans.Inc()
			backoff := d.cfg.Backoff << attempt
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return uuid.Nil, ctx.Err()
			}
		}
	}
	matchDuration.WithLabelValues("no_match").Observe(time.Since(start).Seconds())
	d.logger.Debug("no eligible cab",
		zap.Stringer("rider_id", req.RiderID),
		zap.Float64("max_distance", req.MaxDistance))
	return uuid.Nil, domain.ErrNoAvailableCab
}

func (d *Dispatcher) tryCandidate(ctx context.Context, cand domain.Candidate, tripID uuid.UUID) (uuid.UUID, bool, error) {
	if d.lease != nil {
		acquired, err := d.lease.Acquire(ctx, cand.CabID, tripID, d.cfg.LeaseTTL)
		if err != nil {
			return uuid.Nil, false, err
		}
		if !acquired {
			return uuid.Nil, false, nil
		}
	}
	if d.fleet.TryReserve(ctx, cand.CabID, tripID) {
		return cand.CabID, true, nil
	}
	// Lost the store CAS after winning the lease; hand the lease back so the
	// winner's eventual release is not blocked on TTL expiry.
	if d.lease != nil {
		if err := d.lease.Release(ctx, cand.CabID); err != nil {
			d.logger.Warn("lease rollback failed", zap.Stringer("cab_id", cand.CabID), zap.Error(err))
		}
	}
	return uuid.Nil, false, nil
}

// Release frees the cab for matching again. A cab deregistered mid-trip is
// reported as domain.ErrCabNotFound; callers decide whether that matters.
func (d *Dispatcher) Release(ctx context.Context, cabID uuid.UUID) error {
	if d.lease != nil {
		if err := d.lease.Release(ctx, cabID); err != nil {
			d.logger.Warn("lease release failed", zap.Stringer("cab_id", cabID), zap.Error(err))
		}
	}
	return d.fleet.Release(ctx, cabID)
}
