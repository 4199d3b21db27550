package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cabdispatch/internal/dispatch/domain"
)

// TripArchiver persists completed trips to durable storage. Archiving is
// best-effort relative to the in-memory lifecycle: an archive failure never
// un-completes a trip.
type TripArchiver interface {
	SaveCompleted(ctx context.Context, trip domain.Trip) error
}

// Service coordinates bookings between handlers, the fleet store and the
// dispatch engine.
type Service struct {
	fleet    domain.FleetStore
	engine   domain.DispatchEngine
	repo     domain.TripRepository
	events   domain.EventPublisher
	clock    domain.Clock
	archiver TripArchiver
	logger   *zap.Logger
}

// New constructs a Service with the required collaborators. archiver may be
// nil when no durable store is configured.
func New(fleet domain.FleetStore, engine domain.DispatchEngine, repo domain.TripRepository, events domain.EventPublisher, clock domain.Clock, archiver TripArchiver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{fleet: fleet, engine: engine, repo: repo, events: events, clock: clock, archiver: archiver, logger: logger}
}

// RegisterCab adds a cab to the fleet on behalf of fleet management.
func (s *Service) RegisterCab(ctx context.Context, cabID, driverID uuid.UUID) error {
	if err := s.fleet.Register(ctx, cabID, driverID); err != nil {
		return err
	}
	_ = s.events.Publish(ctx, domain.DispatchEvent{
		Type:      domain.EventCabRegistered,
		CabID:     cabID,
		Payload:   map[string]any{"driver_id": driverID.String()},
		CreatedAt: s.clock.Now(),
	})
	return nil
}

// UpdatePosition ingests a location ping.
func (s *Service) UpdatePosition(ctx context.Context, cabID uuid.UUID, pos domain.Position) error {
	return s.fleet.UpdatePosition(ctx, cabID, pos)
}

// SetAvailability applies the administrative availability flag.
func (s *Service) SetAvailability(ctx context.Context, cabID uuid.UUID, available bool) error {
	return s.fleet.SetAvailability(ctx, cabID, available)
}

// DeregisterCab removes a cab from the fleet. Open trips on it complete
// normally; their release becomes a no-op.
func (s *Service) DeregisterCab(ctx context.Context, cabID uuid.UUID) error {
	return s.fleet.Deregister(ctx, cabID)
}

// Book reserves the nearest eligible cab and opens a trip. Two calls with
// identical parameters produce two independent bookings; deduplication is a
// front-end concern.
func (s *Service) Book(ctx context.Context, riderID uuid.UUID, origin domain.Position, maxDistance float64) (domain.Trip, error) {
	if maxDistance < 0 {
		return domain.Trip{}, fmt.Errorf("%w: max distance must be non-negative", domain.ErrInvalidRequest)
	}

	tripID := uuid.New()
	req := domain.Request{RiderID: riderID, Origin: origin, MaxDistance: maxDistance}
	cabID, err := s.engine.Reserve(ctx, req, tripID)
	if err != nil {
		return domain.Trip{}, err
	}

	trip := domain.Trip{
		ID:          tripID,
		RiderID:     riderID,
		CabID:       cabID,
		Destination: origin,
		StartedAt:   s.clock.Now(),
	}
	created, err := s.repo.CreateTrip(ctx, trip)
	if err != nil {
		if relErr := s.engine.Release(ctx, cabID); relErr != nil && !errors.Is(relErr, domain.ErrCabNotFound) {
			s.logger.Error("release after failed create", zap.Stringer("cab_id", cabID), zap.Error(relErr))
		}
		return domain.Trip{}, fmt.Errorf("create trip: %w", err)
	}

	_ = s.events.Publish(ctx, domain.DispatchEvent{
		Type:      domain.EventTripBooked,
		TripID:    created.ID,
		CabID:     cabID,
		RiderID:   riderID,
		CreatedAt: created.StartedAt,
	})
	return created, nil
}

// Complete ends the trip exactly once and frees the cab. Completing an
// already-completed trip returns domain.ErrTripCompleted and changes
// nothing; completing a trip whose cab was deregistered mid-trip succeeds
// with the release skipped.
func (s *Service) Complete(ctx context.Context, tripID uuid.UUID) (domain.Trip, error) {
	completed, err := s.repo.CompleteTrip(ctx, tripID, s.clock.Now())
	if err != nil {
		return domain.Trip{}, err
	}

	if err := s.engine.Release(ctx, completed.CabID); err != nil {
		if !errors.Is(err, domain.ErrCabNotFound) {
			return domain.Trip{}, fmt.Errorf("release cab: %w", err)
		}
		s.logger.Info("cab deregistered mid-trip, release skipped",
			zap.Stringer("trip_id", tripID), zap.Stringer("cab_id", completed.CabID))
	}

	if s.archiver != nil {
		if err := s.archiver.SaveCompleted(ctx, completed); err != nil {
			s.logger.Error("archive completed trip", zap.Stringer("trip_id", tripID), zap.Error(err))
		}
	}

	_ = s.events.Publish(ctx, domain.DispatchEvent{
		Type:      domain.EventTripCompleted,
		TripID:    completed.ID,
		CabID:     completed.CabID,
		RiderID:   completed.RiderID,
		CreatedAt: *completed.EndedAt,
	})
	return completed, nil
}

// History returns the rider's trips in booking order.
func (s *Service) History(ctx context.Context, riderID uuid.UUID) ([]domain.Trip, error) {
	return s.repo.History(ctx, riderID)
}

// FleetSnapshot returns a diagnostic copy of the pool.
func (s *Service) FleetSnapshot(ctx context.Context) []domain.Cab {
	return s.fleet.Snapshot(ctx)
}

// PickupEstimate is the result of a non-reserving nearest-cab preview.
type PickupEstimate struct {
	CabID    uuid.UUID     `json:"cab_id"`
	Distance float64       `json:"distance"`
	ETA      time.Duration `json:"eta_ns"`
}

// nominalSpeed converts straight-line distance into a rough pickup ETA for
// the preview endpoint. Distance units per second.
const nominalSpeed = 8.0

// EstimatePickup previews the cab a booking at origin would currently get,
// without reserving anything. Returns ErrNoAvailableCab when the pool has
// no eligible cab in range.
func (s *Service) EstimatePickup(ctx context.Context, origin domain.Position, maxDistance float64) (PickupEstimate, error) {
	if maxDistance < 0 {
		return PickupEstimate{}, fmt.Errorf("%w: max distance must be non-negative", domain.ErrInvalidRequest)
	}
	candidates := s.fleet.Candidates(ctx, origin, maxDistance)
	if len(candidates) == 0 {
		return PickupEstimate{}, domain.ErrNoAvailableCab
	}
	best := candidates[0]
	return PickupEstimate{
		CabID:    best.CabID,
		Distance: best.Distance,
		ETA:      time.Duration(best.Distance / nominalSpeed * float64(time.Second)),
	}, nil
}
