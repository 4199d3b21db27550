package domain

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateCab is returned when registering a cab id that already exists.
	ErrDuplicateCab = errors.New("cab already registered")
	// ErrCabNotFound is returned for operations on an unknown cab id.
	ErrCabNotFound = errors.New("cab not found")
	// ErrTripNotFound is returned for operations on an unknown trip id.
	ErrTripNotFound = errors.New("trip not found")
	// ErrNoAvailableCab signals that no eligible cab exists for a booking.
	// It is a normal negative outcome, not a system fault.
	ErrNoAvailableCab = errors.New("no available cab within range")
	// ErrTripCompleted is returned when completing a trip a second time.
	ErrTripCompleted = errors.New("trip already completed")
	// ErrInvalidRequest covers malformed booking parameters.
	ErrInvalidRequest = errors.New("invalid booking request")
)

// Position is a point on the dispatch plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to other.
func (p Position) Distance(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Cab is a unit of dispatchable capacity. Position is nil until the first
// location update arrives; a cab without a position is never eligible.
// Seq is the registration sequence number used for deterministic tie-breaks.
type Cab struct {
	ID        uuid.UUID `json:"id"`
	DriverID  uuid.UUID `json:"driver_id"`
	Position  *Position `json:"position,omitempty"`
	Available bool      `json:"available"`
	Reserved  bool      `json:"reserved"`
	Seq       uint64    `json:"seq"`
}

// Eligible reports whether the cab can be matched at all. The distance bound
// is checked separately by the dispatcher.
func (c Cab) Eligible() bool {
	return c.Position != nil && c.Available && !c.Reserved
}

// Request describes one booking attempt. It is never persisted.
type Request struct {
	RiderID     uuid.UUID
	Origin      Position
	MaxDistance float64
}

// Trip binds one rider to one cab from booking until completion. Rider and
// cab never change after creation; EndedAt is set exactly once.
type Trip struct {
	ID          uuid.UUID  `json:"id"`
	RiderID     uuid.UUID  `json:"rider_id"`
	CabID       uuid.UUID  `json:"cab_id"`
	Destination Position   `json:"destination"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Completed reports whether the trip has reached its terminal state.
func (t Trip) Completed() bool { return t.EndedAt != nil }

// Candidate is a cab that passed the eligibility scan, carrying the distance
// it was scanned at and its registration sequence for tie-breaking.
type Candidate struct {
	CabID    uuid.UUID
	Distance float64
	Seq      uint64
}

// FleetStore owns the cab pool. It is the only holder of mutable cab state;
// the reservation bit is flipped exclusively through TryReserve/Release.
type FleetStore interface {
	Register(ctx context.Context, cabID, driverID uuid.UUID) error
	UpdatePosition(ctx context.Context, cabID uuid.UUID, pos Position) error
	SetAvailability(ctx context.Context, cabID uuid.UUID, available bool) error
	Deregister(ctx context.Context, cabID uuid.UUID) error
	Snapshot(ctx context.Context) []Cab

	Candidates(ctx context.Context, origin Position, maxDistance float64) []Candidate
	TryReserve(ctx context.Context, cabID, tripID uuid.UUID) bool
	Release(ctx context.Context, cabID uuid.UUID) error
}

// DispatchEngine selects and reserves the nearest eligible cab.
type DispatchEngine interface {
	Reserve(ctx context.Context, req Request, tripID uuid.UUID) (uuid.UUID, error)
	Release(ctx context.Context, cabID uuid.UUID) error
}

// TripRepository stores trips and per-rider history.
type TripRepository interface {
	CreateTrip(ctx context.Context, trip Trip) (Trip, error)
	GetTripByID(ctx context.Context, id uuid.UUID) (Trip, error)
	// CompleteTrip sets EndedAt exactly once; a second call returns
	// ErrTripCompleted and leaves the stored trip untouched.
	CompleteTrip(ctx context.Context, id uuid.UUID, endedAt time.Time) (Trip, error)
	History(ctx context.Context, riderID uuid.UUID) ([]Trip, error)
}

// DispatchEventType enumerates published lifecycle events.
type DispatchEventType string

const (
	EventCabRegistered DispatchEventType = "CabRegistered"
	EventTripBooked    DispatchEventType = "TripBooked"
	EventTripCompleted DispatchEventType = "TripCompleted"
)

// DispatchEvent is the payload published to the events subject.
type DispatchEvent struct {
	Type      DispatchEventType `json:"type"`
	TripID    uuid.UUID         `json:"trip_id,omitempty"`
	CabID     uuid.UUID         `json:"cab_id,omitempty"`
	RiderID   uuid.UUID         `json:"rider_id,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventPublisher emits dispatch events to interested collaborators.
type EventPublisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
