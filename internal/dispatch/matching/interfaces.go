package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReservationLease is an optional cross-instance guard taken before the
// fleet store compare-and-set. When several dispatch instances share one
// fleet (for example behind a load balancer with a replicated position
// feed), the lease keeps two instances from racing on the same cab. The
// TTL bounds how long a crashed instance can hold a cab hostage.
type ReservationLease interface {
	Acquire(ctx context.Context, cabID, tripID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, cabID uuid.UUID) error
}
