package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeasePrefix = "lease:cab:"

// RedisLease implements ReservationLease on Redis SET NX EX semantics. The
// key holds the trip id so a stuck lease can be traced back to its booking.
type RedisLease struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisLease constructs the lease helper.
func NewRedisLease(client redis.Cmdable, prefix string) *RedisLease {
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	return &RedisLease{client: client, keyPrefix: prefix}
}

// Acquire attempts to take the lease for tripID.
func (r *RedisLease) Acquire(ctx context.Context, cabID, tripID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	key := r.keyPrefix + cabID.String()
	ok, err := r.client.SetNX(ctx, key, tripID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops the lease key.
func (r *RedisLease) Release(ctx context.Context, cabID uuid.UUID) error {
	key := r.keyPrefix + cabID.String()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
