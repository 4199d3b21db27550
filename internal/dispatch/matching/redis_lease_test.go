package matching_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/cabdispatch/internal/dispatch/matching"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLeaseAcquireAndRelease(t *testing.T) {
	client, _ := newRedisClient(t)

	lease := matching.NewRedisLease(client, "")
	ctx := context.Background()
	cabID := uuid.New()

	acquired, err := lease.Acquire(ctx, cabID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lease.Acquire(ctx, cabID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.False(t, acquired, "held lease must not be re-acquired")

	require.NoError(t, lease.Release(ctx, cabID))

	acquired, err = lease.Acquire(ctx, cabID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestRedisLeaseTTLExpiry(t *testing.T) {
	client, mr := newRedisClient(t)

	lease := matching.NewRedisLease(client, "")
	ctx := context.Background()
	cabID := uuid.New()

	acquired, err := lease.Acquire(ctx, cabID, uuid.New(), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(150 * time.Millisecond)

	acquired, err = lease.Acquire(ctx, cabID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, acquired, "lease must expire with its TTL")
}
