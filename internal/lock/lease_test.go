package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestLocker_SingleHolder(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "overdue-scan", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "overdue-scan", time.Minute)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	// Other jobs are independent
	other, err := locker.Acquire(ctx, "retry", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))

	again, err := locker.Acquire(ctx, "overdue-scan", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocker_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "cycle", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "cycle", time.Minute)
	require.NoError(t, err)

	// The stale holder's release must not drop the new lease
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(keyPrefix+"cycle"))

	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists(keyPrefix+"cycle"))
}
