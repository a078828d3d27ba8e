package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lease
var ErrNotAcquired = errors.New("lease held by another owner")

const keyPrefix = "lease:"

// Only the token that took the lease may release it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named, expiring leases so a job runs on one replica at a time
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lease is a held lock. It expires on its own if never released.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lease name for ttl, or returns ErrNotAcquired
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	key := keyPrefix + name

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Release gives the lease back if this holder still owns it
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
