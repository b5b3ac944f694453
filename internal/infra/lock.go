// README: Short-lived distributed mutual exclusion on Redis (SET NX PX + token-checked release).
package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"convoy/internal/apperr"
)

var errLockHeld = errors.New("lock held")

// Unlock releases a lock previously obtained from a Locker.
type Unlock func(ctx context.Context) error

// Locker acquires named locks with a TTL, blocking at most the retry budget.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisLocker struct {
	redis   *redis.Client
	budget  time.Duration
	metrics *Metrics
}

func NewRedisLocker(client *redis.Client, budget time.Duration, m *Metrics) *RedisLocker {
	return &RedisLocker{redis: client, budget: budget, metrics: m}
}

// Obtain returns apperr.ErrBusy when the lock stays held past the retry budget
// and an infrastructure error when Redis cannot be reached.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	token := uuid.NewString()
	err := Retry(ctx, l.budget, func() error {
		ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return Permanent(apperr.Infra("lock "+key, err))
		}
		if !ok {
			return errLockHeld
		}
		return nil
	})
	if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
		l.metrics.LockBusy(lockName(key))
		return nil, fmt.Errorf("lock %s: %w", key, apperr.ErrBusy)
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
			return apperr.Infra("unlock "+key, err)
		}
		return nil
	}, nil
}

func lockName(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
