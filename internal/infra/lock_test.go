package infra

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convoy/internal/apperr"
)

func TestLockName(t *testing.T) {
	assert.Equal(t, "lock:requestCreate", lockName("lock:requestCreate:user-1"))
	assert.Equal(t, "plain", lockName("plain"))
}

func TestRedisLockerExclusive(t *testing.T) {
	addr := os.Getenv("CONVOY_TEST_REDIS")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	key := fmt.Sprintf("lock:test:%d", time.Now().UnixNano())
	locker := NewRedisLocker(client, 150*time.Millisecond, nil)

	unlock, err := locker.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, apperr.ErrBusy)

	require.NoError(t, unlock(ctx))
	unlock2, err := locker.Obtain(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}
