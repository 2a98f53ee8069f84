package syncutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	client.Del(ctx, lockKeyPrefix+"tx-redis-1")

	l := NewRedisLocker(client, 5*time.Second)

	unlock, err := l.Lock(ctx, "tx-redis-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "tx-redis-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := l.Lock(ctx, "tx-redis-1")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_ReleaseIgnoresForeignToken(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	key := lockKeyPrefix + "tx-redis-2"
	client.Del(ctx, key)

	l := NewRedisLocker(client, 5*time.Second)
	unlock, err := l.Lock(ctx, "tx-redis-2")
	require.NoError(t, err)

	// Simulate expiry and takeover by another instance.
	require.NoError(t, client.Set(ctx, key, "other-holder", 5*time.Second).Err())
	unlock()

	v, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-holder", v)
	client.Del(ctx, key)
}
