package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLocker(client, "test:")
	b := NewRedisLocker(client, "test:")

	lease, err := a.TryLock(ctx, "batch", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test:batch", lease.Key())

	_, err = b.TryLock(ctx, "batch", 10*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)

	next, err := b.TryLock(ctx, "batch", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestRedisLockerExpiredLeaseCannotRelease(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	l := NewRedisLocker(client, "test:")

	stale, err := l.TryLock(ctx, "inv", 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := client.Get(ctx, "test:inv").Result()
		return err == redis.Nil
	}, 5*time.Second, 50*time.Millisecond)

	fresh, err := l.TryLock(ctx, "inv", 10*time.Second)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.NoError(t, fresh.Release(ctx))
}
