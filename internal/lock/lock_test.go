package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	lease, err := l.TryLock(ctx, "investment:1", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "investment:1", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// different key is independent
	other, err := l.TryLock(ctx, "investment:2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)

	_, err = l.TryLock(ctx, "investment:1", time.Minute)
	assert.NoError(t, err)
}

func TestLocalLockerExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.SetClock(func() time.Time { return now })

	stale, err := l.TryLock(ctx, "batch", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.TryLock(ctx, "batch", time.Minute)
	require.NoError(t, err)

	// the expired owner must not release the new owner's lease
	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.NoError(t, fresh.Release(ctx))
}

func TestLocalLockerContention(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(ctx, "k", time.Minute); err == nil {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired)
}
