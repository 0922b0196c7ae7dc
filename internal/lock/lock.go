// Package lock provides short-lived exclusive leases used to keep two
// settlement runs off the same investment or batch.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAcquired is returned when the key is held by another owner.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrNotHeld is returned when releasing a lease that already expired or
	// was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Lease is a held lock
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases that expire after ttl unless released
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// ============================================================================
// LOCAL LOCKER
// ============================================================================

type localEntry struct {
	token   string
	expires time.Time
}

// LocalLocker is an in-process Locker for single-instance runs and tests
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock
func (l *LocalLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	e, ok := l.locker.entries[l.key]
	if !ok || e.token != l.token {
		return ErrNotHeld
	}
	delete(l.locker.entries, l.key)
	return nil
}

// ============================================================================
// NOOP LOCKER
// ============================================================================

// Noop grants every lease. Useful when the store already serializes writers.
type Noop struct{}

func (Noop) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return noopLease(key), nil
}

type noopLease string

func (n noopLease) Key() string                   { return string(n) }
func (n noopLease) Release(context.Context) error { return nil }
