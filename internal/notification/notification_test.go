package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/ledger/memory"
	"investment-settlement/internal/metrics"
)

// recordingNotifier captures deliveries
type recordingNotifier struct {
	mu    sync.Mutex
	got   []*Notification
	err   error
	block chan struct{}
}

func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) IsEnabled() bool { return true }

func (r *recordingNotifier) Send(ctx context.Context, n *Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// ============================================================================
// MANAGER
// ============================================================================

func TestManagerContinuesAfterFailure(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}

	m := NewManager(zerolog.Nop(), nil)
	m.AddNotifier(failing)
	m.AddNotifier(ok)

	err := m.Send(context.Background(), &Notification{UserID: "u1", Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())
}

// ============================================================================
// ASYNC DISPATCHER
// ============================================================================

func TestAsyncDispatcherDelivers(t *testing.T) {
	rec := &recordingNotifier{}
	m := NewManager(zerolog.Nop(), nil)
	m.AddNotifier(rec)

	d := NewAsyncDispatcher(DispatcherConfig{QueueSize: 16, Workers: 2}, m, zerolog.Nop(), nil)
	d.Start()
	for i := 0; i < 10; i++ {
		d.Dispatch(&Notification{UserID: "u1", Kind: KindDailyROI, Message: "paid"})
	}
	d.Stop()

	assert.Equal(t, 10, rec.count())
}

func TestAsyncDispatcherDropsWhenFull(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	m := NewManager(zerolog.Nop(), nil)
	m.AddNotifier(rec)
	met := metrics.New("test", prometheus.NewRegistry())

	d := NewAsyncDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1}, m, zerolog.Nop(), met)
	d.Start()

	// first is picked up by the blocked worker, second fills the queue
	d.Dispatch(&Notification{UserID: "u1"})
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	d.Dispatch(&Notification{UserID: "u1"})
	d.Dispatch(&Notification{UserID: "u1"})

	assert.Equal(t, 1.0, testutil.ToFloat64(met.NotificationsDropped))

	close(rec.block)
	d.Stop()
	assert.Equal(t, 2, rec.count())
}

func TestDispatchBeforeStartDrops(t *testing.T) {
	met := metrics.New("test", prometheus.NewRegistry())
	d := NewAsyncDispatcher(DefaultDispatcherConfig(), NewManager(zerolog.Nop(), nil), zerolog.Nop(), met)

	d.Dispatch(&Notification{UserID: "u1"})
	assert.Equal(t, 1.0, testutil.ToFloat64(met.NotificationsDropped))
}

// ============================================================================
// NOTIFIERS
// ============================================================================

func TestStoreNotifierPersists(t *testing.T) {
	store := memory.New()
	n := NewStoreNotifier(store)

	require.NoError(t, n.Send(context.Background(), &Notification{
		UserID: "u1", Kind: KindMatured, Message: "Your investment matured",
	}))

	saved := store.Notifications("u1")
	require.Len(t, saved, 1)
	assert.Equal(t, string(KindMatured), saved[0].Kind)
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, "alerts")

	require.NoError(t, n.Send(context.Background(), &Notification{UserID: "u1", Kind: KindCommission, Message: "100"}))
	assert.Equal(t, "alerts", pub.channel)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, KindCommission, got.Kind)

	pub.err = errors.New("connection refused")
	assert.Error(t, n.Send(context.Background(), &Notification{UserID: "u1"}))
}

func TestRedisNotifierDisabledWithoutClient(t *testing.T) {
	assert.False(t, NewRedisNotifier(nil, "").IsEnabled())
}
