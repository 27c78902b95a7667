package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/retry"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]models.AlertRecord
	alerted map[string]bool
	pending []models.SuspicionEvent
}

func newMemStore() *memStore {
	return &memStore{records: map[string]models.AlertRecord{}, alerted: map[string]bool{}}
}

func (m *memStore) HasSuccessfulAlert(_ context.Context, tradeID, channel string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[tradeID+"/"+channel].Success, nil
}

func (m *memStore) RecordAlert(_ context.Context, r models.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.TradeID + "/" + r.Channel
	if prev, ok := m.records[key]; ok && prev.Success {
		return nil
	}
	m.records[key] = r
	return nil
}

func (m *memStore) MarkAlerted(_ context.Context, tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerted[tradeID] = true
	return nil
}

func (m *memStore) ListUndelivered(_ context.Context, _ int) ([]models.SuspicionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SuspicionEvent(nil), m.pending...), nil
}

func (m *memStore) successes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Success {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	name      string
	renderErr error
	sendErr   error
	failFirst int32
	sends     atomic.Int32
	delay     time.Duration
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Render(e *models.SuspicionEvent) (string, error) {
	if f.renderErr != nil {
		return "", f.renderErr
	}
	return "alert " + e.TradeID, nil
}

func (f *fakeChannel) Send(ctx context.Context, _ string) error {
	n := f.sends.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= f.failFirst {
		return errors.New("transient")
	}
	return f.sendErr
}

func (f *fakeChannel) TestConnection(context.Context) error { return f.sendErr }

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func testEvent(id string) *models.SuspicionEvent {
	return &models.SuspicionEvent{
		TradeID:         id,
		WalletAddress:   "0x1abe1368601330a310162064e04d3c2628cb6497",
		MarketID:        "m1",
		MarketQuestion:  "Will it happen?",
		BetValue:        12000,
		Outcome:         "Yes",
		Odds:            0.1,
		DetectedAt:      time.Now(),
		DetectionSource: models.SourceAutomatic,
	}
}

func TestDispatchDedup(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "telegram"}
	d, err := NewDispatcher([]Channel{ch}, store, Config{Retry: fastRetry})
	require.NoError(t, err)
	ctx := context.Background()

	first := d.Dispatch(ctx, testEvent("t1"))
	second := d.Dispatch(ctx, testEvent("t1"))

	assert.Equal(t, StatusDelivered, first[0].Status)
	assert.Equal(t, StatusSkipped, second[0].Status)
	assert.Equal(t, int32(1), ch.sends.Load())
	assert.Equal(t, 1, store.successes())
	assert.True(t, store.alerted["t1"])
}

func TestDispatchConcurrentDedup(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "webhook", delay: 5 * time.Millisecond}
	d, err := NewDispatcher([]Channel{ch}, store, Config{Retry: fastRetry})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), testEvent("t1"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ch.sends.Load())
	assert.Equal(t, 0, d.locks.len())
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "webhook", failFirst: 2}
	d, err := NewDispatcher([]Channel{ch}, store, Config{Retry: fastRetry})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent("t1"))
	assert.Equal(t, StatusDelivered, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 3, store.records["t1/webhook"].Attempts)
}

func TestDispatchAllChannelsFailLeavesUnalerted(t *testing.T) {
	store := newMemStore()
	a := &fakeChannel{name: "a", sendErr: errors.New("down")}
	b := &fakeChannel{name: "b", sendErr: errors.New("down")}
	d, err := NewDispatcher([]Channel{a, b}, store, Config{Retry: fastRetry})
	require.NoError(t, err)

	e := testEvent("t1")
	results := d.Dispatch(context.Background(), e)
	for _, r := range results {
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, 3, r.Attempts)
	}
	assert.False(t, store.alerted["t1"])
	assert.False(t, e.Alerted)
	assert.Equal(t, "down", store.records["t1/a"].Error)
}

func TestRenderFailureDoesNotBlockOtherChannels(t *testing.T) {
	store := newMemStore()
	broken := &fakeChannel{name: "broken", renderErr: errors.New("bad template")}
	good := &fakeChannel{name: "good"}
	d, err := NewDispatcher([]Channel{broken, good}, store, Config{Retry: fastRetry})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent("t1"))
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusDelivered, results[1].Status)
	assert.Equal(t, int32(0), broken.sends.Load())
	assert.False(t, store.records["t1/broken"].Success)
	assert.True(t, store.alerted["t1"])
}

func TestRateLimitDrop(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "telegram"}
	d, err := NewDispatcher([]Channel{ch}, store, Config{
		RatePerMinute: 1,
		Burst:         1,
		Overflow:      OverflowDrop,
		Retry:         fastRetry,
	})
	require.NoError(t, err)
	ctx := context.Background()

	first := d.Dispatch(ctx, testEvent("t1"))
	second := d.Dispatch(ctx, testEvent("t2"))

	assert.Equal(t, StatusDelivered, first[0].Status)
	assert.Equal(t, StatusDropped, second[0].Status)
	assert.ErrorIs(t, second[0].Err, ErrRateLimited)
	assert.Equal(t, int32(1), ch.sends.Load())
	assert.False(t, store.alerted["t2"])
}

func TestRateLimitQueueHonoursCancellation(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "telegram"}
	d, err := NewDispatcher([]Channel{ch}, store, Config{RatePerMinute: 1, Burst: 1, Retry: fastRetry})
	require.NoError(t, err)

	d.Dispatch(context.Background(), testEvent("t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	results := d.Dispatch(ctx, testEvent("t2"))
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, int32(1), ch.sends.Load())
}

func TestEnqueueAndWorkers(t *testing.T) {
	store := newMemStore()
	ch := &fakeChannel{name: "telegram"}
	d, err := NewDispatcher([]Channel{ch}, store, Config{Retry: fastRetry, QueueSize: 4, Workers: 2})
	require.NoError(t, err)

	silent := testEvent("quiet")
	silent.Silent = true
	assert.False(t, d.Enqueue(silent))

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	assert.True(t, d.Enqueue(testEvent("t1")))
	assert.True(t, d.Enqueue(testEvent("t2")))

	require.Eventually(t, func() bool { return store.successes() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	d.Wait()
}

func TestEnqueueFullQueue(t *testing.T) {
	d, err := NewDispatcher([]Channel{&fakeChannel{name: "x"}}, newMemStore(), Config{QueueSize: 1})
	require.NoError(t, err)

	assert.True(t, d.Enqueue(testEvent("t1")))
	assert.False(t, d.Enqueue(testEvent("t2")))
	assert.Equal(t, 1, d.Pending())
}

func TestFlush(t *testing.T) {
	store := newMemStore()
	d, err := NewDispatcher([]Channel{&fakeChannel{name: "x"}}, store, Config{QueueSize: 4})
	require.NoError(t, err)

	d.Enqueue(testEvent("t1"))
	d.Enqueue(testEvent("t2"))
	assert.Equal(t, 2, d.Flush(context.Background()))
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 2, store.successes())
}

func TestRedeliver(t *testing.T) {
	store := newMemStore()
	store.pending = []models.SuspicionEvent{*testEvent("t1"), *testEvent("t2")}
	d, err := NewDispatcher([]Channel{&fakeChannel{name: "x"}}, store, Config{QueueSize: 8})
	require.NoError(t, err)

	n, err := d.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, d.Pending())

	// Repeated redelivery does not queue events that are still waiting.
	n, err = d.Redeliver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, d.Pending())

	assert.Equal(t, 2, d.Flush(context.Background()))
	assert.True(t, d.Enqueue(testEvent("t1")), "dispatched events can be queued again")
}

func TestDuplicateChannelNames(t *testing.T) {
	_, err := NewDispatcher([]Channel{&fakeChannel{name: "x"}, &fakeChannel{name: "x"}}, newMemStore(), Config{})
	assert.Error(t, err)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, OverflowDrop, p)
	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}
