package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/retry"
)

// Store is the alert bookkeeping the dispatcher needs.
type Store interface {
	HasSuccessfulAlert(ctx context.Context, tradeID, channel string) (bool, error)
	RecordAlert(ctx context.Context, r models.AlertRecord) error
	MarkAlerted(ctx context.Context, tradeID string) error
	ListUndelivered(ctx context.Context, limit int) ([]models.SuspicionEvent, error)
}

// OverflowPolicy decides what happens when a channel's token bucket is empty.
type OverflowPolicy int

const (
	// OverflowQueue waits for the next token.
	OverflowQueue OverflowPolicy = iota
	// OverflowDrop records a failed delivery and moves on; the event stays
	// undelivered and is picked up by the next redelivery pass.
	OverflowDrop
)

// ParseOverflowPolicy parses "queue" or "drop". Empty means queue.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return OverflowQueue, nil
	case "drop":
		return OverflowDrop, nil
	default:
		return OverflowQueue, fmt.Errorf("overflow policy %q must be one of: queue, drop", s)
	}
}

// Config tunes a Dispatcher.
type Config struct {
	RatePerMinute int
	Burst         int
	Overflow      OverflowPolicy
	Retry         retry.Policy
	SendTimeout   time.Duration
	QueueSize     int
	Workers       int
}

// Status is the outcome of delivering one event to one channel.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
)

// Result is the per-channel outcome of Dispatch.
type Result struct {
	Channel  string
	Status   Status
	Attempts int
	Err      error
}

// ErrRateLimited marks deliveries dropped by the token bucket.
var ErrRateLimited = errors.New("channel rate limit exhausted")

// Dispatcher fans events out to channels.
type Dispatcher struct {
	channels []Channel
	store    Store
	cfg      Config
	limiters map[string]*rate.Limiter
	locks    *keyLock
	queue    chan *models.SuspicionEvent
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]struct{} // trade IDs sitting in queue
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. Channel names must be unique.
func NewDispatcher(channels []Channel, store Store, cfg Config) (*Dispatcher, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		if _, dup := limiters[ch.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel name %q", ch.Name())
		}
		limit := rate.Inf
		if cfg.RatePerMinute > 0 {
			limit = rate.Limit(float64(cfg.RatePerMinute) / 60.0)
		}
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiters[ch.Name()] = rate.NewLimiter(limit, burst)
	}

	return &Dispatcher{
		channels: channels,
		store:    store,
		cfg:      cfg,
		limiters: limiters,
		locks:    newKeyLock(),
		queue:    make(chan *models.SuspicionEvent, cfg.QueueSize),
		pending:  make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

// Channels returns the configured channels.
func (d *Dispatcher) Channels() []Channel {
	return d.channels
}

// Dispatch delivers e to every channel concurrently and flips the event's
// alerted flag once any channel holds a successful record.
func (d *Dispatcher) Dispatch(ctx context.Context, e *models.SuspicionEvent) []Result {
	results := make([]Result, len(d.channels))
	var g errgroup.Group
	for i, ch := range d.channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.deliver(ctx, ch, e)
			return nil
		})
	}
	_ = g.Wait()

	delivered := false
	for _, r := range results {
		fields := logrus.Fields{"trade_id": e.TradeID, "channel": r.Channel, "status": r.Status, "attempts": r.Attempts}
		switch r.Status {
		case StatusDelivered, StatusSkipped:
			delivered = true
			logger.WithFields(fields).Debug("alert delivery")
		default:
			logger.WithFields(fields).WithError(r.Err).Warn("alert delivery failed")
		}
	}

	if delivered && !e.Alerted {
		if err := d.store.MarkAlerted(ctx, e.TradeID); err != nil {
			logger.Error("Failed to mark %s alerted: %v", e.TradeID, err)
		} else {
			e.Alerted = true
		}
	}
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, e *models.SuspicionEvent) Result {
	res := Result{Channel: ch.Name()}

	release := d.locks.Lock(e.TradeID + "\x00" + ch.Name())
	defer release()

	done, err := d.store.HasSuccessfulAlert(ctx, e.TradeID, ch.Name())
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("check alert history: %w", err)
		return res
	}
	if done {
		res.Status = StatusSkipped
		return res
	}

	limiter := d.limiters[ch.Name()]
	if d.cfg.Overflow == OverflowDrop {
		if !limiter.Allow() {
			res.Status, res.Err = StatusDropped, ErrRateLimited
			d.record(ctx, e, ch, 0, res.Err)
			return res
		}
	} else if err := limiter.Wait(ctx); err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("wait for rate limit: %w", err)
		return res
	}

	message, err := ch.Render(e)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("render: %w", err)
		d.record(ctx, e, ch, 0, res.Err)
		return res
	}

	attempts, err := retry.Do(ctx, d.cfg.Retry, func(ctx context.Context) error {
		sendCtx := ctx
		if d.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
		}
		return ch.Send(sendCtx, message)
	}, nil)
	res.Attempts = attempts
	d.record(ctx, e, ch, attempts, err)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Status = StatusDelivered
	return res
}

func (d *Dispatcher) record(ctx context.Context, e *models.SuspicionEvent, ch Channel, attempts int, sendErr error) {
	r := models.AlertRecord{
		ID:       uuid.NewString(),
		TradeID:  e.TradeID,
		Channel:  ch.Name(),
		SentAt:   d.now(),
		Success:  sendErr == nil,
		Attempts: attempts,
	}
	if sendErr != nil {
		r.Error = sendErr.Error()
	}
	if err := d.store.RecordAlert(ctx, r); err != nil {
		logger.Error("Failed to record alert for %s on %s: %v", e.TradeID, ch.Name(), err)
	}
}

// Enqueue hands e to the workers without blocking. Silent events, events
// already queued and a full queue return false; undelivered events are
// retried by Redeliver.
func (d *Dispatcher) Enqueue(e *models.SuspicionEvent) bool {
	if e.Silent || len(d.channels) == 0 {
		return false
	}
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, ok := d.pending[e.TradeID]; ok {
		return false
	}
	select {
	case d.queue <- e:
		d.pending[e.TradeID] = struct{}{}
		return true
	default:
		logger.Warn("Alert queue full, deferring %s to redelivery", e.TradeID)
		return false
	}
}

func (d *Dispatcher) take(ctx context.Context, e *models.SuspicionEvent) {
	d.Dispatch(ctx, e)
	d.pendingMu.Lock()
	delete(d.pending, e.TradeID)
	d.pendingMu.Unlock()
}

// Start launches the delivery workers. They stop when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					d.take(ctx, e)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Flush dispatches queued events on the calling goroutine until the queue is
// empty and returns how many were processed. It is meant for one-shot runs
// that never call Start.
func (d *Dispatcher) Flush(ctx context.Context) int {
	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		select {
		case e := <-d.queue:
			d.take(ctx, e)
			n++
		default:
			return n
		}
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Redeliver enqueues events that were recorded but never delivered. Events
// still waiting in the queue are not queued twice, so it is safe to call
// after every cycle.
func (d *Dispatcher) Redeliver(ctx context.Context) (int, error) {
	if len(d.channels) == 0 {
		return 0, nil
	}
	events, err := d.store.ListUndelivered(ctx, d.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	n := 0
	for i := range events {
		if d.Enqueue(&events[i]) {
			n++
		}
	}
	if n > 0 {
		logger.Info("Re-queued %d undelivered alerts", n)
	}
	return n, nil
}

// TestChannels checks connectivity of every channel.
func (d *Dispatcher) TestChannels(ctx context.Context) map[string]error {
	out := make(map[string]error, len(d.channels))
	var mu sync.Mutex
	var g errgroup.Group
	for _, ch := range d.channels {
		ch := ch
		g.Go(func() error {
			err := ch.TestConnection(ctx)
			mu.Lock()
			out[ch.Name()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
