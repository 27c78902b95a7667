// Package scanner drives scan cycles: it enumerates markets, paces calls to
// the data source, analyzes every trade and hands suspicious ones to the
// store and the alert dispatcher.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
)

// Source is the market and trade data feed.
type Source interface {
	ListMarkets(ctx context.Context, activeOnly bool) ([]models.Market, error)
	CurrentOdds(ctx context.Context, marketID string) (models.Odds, error)
	ListTrades(ctx context.Context, marketID string) ([]models.Trade, error)
}

// Store persists markets and suspicion events.
type Store interface {
	CacheMarket(ctx context.Context, m *models.Market) error
	RecordSuspicion(ctx context.Context, e *models.SuspicionEvent) (bool, error)
}

// Analyzer judges one trade.
type Analyzer interface {
	Analyze(ctx context.Context, trade models.Trade, market models.Market, odds models.Odds) (*models.SuspicionEvent, error)
}

// Sink receives newly recorded events for delivery. It must not block.
type Sink interface {
	Enqueue(e *models.SuspicionEvent) bool
}

// CycleHook is notified about cycle outcomes of the Run loop.
type CycleHook interface {
	// CycleFailed is called on the first failure of a streak.
	CycleFailed(ctx context.Context, err error)
	// CycleRecovered is called on the first success after failures.
	CycleRecovered(ctx context.Context, failures int)
	// CycleSucceeded is called after every successful cycle.
	CycleSucceeded(ctx context.Context, stats CycleStats)
}

// Category assigns a policy category to markets by tag or question keyword.
type Category struct {
	Name     string
	Tags     []string
	Keywords []string
}

// Classify returns the name of the first category matching m, or "" when
// none does. A category matches when it shares a tag with the market or one
// of its keywords occurs in the question; both comparisons ignore case.
func Classify(m models.Market, categories []Category) string {
	question := strings.ToLower(m.Question)
	for _, c := range categories {
		for _, tag := range c.Tags {
			if m.HasTag(tag) {
				return c.Name
			}
		}
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(question, strings.ToLower(kw)) {
				return c.Name
			}
		}
	}
	return ""
}

// Config tunes the scan loop.
type Config struct {
	Interval       time.Duration
	ErrorBackoff   time.Duration
	RequestSpacing time.Duration
	MarketTimeout  time.Duration
	Concurrency    int
	ActiveOnly     bool
	// OnlyCategorized skips markets that match no category.
	OnlyCategorized bool
	Categories      []Category
}

// Phase is the scanner's position in a cycle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseFetchingMarkets Phase = "fetching_markets"
	PhaseScanning        Phase = "scanning"
)

// CycleStats summarises one scan cycle.
type CycleStats struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Markets        int           `json:"markets"`
	MarketsSkipped int           `json:"markets_skipped"`
	Trades         int           `json:"trades"`
	Suspicious     int           `json:"suspicious"`
	Recorded       int           `json:"recorded"`
	Duplicates     int           `json:"duplicates"`
	Enqueued       int           `json:"enqueued"`
}

// Status is a point-in-time view of the scanner.
type Status struct {
	Phase               Phase       `json:"phase"`
	CycleID             string      `json:"cycle_id,omitempty"`
	CycleStartedAt      *time.Time  `json:"cycle_started_at,omitempty"`
	MarketsTotal        int         `json:"markets_total"`
	MarketsDone         int         `json:"markets_done"`
	LastCycle           *CycleStats `json:"last_cycle,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

// Scanner runs scan cycles. ScanOnce and Run may be called from different
// goroutines; at most one cycle is in flight at a time.
type Scanner struct {
	source   Source
	store    Store
	analyzer Analyzer
	sink     Sink
	hook     CycleHook
	cfg      Config
	limiter  *rate.Limiter
	running  atomic.Bool
	now      func() time.Time

	mu     sync.Mutex
	status Status
}

// New creates a Scanner. sink and hook may be nil.
func New(source Source, store Store, analyzer Analyzer, sink Sink, hook CycleHook, cfg Config) *Scanner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RequestSpacing > 0 {
		limit = rate.Every(cfg.RequestSpacing)
	}
	return &Scanner{
		source:   source,
		store:    store,
		analyzer: analyzer,
		sink:     sink,
		hook:     hook,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		status:   Status{Phase: PhaseIdle},
	}
}

// Status returns the current scanner status.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastCycle != nil {
		last := *st.LastCycle
		st.LastCycle = &last
	}
	return st
}

func (s *Scanner) setPhase(p Phase, total int) {
	s.mu.Lock()
	s.status.Phase = p
	s.status.MarketsTotal = total
	s.mu.Unlock()
}

func (s *Scanner) marketDone() {
	s.mu.Lock()
	s.status.MarketsDone++
	s.mu.Unlock()
}

// counters are updated concurrently by market workers.
type counters struct {
	skipped, trades, suspicious, recorded, duplicates, enqueued atomic.Int64
}

// ScanOnce runs a single cycle. It returns models.ErrScanInProgress when
// another cycle is already running.
func (s *Scanner) ScanOnce(ctx context.Context) (CycleStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return CycleStats{}, models.ErrScanInProgress
	}
	defer s.running.Store(false)

	started := s.now()
	stats := CycleStats{ID: uuid.NewString(), StartedAt: started}

	s.mu.Lock()
	s.status.CycleID = stats.ID
	s.status.CycleStartedAt = &started
	s.status.MarketsDone = 0
	s.mu.Unlock()

	var c counters
	markets, err := s.scan(ctx, &c)

	stats.Duration = s.now().Sub(started)
	stats.Markets = markets
	stats.MarketsSkipped = int(c.skipped.Load())
	stats.Trades = int(c.trades.Load())
	stats.Suspicious = int(c.suspicious.Load())
	stats.Recorded = int(c.recorded.Load())
	stats.Duplicates = int(c.duplicates.Load())
	stats.Enqueued = int(c.enqueued.Load())

	s.mu.Lock()
	s.status.Phase = PhaseIdle
	s.status.CycleID = ""
	s.status.CycleStartedAt = nil
	s.status.LastCycle = &stats
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()

	fields := logrus.Fields{
		"cycle":      stats.ID,
		"markets":    stats.Markets,
		"skipped":    stats.MarketsSkipped,
		"trades":     stats.Trades,
		"suspicious": stats.Suspicious,
		"recorded":   stats.Recorded,
		"enqueued":   stats.Enqueued,
		"duration":   stats.Duration.Round(time.Millisecond),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("scan cycle failed")
		return stats, err
	}
	logger.WithFields(fields).Info("scan cycle completed")
	return stats, nil
}

func (s *Scanner) scan(ctx context.Context, c *counters) (int, error) {
	s.setPhase(PhaseFetchingMarkets, 0)
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	markets, err := s.source.ListMarkets(ctx, s.cfg.ActiveOnly)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch markets: %w", err)
	}

	now := s.now()
	selected := markets[:0]
	for i := range markets {
		m := markets[i]
		m.Category = Classify(m, s.cfg.Categories)
		if m.Category == "" && s.cfg.OnlyCategorized {
			continue
		}
		if err := m.Validate(); err != nil {
			logger.Warn("Dropping market %s: %v", m.ID, err)
			continue
		}
		m.CachedAt = now
		if err := s.store.CacheMarket(ctx, &m); err != nil {
			return 0, fmt.Errorf("failed to cache market %s: %w", m.ID, err)
		}
		selected = append(selected, m)
	}
	logger.Info("Fetched %d markets, scanning %d", len(markets), len(selected))

	s.setPhase(PhaseScanning, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, m := range selected {
		if gctx.Err() != nil {
			break
		}
		m := m
		g.Go(func() error {
			defer s.marketDone()
			return s.scanMarket(gctx, m, c)
		})
	}
	if err := g.Wait(); err != nil {
		return len(selected), err
	}
	if err := ctx.Err(); err != nil {
		return len(selected), err
	}
	return len(selected), nil
}

// scanMarket fetches odds and trades for m and analyzes each trade in source
// order. Fetch failures skip the market; analysis and persistence failures
// are returned and abort the cycle.
func (s *Scanner) scanMarket(ctx context.Context, m models.Market, c *counters) error {
	odds, trades, err := s.fetch(ctx, m)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.skipped.Add(1)
		logger.WithFields(logrus.Fields{"market": m.ID}).WithError(err).Warn("skipping market")
		return nil
	}

	logger.Debug("Analyzing %d trades for market %s", len(trades), m.ID)
	for _, t := range trades {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.trades.Add(1)
		if t.MarketID == "" {
			t.MarketID = m.ID
		}

		event, err := s.analyzer.Analyze(ctx, t, m, odds)
		if err != nil {
			return fmt.Errorf("analyze trade %s: %w", t.ID, err)
		}
		if event == nil {
			continue
		}
		c.suspicious.Add(1)

		created, err := s.store.RecordSuspicion(ctx, event)
		if err != nil {
			return fmt.Errorf("record suspicion %s: %w", event.TradeID, err)
		}
		if !created {
			c.duplicates.Add(1)
			continue
		}
		c.recorded.Add(1)
		logger.Info("Suspicious trade %s on market %s by %s (%s)", event.TradeID, m.ID, event.WalletAddress, event.DetectionSource)

		if !event.Silent && s.sink != nil && s.sink.Enqueue(event) {
			c.enqueued.Add(1)
		}
	}
	return nil
}

func (s *Scanner) fetch(ctx context.Context, m models.Market) (models.Odds, []models.Trade, error) {
	if s.cfg.MarketTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MarketTimeout)
		defer cancel()
	}

	logger.Debug("Fetching odds for market %s", m.ID)
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	odds, err := s.source.CurrentOdds(ctx, m.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch odds: %w", err)
	}

	logger.Debug("Fetching trades for market %s", m.ID)
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	trades, err := s.source.ListTrades(ctx, m.TradeKey())
	if err != nil {
		return nil, nil, fmt.Errorf("fetch trades: %w", err)
	}
	return odds, trades, nil
}

// Run scans until ctx is cancelled, sleeping Interval between cycles or
// ErrorBackoff after a failed one. It always returns nil once ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	logger.Info("Starting scan loop (interval: %v, concurrency: %d, spacing: %v)",
		s.cfg.Interval, s.cfg.Concurrency, s.cfg.RequestSpacing)

	for {
		stats, err := s.ScanOnce(ctx)
		if ctx.Err() != nil {
			logger.Info("Scan loop stopped")
			return nil
		}

		wait := s.cfg.Interval
		switch {
		case errors.Is(err, models.ErrScanInProgress):
			logger.Debug("Skipping scheduled cycle, another scan is running")
		case err != nil:
			wait = s.cfg.ErrorBackoff
			s.mu.Lock()
			s.status.ConsecutiveFailures++
			streak := s.status.ConsecutiveFailures
			s.mu.Unlock()
			if streak == 1 && s.hook != nil {
				s.hook.CycleFailed(ctx, err)
			}
		default:
			s.mu.Lock()
			failures := s.status.ConsecutiveFailures
			s.status.ConsecutiveFailures = 0
			s.mu.Unlock()
			if s.hook != nil {
				if failures > 0 {
					s.hook.CycleRecovered(ctx, failures)
				}
				s.hook.CycleSucceeded(ctx, stats)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Scan loop stopped")
			return nil
		case <-timer.C:
		}
	}
}
