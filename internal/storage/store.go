package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysentry/internal/models"
)

// Store is the persistence boundary shared by the SQLite and PostgreSQL backends.
//
// RecordSuspicion is an atomic insert-if-absent keyed by trade ID: it reports
// whether the event was created, and on creation updates the wallet aggregate
// and the monitored wallet's last activity in the same transaction.
//
// RecordAlert keeps one row per (trade ID, channel). A successful row is
// never overwritten; a failed row is replaced by the next attempt.
type Store interface {
	CacheMarket(ctx context.Context, m *models.Market) error
	GetMarket(ctx context.Context, id string) (*models.Market, error)

	RecordSuspicion(ctx context.Context, e *models.SuspicionEvent) (bool, error)
	GetSuspicion(ctx context.Context, tradeID string) (*models.SuspicionEvent, error)
	RecentSuspicions(ctx context.Context, q EventQuery) ([]models.SuspicionEvent, error)
	ListUndelivered(ctx context.Context, limit int) ([]models.SuspicionEvent, error)
	MarkAlerted(ctx context.Context, tradeID string) error

	GetWalletAggregate(ctx context.Context, addr string) (*models.WalletAggregate, error)

	UpsertMonitoredWallet(ctx context.Context, w *models.WalletEntry) error
	DeactivateMonitoredWallet(ctx context.Context, addr string) error
	GetMonitoredWallet(ctx context.Context, addr string) (*models.WalletEntry, error)
	ListMonitoredWallets(ctx context.Context, activeOnly bool) ([]models.WalletEntry, error)

	RecordAlert(ctx context.Context, r models.AlertRecord) error
	HasSuccessfulAlert(ctx context.Context, tradeID, channel string) (bool, error)
	AlertHistory(ctx context.Context, tradeID string) ([]models.AlertRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// DefaultQueryLimit caps event queries that do not set a limit.
const DefaultQueryLimit = 50

// EventQuery filters suspicion event listings. Zero fields do not filter.
type EventQuery struct {
	Limit         int
	WalletAddress string
	Source        models.DetectionSource
	Category      string
	Since         time.Time
}

// EffectiveLimit returns the limit bounded to [1, 1000].
func (q EventQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultQueryLimit
	case q.Limit > 1000:
		return 1000
	default:
		return q.Limit
	}
}

// WalletReport assembles a wallet's aggregate, monitored entry and recent
// events. A wallet with no history at all yields models.ErrNotFound.
func WalletReport(ctx context.Context, s Store, addr string, limit int) (*models.WalletReport, error) {
	report := &models.WalletReport{}

	agg, err := s.GetWalletAggregate(ctx, addr)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	report.Aggregate = agg

	entry, err := s.GetMonitoredWallet(ctx, addr)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	report.Monitored = entry

	events, err := s.RecentSuspicions(ctx, EventQuery{WalletAddress: addr, Limit: limit})
	if err != nil {
		return nil, err
	}
	report.Events = events

	if report.Aggregate == nil && report.Monitored == nil && len(events) == 0 {
		return nil, fmt.Errorf("wallet %s: %w", addr, models.ErrNotFound)
	}
	return report, nil
}
