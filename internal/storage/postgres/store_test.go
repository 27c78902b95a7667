package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POLYSENTRY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("POLYSENTRY_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE markets_cache, suspicion_events, wallet_aggregates, monitored_wallets, alert_history`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const wallet = "0x1abe1368601330a310162064e04d3c2628cb6497"

func TestRecordSuspicionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	e := &models.SuspicionEvent{
		TradeID: "t1", WalletAddress: wallet, MarketID: "m1", BetValue: 12000, Odds: 0.1,
		TradeTimestamp: now, DetectedAt: now, DetectionSource: models.SourceAutomatic,
	}
	created, err := s.RecordSuspicion(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordSuspicion(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)

	agg, err := s.GetWalletAggregate(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalBets)

	got, err := s.GetSuspicion(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.WalletAgeDays)

	events, err := s.RecentSuspicions(ctx, storage.EventQuery{WalletAddress: wallet, Source: models.SourceAutomatic})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAlertDedupAndWallets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordAlert(ctx, models.AlertRecord{
			ID: uuid.NewString(), TradeID: "t1", Channel: "webhook", SentAt: now, Success: true, Attempts: 1,
		}))
	}
	history, err := s.AlertHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Attempts)

	require.NoError(t, s.UpsertMonitoredWallet(ctx, &models.WalletEntry{Address: wallet, IsActive: true, AddedAt: now}))
	require.NoError(t, s.DeactivateMonitoredWallet(ctx, wallet))
	active, err := s.ListMonitoredWallets(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
