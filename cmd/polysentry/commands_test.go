package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/config"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/notify"
	"github.com/rewired-gh/polysentry/internal/scanner"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "polysentry.db")
	return cfg
}

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

func TestWatchCommandLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	out := captureStdout(t)
	addr := "0x1ABE1368601330A310162064E04D3C2628CB6497"
	lower := "0x1abe1368601330a310162064e04d3c2628cb6497"

	require.NoError(t, watchCommand(ctx, cfg, []string{"add", "-label", "whale", "-bypass", addr}))
	assert.Contains(t, out.String(), "watching "+lower)

	out.Reset()
	require.NoError(t, watchCommand(ctx, cfg, []string{"list"}))
	assert.Contains(t, out.String(), lower)
	assert.Contains(t, out.String(), "whale")

	require.NoError(t, watchCommand(ctx, cfg, []string{"remove", addr}))

	out.Reset()
	require.NoError(t, watchCommand(ctx, cfg, []string{"list"}))
	assert.NotContains(t, out.String(), lower)

	out.Reset()
	require.NoError(t, watchCommand(ctx, cfg, []string{"list", "-all"}))
	assert.Contains(t, out.String(), lower)
}

func TestWatchAddDefaultsToAlertingBypass(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	out := captureStdout(t)

	require.NoError(t, watchCommand(ctx, cfg, []string{"add", "0x1abe1368601330a310162064e04d3c2628cb6497"}))
	out.Reset()
	require.NoError(t, watchCommand(ctx, cfg, []string{"list", "-json"}))

	var wallets []models.WalletEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &wallets))
	require.Len(t, wallets, 1)
	assert.True(t, wallets[0].BypassThresholds)
	assert.True(t, wallets[0].AlertOnAnyTrade)
}

func TestWatchCommandRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	captureStdout(t)

	assert.Error(t, watchCommand(ctx, cfg, nil))
	assert.Error(t, watchCommand(ctx, cfg, []string{"add", "not-an-address"}))
	assert.Error(t, watchCommand(ctx, cfg, []string{"remove"}))
	assert.Error(t, watchCommand(ctx, cfg, []string{"rename", "x"}))
}

func TestWalletCommandUnknownWallet(t *testing.T) {
	cfg := testConfig(t)
	out := captureStdout(t)

	err := walletCommand(context.Background(), cfg, []string{"0x1abe1368601330a310162064e04d3c2628cb6497"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no history")

	assert.Error(t, walletCommand(context.Background(), cfg, nil))
}

func TestEventsCommandEmpty(t *testing.T) {
	cfg := testConfig(t)
	out := captureStdout(t)

	require.NoError(t, eventsCommand(context.Background(), cfg, []string{"-since", "24h"}))
	assert.Contains(t, out.String(), "no events")

	out.Reset()
	require.NoError(t, eventsCommand(context.Background(), cfg, []string{"-json"}))
	assert.Equal(t, "[]\n", out.String())
}

type nopChannel struct{}

func (nopChannel) Name() string                                  { return "nop" }
func (nopChannel) Render(*models.SuspicionEvent) (string, error) { return "", nil }
func (nopChannel) Send(context.Context, string) error            { return nil }
func (nopChannel) TestConnection(context.Context) error          { return nil }

func TestSuccessfulCycleRequeuesUndelivered(t *testing.T) {
	ctx := context.Background()
	store, err := openStore(ctx, testConfig(t))
	require.NoError(t, err)
	defer store.Close()

	created, err := store.RecordSuspicion(ctx, &models.SuspicionEvent{
		TradeID:         "0xabc:1",
		WalletAddress:   "0x1abe1368601330a310162064e04d3c2628cb6497",
		MarketID:        "m1",
		BetValue:        12000,
		Odds:            0.1,
		Outcome:         "Yes",
		DetectedAt:      time.Now(),
		DetectionSource: models.SourceAutomatic,
	})
	require.NoError(t, err)
	require.True(t, created)

	d, err := notify.NewDispatcher([]notify.Channel{nopChannel{}}, store, notify.Config{QueueSize: 4})
	require.NoError(t, err)

	n := &cycleNotifier{dispatcher: d}
	n.CycleSucceeded(ctx, scanner.CycleStats{})
	assert.Equal(t, 1, d.Pending())

	n.CycleSucceeded(ctx, scanner.CycleStats{})
	assert.Equal(t, 1, d.Pending(), "a waiting event is not queued twice")

	assert.Equal(t, 1, d.Flush(ctx))
	n.CycleSucceeded(ctx, scanner.CycleStats{})
	assert.Equal(t, 0, d.Pending(), "delivered events are not redelivered")
}

type failingCycle struct{ err error }

func (f failingCycle) ScanOnce(context.Context) (scanner.CycleStats, error) {
	return scanner.CycleStats{Recorded: 1}, f.err
}

type countingFlusher struct{ calls int }

func (f *countingFlusher) Flush(context.Context) int {
	f.calls++
	return 1
}

func TestScanAndFlushDeliversAfterFailure(t *testing.T) {
	f := &countingFlusher{}
	_, delivered, err := scanAndFlush(context.Background(), failingCycle{err: errors.New("database is locked")}, f, time.Second, true)
	require.Error(t, err)
	assert.Equal(t, 1, f.calls, "recorded events are flushed before the error is returned")
	assert.Equal(t, 1, delivered)

	f = &countingFlusher{}
	_, _, err = scanAndFlush(context.Background(), failingCycle{}, f, time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 0, f.calls)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
