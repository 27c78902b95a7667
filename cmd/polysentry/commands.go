package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rewired-gh/polysentry/internal/config"
	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/notify"
	"github.com/rewired-gh/polysentry/internal/scanner"
	"github.com/rewired-gh/polysentry/internal/server"
	"github.com/rewired-gh/polysentry/internal/storage"
)

var stdout io.Writer = os.Stdout

// runCommand scans continuously until ctx is cancelled.
func runCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reportCredentials(cfg)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.dispatcher.Start(ctx)
	if _, err := a.dispatcher.Redeliver(ctx); err != nil {
		logger.Warn("Failed to re-queue undelivered alerts: %v", err)
	}

	if a.telegram != nil {
		a.telegram.ListenForCommands(ctx, statusText(a.scanner, a.dispatcher, a.registry))
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(&server.Handlers{
			Store:       a.store,
			Scanner:     a.scanner,
			Registry:    a.registry,
			Queue:       a.dispatcher,
			ScanTimeout: cfg.Scan.Timeout,
		}, server.Config{Addr: cfg.Server.Addr, APIKey: cfg.Server.APIKey, ScanRate: cfg.Server.ScanRate})
		go func() {
			logger.Info("HTTP API listening on %s", cfg.Server.Addr)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP API stopped: %v", err)
			}
		}()
	}

	logger.Info("Starting detection service (interval: %v, min_bet: %.0f, max_odds: %.2f, wallet_age_days: %d)",
		cfg.Scan.Interval, cfg.Thresholds.MinBetSize, cfg.Thresholds.MaxOdds, cfg.Thresholds.WalletAgeDays)

	err = a.scanner.Run(ctx)

	if srv != nil {
		if shutdownErr := srv.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("Failed to shut down HTTP API: %v", shutdownErr)
		}
	}
	a.dispatcher.Wait()
	logger.Info("Service stopped")
	return err
}

// scanCommand runs one cycle and delivers what it found.
func scanCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	noAlerts := fs.Bool("no-alerts", false, "record detections without delivering alerts")
	asJSON := fs.Bool("json", false, "print cycle stats as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, delivered, err := scanAndFlush(ctx, a.scanner, a.dispatcher, cfg.Scan.Timeout, !*noAlerts)
	if err != nil {
		if delivered > 0 {
			logger.Info("Dispatched %d alerts from the failed cycle", delivered)
		}
		return err
	}

	if *asJSON {
		return writeJSON(stats)
	}
	fmt.Fprintf(stdout, "cycle %s: %d markets (%d skipped), %d trades, %d suspicious, %d new, %d alerts dispatched in %v\n",
		stats.ID, stats.Markets, stats.MarketsSkipped, stats.Trades, stats.Suspicious, stats.Recorded,
		delivered, stats.Duration.Round(time.Millisecond))
	return nil
}

type cycleRunner interface {
	ScanOnce(ctx context.Context) (scanner.CycleStats, error)
}

type flusher interface {
	Flush(ctx context.Context) int
}

// scanAndFlush runs one cycle and then delivers whatever it queued, even
// when the cycle failed part way.
func scanAndFlush(ctx context.Context, s cycleRunner, f flusher, timeout time.Duration, deliver bool) (scanner.CycleStats, int, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stats, err := s.ScanOnce(scanCtx)

	delivered := 0
	if deliver {
		delivered = f.Flush(ctx)
	}
	return stats, delivered, err
}

// eventsCommand lists recent suspicion events.
func eventsCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	limit := fs.Int("limit", storage.DefaultQueryLimit, "maximum number of events")
	wallet := fs.String("wallet", "", "only events of this wallet")
	source := fs.String("source", "", "automatic or monitored_wallet")
	category := fs.String("category", "", "only events of this category")
	since := fs.Duration("since", 0, "only events detected within this duration, e.g. 24h")
	asJSON := fs.Bool("json", false, "print events as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := storage.EventQuery{
		Limit:    *limit,
		Source:   models.DetectionSource(strings.ToLower(*source)),
		Category: *category,
	}
	if *wallet != "" {
		addr, err := models.NormalizeAddress(*wallet)
		if err != nil {
			return fmt.Errorf("wallet %q: %w", *wallet, err)
		}
		q.WalletAddress = addr
	}
	if *since > 0 {
		q.Since = time.Now().Add(-*since)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.RecentSuspicions(ctx, q)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(events)
	}
	printEvents(events)
	return nil
}

// walletCommand prints a wallet report.
func walletCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("wallet", flag.ExitOnError)
	limit := fs.Int("limit", storage.DefaultQueryLimit, "maximum number of events")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: polysentry wallet [-limit n] [-json] <address>")
	}
	addr, err := models.NormalizeAddress(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("wallet %q: %w", fs.Arg(0), err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := storage.WalletReport(ctx, store, addr, *limit)
	if isNotFound(err) {
		fmt.Fprintf(stdout, "no history for %s\n", addr)
		return nil
	}
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(report)
	}

	fmt.Fprintf(stdout, "Wallet %s\n", addr)
	fmt.Fprintf(stdout, "Explorer: %s\n", notify.ExplorerURL(addr))
	if m := report.Monitored; m != nil {
		state := "active"
		if !m.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(stdout, "Monitored: %s, label %q, bypass=%t, alert_on_any_trade=%t\n",
			state, m.Label, m.BypassThresholds, m.AlertOnAnyTrade)
	}
	if agg := report.Aggregate; agg != nil {
		fmt.Fprintf(stdout, "First seen: %s\n", agg.FirstSeen.Format(time.RFC3339))
		fmt.Fprintf(stdout, "Bets: %d (%d suspicious), volume %s\n",
			agg.TotalBets, agg.SuspiciousBets, notify.FormatUSD(agg.TotalVolume))
	}
	fmt.Fprintln(stdout)
	printEvents(report.Events)
	return nil
}

// watchCommand manages the monitored wallet list.
func watchCommand(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: polysentry watch add|remove|list ...")
	}
	sub, args := args[0], args[1:]

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "add":
		fs := flag.NewFlagSet("watch add", flag.ExitOnError)
		label := fs.String("label", "", "display label")
		notes := fs.String("notes", "", "free-form notes")
		bypass := fs.Bool("bypass", true, "flag every trade regardless of thresholds")
		alertAny := fs.Bool("alert-any", true, "alert on every bypassed trade; when false only threshold matches are alerted")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("usage: polysentry watch add [flags] <address>")
		}
		entry, err := models.NewWalletEntry(fs.Arg(0), *label, time.Now())
		if err != nil {
			return fmt.Errorf("wallet %q: %w", fs.Arg(0), err)
		}
		entry.Notes = *notes
		entry.BypassThresholds = *bypass
		entry.AlertOnAnyTrade = *alertAny
		if err := store.UpsertMonitoredWallet(ctx, entry); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "watching %s\n", entry.Address)
		return nil

	case "remove":
		if len(args) != 1 {
			return errors.New("usage: polysentry watch remove <address>")
		}
		addr, err := models.NormalizeAddress(args[0])
		if err != nil {
			return fmt.Errorf("wallet %q: %w", args[0], err)
		}
		if err := store.DeactivateMonitoredWallet(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stopped watching %s\n", addr)
		return nil

	case "list":
		fs := flag.NewFlagSet("watch list", flag.ExitOnError)
		all := fs.Bool("all", false, "include inactive wallets")
		asJSON := fs.Bool("json", false, "print wallets as JSON")
		if err := fs.Parse(args); err != nil {
			return err
		}
		wallets, err := store.ListMonitoredWallets(ctx, !*all)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(wallets)
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tLABEL\tACTIVE\tBYPASS\tALERT ANY\tLAST ACTIVITY")
		for _, w := range wallets {
			last := "-"
			if w.LastActivity != nil {
				last = w.LastActivity.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%s\n", w.Address, w.Label, w.IsActive, w.BypassThresholds, w.AlertOnAnyTrade, last)
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown watch command %q", sub)
	}
}

// channelsCommand checks every configured channel.
func channelsCommand(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 || args[0] != "test" {
		return errors.New("usage: polysentry channels test")
	}
	reportCredentials(cfg)

	channels, _, err := buildChannels(cfg)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return errors.New("no alert channel is enabled")
	}
	d, err := notify.NewDispatcher(channels, nil, notify.Config{})
	if err != nil {
		return err
	}

	testCtx, cancel := context.WithTimeout(ctx, cfg.Alerts.SendTimeout*time.Duration(len(channels)+1))
	defer cancel()
	results := d.TestChannels(testCtx)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		if err := results[name]; err != nil {
			failed++
			fmt.Fprintf(stdout, "%-12s FAIL  %v\n", name, err)
		} else {
			fmt.Fprintf(stdout, "%-12s OK\n", name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d channels failed", failed, len(names))
	}
	return nil
}

func printEvents(events []models.SuspicionEvent) {
	if len(events) == 0 {
		fmt.Fprintln(stdout, "no events")
		return
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DETECTED\tTRADE\tWALLET\tMARKET\tBET\tODDS\tAGE\tSOURCE\tALERTED")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			e.DetectedAt.Format("2006-01-02 15:04"),
			truncate(e.TradeID, 14),
			truncate(e.WalletAddress, 12),
			truncate(e.MarketQuestion, 40),
			notify.FormatUSD(e.BetValue),
			notify.FormatPercent(e.Odds),
			e.AgeLabel(),
			e.DetectionSource,
			e.Alerted,
		)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
