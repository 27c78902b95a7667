package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/polysentry/internal/analyzer"
	rediscache "github.com/rewired-gh/polysentry/internal/cache/redis"
	"github.com/rewired-gh/polysentry/internal/config"
	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/notify"
	"github.com/rewired-gh/polysentry/internal/policy"
	"github.com/rewired-gh/polysentry/internal/polygonscan"
	"github.com/rewired-gh/polysentry/internal/polymarket"
	"github.com/rewired-gh/polysentry/internal/registry"
	"github.com/rewired-gh/polysentry/internal/scanner"
	"github.com/rewired-gh/polysentry/internal/storage"
	"github.com/rewired-gh/polysentry/internal/storage/postgres"
	"github.com/rewired-gh/polysentry/internal/telegram"
	"github.com/rewired-gh/polysentry/internal/walletage"
)

// app holds the wired pipeline.
type app struct {
	cfg        *config.Config
	store      storage.Store
	registry   *registry.Registry
	scanner    *scanner.Scanner
	dispatcher *notify.Dispatcher
	telegram   *telegram.Client
	closers    []func() error
}

// openStore connects the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "postgres" {
		s, err := postgres.New(ctx, postgres.ClientConfig{DSN: cfg.Storage.DatabaseURL, MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			return nil, err
		}
		logger.Info("Using PostgreSQL storage")
		return s, nil
	}
	s, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	logger.Info("Using SQLite storage at %s", cfg.Storage.DBPath)
	return s, nil
}

// buildChannels creates every enabled alert channel.
func buildChannels(cfg *config.Config) ([]notify.Channel, *telegram.Client, error) {
	var channels []notify.Channel
	var tg *telegram.Client

	if cfg.Telegram.Enabled {
		var err error
		tg, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Alerts.SendTimeout, cfg.Alerts.Retry.Policy())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		channels = append(channels, tg)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	for _, w := range cfg.Webhooks {
		if !w.Enabled {
			continue
		}
		format, err := notify.ParseWebhookFormat(w.Format)
		if err != nil {
			return nil, nil, err
		}
		hook, err := notify.NewWebhook(w.ChannelName(), w.URL, format, w.Template, cfg.Alerts.SendTimeout)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, hook)
		logger.Info("Webhook channel %s initialized (%s)", hook.Name(), format)
	}
	return channels, tg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	pc, err := cfg.PolicyConfig()
	if err != nil {
		return nil, err
	}
	pol, err := policy.New(pc)
	if err != nil {
		return nil, err
	}

	a.registry = registry.New(a.store, cfg.Registry.RefreshInterval)

	var cache walletage.Cache = walletage.NewMemoryCache()
	if cfg.Redis.Enabled {
		rc, err := rediscache.New(ctx, rediscache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		cache = &walletage.Tiered{Local: cache, Shared: rediscache.NewAgeCache(rc), LocalTTL: cfg.Redis.LocalTTL}
		logger.Info("Shared wallet age cache at %s", cfg.Redis.Addr)
	}

	var oracle walletage.Oracle
	if cfg.WalletAge.APIKey != "" {
		oracle = polygonscan.NewClient(cfg.WalletAge.APIURL, cfg.WalletAge.APIKey, cfg.WalletAge.CallTimeout)
	}
	resolver := walletage.NewResolver(oracle, cache, walletage.Options{
		Retry:       cfg.WalletAge.Retry.Policy(),
		CallTimeout: cfg.WalletAge.CallTimeout,
		CacheTTL:    cfg.WalletAge.CacheTTL,
		NegativeTTL: cfg.WalletAge.NegativeTTL,
	})

	channels, tg, err := buildChannels(cfg)
	if err != nil {
		return nil, err
	}
	a.telegram = tg

	overflow, err := notify.ParseOverflowPolicy(cfg.Alerts.Overflow)
	if err != nil {
		return nil, err
	}
	a.dispatcher, err = notify.NewDispatcher(channels, a.store, notify.Config{
		RatePerMinute: cfg.Alerts.RatePerMinute,
		Burst:         cfg.Alerts.Burst,
		Overflow:      overflow,
		Retry:         cfg.Alerts.Retry.Policy(),
		SendTimeout:   cfg.Alerts.SendTimeout,
		QueueSize:     cfg.Alerts.QueueSize,
		Workers:       cfg.Alerts.Workers,
	})
	if err != nil {
		return nil, err
	}

	source := polymarket.NewClient(polymarket.Config{
		GammaAPIURL:  cfg.Polymarket.GammaAPIURL,
		TradesAPIURL: cfg.Polymarket.DataAPIURL,
		APIKey:       cfg.Polymarket.APIKey,
		Timeout:      cfg.Polymarket.Timeout,
		Retry:        cfg.Polymarket.Retry.Policy(),
		PageSize:     cfg.Polymarket.PageSize,
		MaxPages:     cfg.Polymarket.MaxPages,
		TradeLimit:   cfg.Polymarket.TradeLimit,
	})

	a.scanner = scanner.New(
		source,
		a.store,
		analyzer.New(pol, a.registry, resolver),
		a.dispatcher,
		&cycleNotifier{telegram: tg, dispatcher: a.dispatcher},
		scanner.Config{
			Interval:        cfg.Scan.Interval,
			ErrorBackoff:    cfg.Scan.ErrorBackoff,
			RequestSpacing:  cfg.Scan.RequestSpacing,
			MarketTimeout:   cfg.Scan.MarketTimeout,
			Concurrency:     cfg.Scan.Concurrency,
			ActiveOnly:      cfg.Polymarket.ActiveOnly,
			OnlyCategorized: cfg.Scan.OnlyCategorized,
			Categories:      cfg.ScanCategories(),
		},
	)
	ready = true
	return a, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}

// cycleNotifier reports the first failure of a streak and the recovery
// after it. After every successful cycle it re-queues undelivered alerts.
type cycleNotifier struct {
	telegram   *telegram.Client
	dispatcher *notify.Dispatcher
}

func (n *cycleNotifier) CycleFailed(ctx context.Context, err error) {
	if n.telegram == nil {
		return
	}
	if sendErr := n.telegram.SendError(ctx, err); sendErr != nil {
		logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
	}
}

func (n *cycleNotifier) CycleRecovered(ctx context.Context, failures int) {
	if n.telegram == nil {
		return
	}
	if sendErr := n.telegram.SendRecovery(ctx, failures); sendErr != nil {
		logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
	}
}

func (n *cycleNotifier) CycleSucceeded(ctx context.Context, _ scanner.CycleStats) {
	if _, err := n.dispatcher.Redeliver(ctx); err != nil {
		logger.Warn("Failed to re-queue undelivered alerts: %v", err)
	}
}

// reportCredentials logs which credentials are configured, masked.
func reportCredentials(cfg *config.Config) {
	creds := []struct {
		name, value, purpose string
	}{
		{"POLYGONSCAN_API_KEY", cfg.WalletAge.APIKey, "wallet age lookups"},
		{"TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken, "Telegram alerts"},
		{"TELEGRAM_CHAT_ID", cfg.Telegram.ChatID, "Telegram alerts"},
		{"POLYMARKET_API_KEY", cfg.Polymarket.APIKey, "Polymarket API"},
		{"DATABASE_URL", cfg.Storage.DatabaseURL, "PostgreSQL storage"},
	}
	for _, c := range creds {
		logger.Info("  %s: %s (%s)", c.name, config.MaskSecret(c.value), c.purpose)
	}

	if cfg.WalletAge.APIKey == "" {
		logger.Warn("No Polygonscan API key, wallet ages will be reported as unknown")
	}

	enabled := 0
	if cfg.Telegram.Enabled {
		enabled++
	}
	for _, w := range cfg.Webhooks {
		if w.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		logger.Warn("No alert channel is enabled, detections will only be stored")
	}
}

// statusText renders the scanner status for the Telegram /status command.
func statusText(s *scanner.Scanner, d *notify.Dispatcher, r *registry.Registry) func() string {
	return func() string {
		st := s.Status()
		var b strings.Builder
		fmt.Fprintf(&b, "Phase: %s\n", st.Phase)
		if st.Phase != scanner.PhaseIdle {
			fmt.Fprintf(&b, "Markets: %d/%d\n", st.MarketsDone, st.MarketsTotal)
		}
		if st.LastCycle != nil {
			fmt.Fprintf(&b, "Last cycle: %s, %d markets, %d skipped, %d new events\n",
				st.LastCycle.StartedAt.Format("2006-01-02 15:04:05"), st.LastCycle.Markets,
				st.LastCycle.MarketsSkipped, st.LastCycle.Recorded)
		}
		if st.LastError != "" {
			fmt.Fprintf(&b, "Last error: %s\n", st.LastError)
		}
		fmt.Fprintf(&b, "Failure streak: %d\n", st.ConsecutiveFailures)
		fmt.Fprintf(&b, "Pending alerts: %d\n", d.Pending())
		fmt.Fprintf(&b, "Monitored wallets: %d", r.Len())
		return b.String()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
