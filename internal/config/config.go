// Package config loads polysentry settings from YAML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/polysentry/internal/notify"
	"github.com/rewired-gh/polysentry/internal/policy"
	"github.com/rewired-gh/polysentry/internal/retry"
	"github.com/rewired-gh/polysentry/internal/scanner"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Categories []CategoryConfig `mapstructure:"categories"`
	WalletAge  WalletAgeConfig  `mapstructure:"wallet_age"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RetryConfig is a bounded exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Policy converts the settings into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// PolymarketConfig holds Polymarket API configuration
type PolymarketConfig struct {
	GammaAPIURL string        `mapstructure:"gamma_api_url"`
	DataAPIURL  string        `mapstructure:"data_api_url"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PageSize    int           `mapstructure:"page_size"`
	MaxPages    int           `mapstructure:"max_pages"`
	TradeLimit  int           `mapstructure:"trade_limit"`
	ActiveOnly  bool          `mapstructure:"active_only"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// ScanConfig holds scan loop configuration
type ScanConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	RequestSpacing  time.Duration `mapstructure:"request_spacing"`
	MarketTimeout   time.Duration `mapstructure:"market_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
	OnlyCategorized bool          `mapstructure:"only_categorized"`
	// Timeout bounds a scan triggered through the API or CLI.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ThresholdsConfig holds the default suspicion thresholds
type ThresholdsConfig struct {
	MinBetSize       float64 `mapstructure:"min_bet_size"`
	MaxOdds          float64 `mapstructure:"max_odds"`
	WalletAgeDays    int     `mapstructure:"wallet_age_days"`
	UnknownAgePolicy string  `mapstructure:"unknown_age_policy"`
}

// CategoryConfig classifies markets and optionally overrides thresholds.
type CategoryConfig struct {
	Name          string   `mapstructure:"name"`
	Tags          []string `mapstructure:"tags"`
	Keywords      []string `mapstructure:"keywords"`
	MinBetSize    *float64 `mapstructure:"min_bet_size"`
	MaxOdds       *float64 `mapstructure:"max_odds"`
	WalletAgeDays *int     `mapstructure:"wallet_age_days"`
}

// WalletAgeConfig holds wallet age oracle configuration
type WalletAgeConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	APIKey      string        `mapstructure:"api_key"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RegistryConfig holds monitored wallet registry configuration
type RegistryConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DBPath      string `mapstructure:"db_path"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// RedisConfig holds the shared wallet age cache configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	LocalTTL time.Duration `mapstructure:"local_ttl"`
}

// AlertsConfig holds alert dispatch configuration
type AlertsConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`
	Overflow      string        `mapstructure:"overflow"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// WebhookConfig holds one webhook channel
type WebhookConfig struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Format   string `mapstructure:"format"`
	Template string `mapstructure:"template"`
	Enabled  bool   `mapstructure:"enabled"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	Addr     string  `mapstructure:"addr"`
	APIKey   string  `mapstructure:"api_key"`
	ScanRate float64 `mapstructure:"scan_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultCategories are used when none are configured.
var DefaultCategories = []string{"news", "crypto", "cryptocurrency", "politics", "sports"}

// Load reads configuration from the file at path (optional when empty), a
// .env file in the working directory and the environment.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLYSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyFallbacks(v, &cfg)
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// bindEnv maps the well-known unprefixed variables onto config keys. The
// prefixed name always wins.
func bindEnv(v *viper.Viper) {
	binds := map[string][]string{
		"storage.database_url":       {"DATABASE_URL"},
		"wallet_age.api_key":         {"POLYGONSCAN_API_KEY"},
		"telegram.bot_token":         {"TELEGRAM_BOT_TOKEN"},
		"telegram.chat_id":           {"TELEGRAM_CHAT_ID"},
		"telegram.enabled":           nil,
		"polymarket.api_key":         {"POLYMARKET_API_KEY"},
		"thresholds.min_bet_size":    {"MIN_BET_SIZE"},
		"thresholds.max_odds":        {"MAX_ODDS"},
		"thresholds.wallet_age_days": {"WALLET_AGE_DAYS"},
		"redis.addr":                 {"REDIS_ADDR"},
	}
	for key, fallbacks := range binds {
		prefixed := "POLYSENTRY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(append([]string{key, prefixed}, fallbacks...)...)
	}
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.api_key", "")
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.data_api_url", "https://data-api.polymarket.com")
	v.SetDefault("polymarket.timeout", "30s")
	v.SetDefault("polymarket.page_size", 100)
	v.SetDefault("polymarket.max_pages", 10)
	v.SetDefault("polymarket.trade_limit", 100)
	v.SetDefault("polymarket.active_only", true)
	v.SetDefault("polymarket.retry.max_attempts", 3)
	v.SetDefault("polymarket.retry.base_delay", "1s")
	v.SetDefault("polymarket.retry.max_delay", "10s")

	// Scan defaults
	v.SetDefault("scan.interval", "5m")
	v.SetDefault("scan.error_backoff", "60s")
	v.SetDefault("scan.request_spacing", "2s")
	v.SetDefault("scan.market_timeout", "30s")
	v.SetDefault("scan.concurrency", 2)
	v.SetDefault("scan.only_categorized", true)
	v.SetDefault("scan.timeout", "10m")

	// Threshold defaults
	v.SetDefault("thresholds.min_bet_size", policy.DefaultMinBetSize)
	v.SetDefault("thresholds.max_odds", policy.DefaultMaxOdds)
	v.SetDefault("thresholds.wallet_age_days", policy.DefaultWalletAgeDays)
	v.SetDefault("thresholds.unknown_age_policy", "lenient")

	// Wallet age defaults
	v.SetDefault("wallet_age.api_key", "")
	v.SetDefault("wallet_age.api_url", "https://api.polygonscan.com/api")
	v.SetDefault("wallet_age.call_timeout", "10s")
	v.SetDefault("wallet_age.cache_ttl", "24h")
	v.SetDefault("wallet_age.negative_ttl", "1h")
	v.SetDefault("wallet_age.retry.max_attempts", 3)
	v.SetDefault("wallet_age.retry.base_delay", "1s")
	v.SetDefault("wallet_age.retry.max_delay", "8s")

	v.SetDefault("registry.refresh_interval", "1m")

	// Storage defaults; the driver is resolved from database_url when unset
	v.SetDefault("storage.driver", "")
	v.SetDefault("storage.db_path", "./data/polysentry.db")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.max_conns", 4)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.local_ttl", "10m")

	// Alert defaults
	v.SetDefault("alerts.rate_per_minute", 20)
	v.SetDefault("alerts.burst", 5)
	v.SetDefault("alerts.overflow", "queue")
	v.SetDefault("alerts.send_timeout", "10s")
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.workers", 2)
	v.SetDefault("alerts.retry.max_attempts", 3)
	v.SetDefault("alerts.retry.base_delay", "2s")
	v.SetDefault("alerts.retry.max_delay", "30s")

	// telegram.enabled has no default so that credentials alone can enable it
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.scan_rate", 1.0/30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyFallbacks fills settings that depend on other settings or on
// variables viper cannot bind to a single key.
func applyFallbacks(v *viper.Viper, cfg *Config) {
	if cfg.Storage.Driver == "" {
		if cfg.Storage.DatabaseURL != "" {
			cfg.Storage.Driver = "postgres"
		} else {
			cfg.Storage.Driver = "sqlite"
		}
	}

	// Telegram is on when both credentials are present, unless disabled explicitly.
	if !v.IsSet("telegram.enabled") && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		cfg.Telegram.Enabled = true
	}

	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" && len(cfg.Webhooks) == 0 {
		cfg.Webhooks = append(cfg.Webhooks, WebhookConfig{Name: "slack", URL: url, Format: "slack", Enabled: true})
	}

	if len(cfg.Categories) == 0 {
		names := DefaultCategories
		if env := os.Getenv("CATEGORIES"); env != "" {
			names = strings.Split(env, ",")
		}
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.Categories = append(cfg.Categories, CategoryConfig{Name: name, Tags: []string{name}})
		}
	}

	if env := os.Getenv("SCAN_INTERVAL_MINUTES"); env != "" && !v.InConfig("scan.interval") && os.Getenv("POLYSENTRY_SCAN_INTERVAL") == "" {
		if d, err := time.ParseDuration(env + "m"); err == nil {
			cfg.Scan.Interval = d
		}
	}
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.DataAPIURL == "" {
		return fmt.Errorf("polymarket.data_api_url is required")
	}
	if c.Polymarket.Timeout <= 0 {
		return fmt.Errorf("polymarket.timeout must be positive")
	}
	if c.Polymarket.PageSize < 1 || c.Polymarket.PageSize > 500 {
		return fmt.Errorf("polymarket.page_size must be between 1 and 500")
	}
	if c.Polymarket.MaxPages < 1 {
		return fmt.Errorf("polymarket.max_pages must be at least 1")
	}
	if c.Polymarket.TradeLimit < 1 || c.Polymarket.TradeLimit > 10000 {
		return fmt.Errorf("polymarket.trade_limit must be between 1 and 10000")
	}
	if err := c.Polymarket.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("polymarket.retry: %w", err)
	}

	// Validate Scan config
	if c.Scan.Interval < time.Second {
		return fmt.Errorf("scan.interval must be at least 1 second")
	}
	if c.Scan.ErrorBackoff < time.Second {
		return fmt.Errorf("scan.error_backoff must be at least 1 second")
	}
	if c.Scan.RequestSpacing < 0 {
		return fmt.Errorf("scan.request_spacing must not be negative")
	}
	if c.Scan.MarketTimeout <= 0 {
		return fmt.Errorf("scan.market_timeout must be positive")
	}
	if c.Scan.Concurrency < 1 || c.Scan.Concurrency > 32 {
		return fmt.Errorf("scan.concurrency must be between 1 and 32")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be positive")
	}

	// Validate thresholds and categories
	if _, err := c.PolicyConfig(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Categories))
	for i, cat := range c.Categories {
		name := strings.ToLower(strings.TrimSpace(cat.Name))
		if name == "" {
			return fmt.Errorf("categories[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("categories[%d].name %q is duplicated", i, cat.Name)
		}
		seen[name] = true
		if len(cat.Tags) == 0 && len(cat.Keywords) == 0 {
			return fmt.Errorf("categories[%d] (%s) needs at least one tag or keyword", i, cat.Name)
		}
	}

	// Validate wallet age config
	if c.WalletAge.CallTimeout <= 0 {
		return fmt.Errorf("wallet_age.call_timeout must be positive")
	}
	if c.WalletAge.CacheTTL <= 0 {
		return fmt.Errorf("wallet_age.cache_ttl must be positive")
	}
	if c.WalletAge.NegativeTTL < 0 {
		return fmt.Errorf("wallet_age.negative_ttl must not be negative")
	}
	if err := c.WalletAge.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("wallet_age.retry: %w", err)
	}

	if c.Registry.RefreshInterval <= 0 {
		return fmt.Errorf("registry.refresh_interval must be positive")
	}

	// Validate Storage config
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate Alerts config
	if c.Alerts.RatePerMinute < 0 {
		return fmt.Errorf("alerts.rate_per_minute must not be negative")
	}
	if c.Alerts.Burst < 1 {
		return fmt.Errorf("alerts.burst must be at least 1")
	}
	if _, err := notify.ParseOverflowPolicy(c.Alerts.Overflow); err != nil {
		return fmt.Errorf("alerts.overflow: %w", err)
	}
	if c.Alerts.SendTimeout <= 0 {
		return fmt.Errorf("alerts.send_timeout must be positive")
	}
	if c.Alerts.QueueSize < 1 {
		return fmt.Errorf("alerts.queue_size must be at least 1")
	}
	if c.Alerts.Workers < 1 {
		return fmt.Errorf("alerts.workers must be at least 1")
	}
	if err := c.Alerts.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("alerts.retry: %w", err)
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate webhooks
	names := map[string]bool{"telegram": true}
	for i, w := range c.Webhooks {
		if !w.Enabled {
			continue
		}
		if w.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required when the webhook is enabled", i)
		}
		if _, err := notify.ParseWebhookFormat(w.Format); err != nil {
			return fmt.Errorf("webhooks[%d].format: %w", i, err)
		}
		name := w.ChannelName()
		if names[name] {
			return fmt.Errorf("webhooks[%d].name %q is already used by another channel", i, name)
		}
		names[name] = true
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// ChannelName is the alert channel name of the webhook.
func (w WebhookConfig) ChannelName() string {
	if w.Name != "" {
		return strings.ToLower(w.Name)
	}
	return "webhook"
}

// PolicyConfig builds the threshold policy configuration.
func (c *Config) PolicyConfig() (policy.Config, error) {
	unknown, err := policy.ParseUnknownAgePolicy(c.Thresholds.UnknownAgePolicy)
	if err != nil {
		return policy.Config{}, fmt.Errorf("thresholds.unknown_age_policy: %w", err)
	}
	pc := policy.Config{
		Defaults: policy.Thresholds{
			MinBetSize:    c.Thresholds.MinBetSize,
			MaxOdds:       c.Thresholds.MaxOdds,
			WalletAgeDays: c.Thresholds.WalletAgeDays,
		},
		Overrides:  make(map[string]policy.Override),
		UnknownAge: unknown,
	}
	if err := pc.Defaults.Validate(); err != nil {
		return policy.Config{}, fmt.Errorf("thresholds: %w", err)
	}
	for _, cat := range c.Categories {
		if cat.MinBetSize == nil && cat.MaxOdds == nil && cat.WalletAgeDays == nil {
			continue
		}
		pc.Overrides[cat.Name] = policy.Override{
			MinBetSize:    cat.MinBetSize,
			MaxOdds:       cat.MaxOdds,
			WalletAgeDays: cat.WalletAgeDays,
		}
	}
	if _, err := policy.New(pc); err != nil {
		return policy.Config{}, fmt.Errorf("categories: %w", err)
	}
	return pc, nil
}

// ScanCategories returns the categories in classification order.
func (c *Config) ScanCategories() []scanner.Category {
	out := make([]scanner.Category, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, scanner.Category{Name: cat.Name, Tags: cat.Tags, Keywords: cat.Keywords})
	}
	return out
}

// MaskSecret hides all but the edges of a credential for startup reporting.
func MaskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 10 {
		return "***"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
