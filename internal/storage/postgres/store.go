// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/storage"
)

//go:embed schema.sql
var schema string

// ClientConfig holds connection parameters for the pool.
type ClientConfig struct {
	DSN      string
	MaxConns int
}

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects, pings and applies the schema.
func New(ctx context.Context, cfg ClientConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CacheMarket(ctx context.Context, m *models.Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("postgres: invalid market: %w", err)
	}
	cachedAt := m.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets_cache (id, condition_id, question, tags, category, active, cached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id, question = EXCLUDED.question, tags = EXCLUDED.tags,
			category = EXCLUDED.category, active = EXCLUDED.active, cached_at = EXCLUDED.cached_at`,
		m.ID, m.ConditionID, m.Question, nonNil(m.Tags), m.Category, m.Active, cachedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: cache market %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	var m models.Market
	err := s.pool.QueryRow(ctx, `
		SELECT id, condition_id, question, tags, category, active, cached_at
		FROM markets_cache WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConditionID, &m.Question, &m.Tags, &m.Category, &m.Active, &m.CachedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) RecordSuspicion(ctx context.Context, e *models.SuspicionEvent) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("postgres: invalid suspicion event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO suspicion_events (
			trade_id, wallet_address, market_id, market_question, category, bet_value, outcome,
			odds, trade_timestamp, wallet_age_days, detected_at, detection_source, reasons,
			wallet_label, silent, alerted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (trade_id) DO NOTHING`,
		e.TradeID, e.WalletAddress, e.MarketID, e.MarketQuestion, e.Category, e.BetValue, e.Outcome,
		e.Odds, e.TradeTimestamp, e.WalletAgeDays, e.DetectedAt, string(e.DetectionSource), nonNil(e.Reasons),
		e.WalletLabel, e.Silent, e.Alerted,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert suspicion event %s: %w", e.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO wallet_aggregates (address, first_seen, total_bets, total_volume, suspicious_bets, last_updated)
		VALUES ($1, $2, 1, $3, 1, $2)
		ON CONFLICT (address) DO UPDATE SET
			total_bets = wallet_aggregates.total_bets + 1,
			total_volume = wallet_aggregates.total_volume + EXCLUDED.total_volume,
			suspicious_bets = wallet_aggregates.suspicious_bets + 1,
			last_updated = EXCLUDED.last_updated`,
		e.WalletAddress, e.DetectedAt, e.BetValue,
	); err != nil {
		return false, fmt.Errorf("postgres: update wallet aggregate %s: %w", e.WalletAddress, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE monitored_wallets SET last_activity = $1 WHERE address = $2`,
		e.TradeTimestamp, e.WalletAddress,
	); err != nil {
		return false, fmt.Errorf("postgres: update monitored wallet activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: commit suspicion event %s: %w", e.TradeID, err)
	}
	return true, nil
}

const eventCols = `trade_id, wallet_address, market_id, market_question, category, bet_value, outcome,
	odds, trade_timestamp, wallet_age_days, detected_at, detection_source, reasons,
	wallet_label, silent, alerted`

func scanEvent(row pgx.Row) (models.SuspicionEvent, error) {
	var e models.SuspicionEvent
	var source string
	err := row.Scan(
		&e.TradeID, &e.WalletAddress, &e.MarketID, &e.MarketQuestion, &e.Category, &e.BetValue, &e.Outcome,
		&e.Odds, &e.TradeTimestamp, &e.WalletAgeDays, &e.DetectedAt, &source, &e.Reasons,
		&e.WalletLabel, &e.Silent, &e.Alerted,
	)
	e.DetectionSource = models.DetectionSource(source)
	return e, err
}

func (s *Store) GetSuspicion(ctx context.Context, tradeID string) (*models.SuspicionEvent, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventCols+` FROM suspicion_events WHERE trade_id = $1`, tradeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("suspicion event %s: %w", tradeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get suspicion event %s: %w", tradeID, err)
	}
	return &e, nil
}

func (s *Store) RecentSuspicions(ctx context.Context, q storage.EventQuery) ([]models.SuspicionEvent, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.WalletAddress != "" {
		add("wallet_address = $%d", strings.ToLower(q.WalletAddress))
	}
	if q.Source != "" {
		add("detection_source = $%d", string(q.Source))
	}
	if q.Category != "" {
		add("category = $%d", q.Category)
	}
	if !q.Since.IsZero() {
		add("detected_at >= $%d", q.Since)
	}

	query := `SELECT ` + eventCols + ` FROM suspicion_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, q.EffectiveLimit())
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, len(args))

	return s.queryEvents(ctx, query, args...)
}

func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]models.SuspicionEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM suspicion_events
		WHERE NOT alerted AND NOT silent ORDER BY detected_at ASC LIMIT $1`,
		storage.EventQuery{Limit: limit}.EffectiveLimit())
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]models.SuspicionEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query suspicion events: %w", err)
	}
	defer rows.Close()

	events := []models.SuspicionEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan suspicion event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkAlerted(ctx context.Context, tradeID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE suspicion_events SET alerted = TRUE WHERE trade_id = $1`, tradeID)
	if err != nil {
		return fmt.Errorf("postgres: mark alerted %s: %w", tradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suspicion event %s: %w", tradeID, models.ErrNotFound)
	}
	return nil
}

func (s *Store) GetWalletAggregate(ctx context.Context, addr string) (*models.WalletAggregate, error) {
	var a models.WalletAggregate
	err := s.pool.QueryRow(ctx, `
		SELECT address, first_seen, total_bets, total_volume, suspicious_bets, last_updated
		FROM wallet_aggregates WHERE address = $1`, strings.ToLower(addr),
	).Scan(&a.Address, &a.FirstSeen, &a.TotalBets, &a.TotalVolume, &a.SuspiciousBets, &a.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet aggregate %s: %w", addr, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get wallet aggregate %s: %w", addr, err)
	}
	return &a, nil
}

func (s *Store) UpsertMonitoredWallet(ctx context.Context, w *models.WalletEntry) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("postgres: invalid monitored wallet: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitored_wallets
			(address, label, notes, is_active, bypass_thresholds, alert_on_any_trade, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label, notes = EXCLUDED.notes, is_active = EXCLUDED.is_active,
			bypass_thresholds = EXCLUDED.bypass_thresholds, alert_on_any_trade = EXCLUDED.alert_on_any_trade`,
		strings.ToLower(w.Address), w.Label, w.Notes, w.IsActive, w.BypassThresholds, w.AlertOnAnyTrade, w.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert monitored wallet %s: %w", w.Address, err)
	}
	return nil
}

func (s *Store) DeactivateMonitoredWallet(ctx context.Context, addr string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE monitored_wallets SET is_active = FALSE WHERE address = $1`, strings.ToLower(addr))
	if err != nil {
		return fmt.Errorf("postgres: deactivate monitored wallet %s: %w", addr, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitored wallet %s: %w", addr, models.ErrNotFound)
	}
	return nil
}

const walletCols = `address, label, notes, is_active, bypass_thresholds, alert_on_any_trade, added_at, last_activity`

func scanWallet(row pgx.Row) (models.WalletEntry, error) {
	var w models.WalletEntry
	err := row.Scan(&w.Address, &w.Label, &w.Notes, &w.IsActive, &w.BypassThresholds, &w.AlertOnAnyTrade, &w.AddedAt, &w.LastActivity)
	return w, err
}

func (s *Store) GetMonitoredWallet(ctx context.Context, addr string) (*models.WalletEntry, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletCols+` FROM monitored_wallets WHERE address = $1`, strings.ToLower(addr)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("monitored wallet %s: %w", addr, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get monitored wallet %s: %w", addr, err)
	}
	return &w, nil
}

func (s *Store) ListMonitoredWallets(ctx context.Context, activeOnly bool) ([]models.WalletEntry, error) {
	query := `SELECT ` + walletCols + ` FROM monitored_wallets`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY added_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list monitored wallets: %w", err)
	}
	defer rows.Close()

	wallets := []models.WalletEntry{}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan monitored wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *Store) RecordAlert(ctx context.Context, r models.AlertRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_history (id, trade_id, channel, sent_at, success, error, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (trade_id, channel) DO UPDATE SET
			sent_at = EXCLUDED.sent_at, success = EXCLUDED.success, error = EXCLUDED.error,
			attempts = alert_history.attempts + EXCLUDED.attempts
		WHERE NOT alert_history.success`,
		r.ID, r.TradeID, r.Channel, r.SentAt, r.Success, r.Error, r.Attempts,
	)
	if err != nil {
		return fmt.Errorf("postgres: record alert %s/%s: %w", r.TradeID, r.Channel, err)
	}
	return nil
}

func (s *Store) HasSuccessfulAlert(ctx context.Context, tradeID, channel string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM alert_history WHERE trade_id = $1 AND channel = $2 AND success)`,
		tradeID, channel,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: check alert history: %w", err)
	}
	return ok, nil
}

func (s *Store) AlertHistory(ctx context.Context, tradeID string) ([]models.AlertRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, trade_id, channel, sent_at, success, error, attempts
		FROM alert_history WHERE trade_id = $1 ORDER BY channel`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query alert history: %w", err)
	}
	defer rows.Close()

	records := []models.AlertRecord{}
	for rows.Next() {
		var r models.AlertRecord
		if err := rows.Scan(&r.ID, &r.TradeID, &r.Channel, &r.SentAt, &r.Success, &r.Error, &r.Attempts); err != nil {
			return nil, fmt.Errorf("postgres: scan alert record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
