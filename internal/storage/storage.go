// Package storage provides SQLite-backed persistence for suspicion events,
// cached markets, wallet aggregates, monitored wallets and alert history.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/polysentry/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

var _ Store = (*Storage)(nil)

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polysentry/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polysentry", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets_cache (
			id           TEXT PRIMARY KEY,
			condition_id TEXT,
			question     TEXT NOT NULL,
			tags         TEXT NOT NULL DEFAULT '[]',
			category     TEXT,
			active       INTEGER NOT NULL DEFAULT 1,
			cached_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS suspicion_events (
			trade_id         TEXT PRIMARY KEY,
			wallet_address   TEXT NOT NULL,
			market_id        TEXT NOT NULL,
			market_question  TEXT,
			category         TEXT,
			bet_value        REAL NOT NULL,
			outcome          TEXT,
			odds             REAL NOT NULL,
			trade_timestamp  INTEGER NOT NULL,
			wallet_age_days  INTEGER,
			detected_at      INTEGER NOT NULL,
			detection_source TEXT NOT NULL,
			reasons          TEXT NOT NULL DEFAULT '[]',
			wallet_label     TEXT,
			silent           INTEGER NOT NULL DEFAULT 0,
			alerted          INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_wallet ON suspicion_events(wallet_address)`,
		`CREATE INDEX IF NOT EXISTS idx_events_detected_at ON suspicion_events(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_undelivered ON suspicion_events(alerted, silent)`,
		`CREATE TABLE IF NOT EXISTS wallet_aggregates (
			address         TEXT PRIMARY KEY,
			first_seen      INTEGER NOT NULL,
			total_bets      INTEGER NOT NULL DEFAULT 0,
			total_volume    REAL NOT NULL DEFAULT 0,
			suspicious_bets INTEGER NOT NULL DEFAULT 0,
			last_updated    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_wallets (
			address            TEXT PRIMARY KEY,
			label              TEXT,
			notes              TEXT,
			is_active          INTEGER NOT NULL DEFAULT 1,
			bypass_thresholds  INTEGER NOT NULL DEFAULT 1,
			alert_on_any_trade INTEGER NOT NULL DEFAULT 1,
			added_at           INTEGER NOT NULL,
			last_activity      INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS alert_history (
			id       TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			channel  TEXT NOT NULL,
			sent_at  INTEGER NOT NULL,
			success  INTEGER NOT NULL,
			error    TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			UNIQUE (trade_id, channel)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) CacheMarket(ctx context.Context, m *models.Market) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid market: %w", err)
	}
	tags, err := json.Marshal(nonNil(m.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	cachedAt := m.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets_cache (id, condition_id, question, tags, category, active, cached_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			condition_id=excluded.condition_id, question=excluded.question, tags=excluded.tags,
			category=excluded.category, active=excluded.active, cached_at=excluded.cached_at`,
		m.ID, m.ConditionID, m.Question, string(tags), m.Category, boolToInt(m.Active), cachedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache market: %w", err)
	}
	return nil
}

func (s *Storage) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, condition_id, question, tags, category, active, cached_at
		FROM markets_cache WHERE id = ?`, id)

	var m models.Market
	var conditionID, category sql.NullString
	var tags string
	var active int
	var cachedAtNano int64
	err := row.Scan(&m.ID, &conditionID, &m.Question, &tags, &category, &active, &cachedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	m.ConditionID = conditionID.String
	m.Category = category.String
	m.Active = active != 0
	m.CachedAt = time.Unix(0, cachedAtNano)
	return &m, nil
}

func (s *Storage) RecordSuspicion(ctx context.Context, e *models.SuspicionEvent) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid suspicion event: %w", err)
	}
	reasons, err := json.Marshal(nonNil(e.Reasons))
	if err != nil {
		return false, fmt.Errorf("failed to marshal reasons: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO suspicion_events
			(trade_id, wallet_address, market_id, market_question, category, bet_value, outcome,
			 odds, trade_timestamp, wallet_age_days, detected_at, detection_source, reasons,
			 wallet_label, silent, alerted)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_id) DO NOTHING`,
		e.TradeID, e.WalletAddress, e.MarketID, e.MarketQuestion, e.Category, e.BetValue, e.Outcome,
		e.Odds, e.TradeTimestamp.UnixNano(), nullInt(e.WalletAgeDays), e.DetectedAt.UnixNano(),
		string(e.DetectionSource), string(reasons), e.WalletLabel, boolToInt(e.Silent), boolToInt(e.Alerted),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert suspicion event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}

	now := e.DetectedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_aggregates (address, first_seen, total_bets, total_volume, suspicious_bets, last_updated)
		VALUES (?, ?, 1, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET
			total_bets = wallet_aggregates.total_bets + 1,
			total_volume = wallet_aggregates.total_volume + excluded.total_volume,
			suspicious_bets = wallet_aggregates.suspicious_bets + 1,
			last_updated = excluded.last_updated`,
		e.WalletAddress, now, e.BetValue, now,
	); err != nil {
		return false, fmt.Errorf("failed to update wallet aggregate: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE monitored_wallets SET last_activity = ? WHERE address = ?`,
		e.TradeTimestamp.UnixNano(), e.WalletAddress,
	); err != nil {
		return false, fmt.Errorf("failed to update monitored wallet activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit suspicion event: %w", err)
	}
	return true, nil
}

const eventCols = `trade_id, wallet_address, market_id, market_question, category, bet_value, outcome,
	odds, trade_timestamp, wallet_age_days, detected_at, detection_source, reasons,
	wallet_label, silent, alerted`

func (s *Storage) GetSuspicion(ctx context.Context, tradeID string) (*models.SuspicionEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM suspicion_events WHERE trade_id = ?`, tradeID)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("suspicion event %s: %w", tradeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspicion event: %w", err)
	}
	return e, nil
}

func (s *Storage) RecentSuspicions(ctx context.Context, q EventQuery) ([]models.SuspicionEvent, error) {
	var where []string
	var args []any
	if q.WalletAddress != "" {
		where = append(where, "wallet_address = ?")
		args = append(args, strings.ToLower(q.WalletAddress))
	}
	if q.Source != "" {
		where = append(where, "detection_source = ?")
		args = append(args, string(q.Source))
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if !q.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	query := `SELECT ` + eventCols + ` FROM suspicion_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, q.EffectiveLimit())

	return s.queryEvents(ctx, query, args...)
}

func (s *Storage) ListUndelivered(ctx context.Context, limit int) ([]models.SuspicionEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM suspicion_events
		WHERE alerted = 0 AND silent = 0 ORDER BY detected_at ASC LIMIT ?`,
		EventQuery{Limit: limit}.EffectiveLimit())
}

func (s *Storage) queryEvents(ctx context.Context, query string, args ...any) ([]models.SuspicionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query suspicion events: %w", err)
	}
	defer rows.Close()

	events := []models.SuspicionEvent{}
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan suspicion event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *Storage) MarkAlerted(ctx context.Context, tradeID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE suspicion_events SET alerted = 1 WHERE trade_id = ?`, tradeID)
	if err != nil {
		return fmt.Errorf("failed to mark alerted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("suspicion event %s: %w", tradeID, models.ErrNotFound)
	}
	return nil
}

func (s *Storage) GetWalletAggregate(ctx context.Context, addr string) (*models.WalletAggregate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, first_seen, total_bets, total_volume, suspicious_bets, last_updated
		FROM wallet_aggregates WHERE address = ?`, strings.ToLower(addr))

	var a models.WalletAggregate
	var firstSeenNano, lastUpdatedNano int64
	err := row.Scan(&a.Address, &firstSeenNano, &a.TotalBets, &a.TotalVolume, &a.SuspiciousBets, &lastUpdatedNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet aggregate %s: %w", addr, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet aggregate: %w", err)
	}
	a.FirstSeen = time.Unix(0, firstSeenNano)
	a.LastUpdated = time.Unix(0, lastUpdatedNano)
	return &a, nil
}

// UpsertMonitoredWallet adds a wallet or updates an existing one. Re-adding a
// deactivated wallet reactivates it; the original added_at is kept.
func (s *Storage) UpsertMonitoredWallet(ctx context.Context, w *models.WalletEntry) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid monitored wallet: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitored_wallets
			(address, label, notes, is_active, bypass_thresholds, alert_on_any_trade, added_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(address) DO UPDATE SET
			label=excluded.label, notes=excluded.notes, is_active=excluded.is_active,
			bypass_thresholds=excluded.bypass_thresholds, alert_on_any_trade=excluded.alert_on_any_trade`,
		strings.ToLower(w.Address), w.Label, w.Notes, boolToInt(w.IsActive),
		boolToInt(w.BypassThresholds), boolToInt(w.AlertOnAnyTrade), w.AddedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert monitored wallet: %w", err)
	}
	return nil
}

// DeactivateMonitoredWallet soft-deletes a wallet so its history is kept.
func (s *Storage) DeactivateMonitoredWallet(ctx context.Context, addr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitored_wallets SET is_active = 0 WHERE address = ?`, strings.ToLower(addr))
	if err != nil {
		return fmt.Errorf("failed to deactivate monitored wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("monitored wallet %s: %w", addr, models.ErrNotFound)
	}
	return nil
}

const walletCols = `address, label, notes, is_active, bypass_thresholds, alert_on_any_trade, added_at, last_activity`

func (s *Storage) GetMonitoredWallet(ctx context.Context, addr string) (*models.WalletEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM monitored_wallets WHERE address = ?`, strings.ToLower(addr))
	w, err := scanWallet(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitored wallet %s: %w", addr, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monitored wallet: %w", err)
	}
	return w, nil
}

func (s *Storage) ListMonitoredWallets(ctx context.Context, activeOnly bool) ([]models.WalletEntry, error) {
	query := `SELECT ` + walletCols + ` FROM monitored_wallets`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY added_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitored wallets: %w", err)
	}
	defer rows.Close()

	wallets := []models.WalletEntry{}
	for rows.Next() {
		w, err := scanWallet(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitored wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (s *Storage) RecordAlert(ctx context.Context, r models.AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history (id, trade_id, channel, sent_at, success, error, attempts)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(trade_id, channel) DO UPDATE SET
			sent_at=excluded.sent_at, success=excluded.success, error=excluded.error,
			attempts=alert_history.attempts + excluded.attempts
		WHERE alert_history.success = 0`,
		r.ID, r.TradeID, r.Channel, r.SentAt.UnixNano(), boolToInt(r.Success), r.Error, r.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

func (s *Storage) HasSuccessfulAlert(ctx context.Context, tradeID, channel string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alert_history WHERE trade_id = ? AND channel = ? AND success = 1`,
		tradeID, channel).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check alert history: %w", err)
	}
	return n > 0, nil
}

func (s *Storage) AlertHistory(ctx context.Context, tradeID string) ([]models.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, channel, sent_at, success, error, attempts
		FROM alert_history WHERE trade_id = ? ORDER BY channel`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	records := []models.AlertRecord{}
	for rows.Next() {
		var r models.AlertRecord
		var sentAtNano int64
		var success int
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &r.TradeID, &r.Channel, &sentAtNano, &success, &errText, &r.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		r.SentAt = time.Unix(0, sentAtNano)
		r.Success = success != 0
		r.Error = errText.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanEvent(scan func(...any) error) (*models.SuspicionEvent, error) {
	var e models.SuspicionEvent
	var question, category, outcome, label sql.NullString
	var tradeNano, detectedNano int64
	var age sql.NullInt64
	var source, reasons string
	var silent, alerted int
	err := scan(
		&e.TradeID, &e.WalletAddress, &e.MarketID, &question, &category, &e.BetValue, &outcome,
		&e.Odds, &tradeNano, &age, &detectedNano, &source, &reasons,
		&label, &silent, &alerted,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reasons), &e.Reasons); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reasons: %w", err)
	}
	e.MarketQuestion = question.String
	e.Category = category.String
	e.Outcome = outcome.String
	e.WalletLabel = label.String
	e.TradeTimestamp = time.Unix(0, tradeNano)
	e.DetectedAt = time.Unix(0, detectedNano)
	e.DetectionSource = models.DetectionSource(source)
	if age.Valid {
		d := int(age.Int64)
		e.WalletAgeDays = &d
	}
	e.Silent = silent != 0
	e.Alerted = alerted != 0
	return &e, nil
}

func scanWallet(scan func(...any) error) (*models.WalletEntry, error) {
	var w models.WalletEntry
	var label, notes sql.NullString
	var active, bypass, alertAny int
	var addedNano int64
	var lastActivity sql.NullInt64
	if err := scan(&w.Address, &label, &notes, &active, &bypass, &alertAny, &addedNano, &lastActivity); err != nil {
		return nil, err
	}
	w.Label = label.String
	w.Notes = notes.String
	w.IsActive = active != 0
	w.BypassThresholds = bypass != 0
	w.AlertOnAnyTrade = alertAny != 0
	w.AddedAt = time.Unix(0, addedNano)
	if lastActivity.Valid {
		t := time.Unix(0, lastActivity.Int64)
		w.LastActivity = &t
	}
	return &w, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
