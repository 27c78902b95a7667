package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/scanner"
	"github.com/rewired-gh/polysentry/internal/storage"
)

// Scanner triggers and reports scan cycles.
type Scanner interface {
	ScanOnce(ctx context.Context) (scanner.CycleStats, error)
	Status() scanner.Status
}

// Registry is told about watchlist changes.
type Registry interface {
	Invalidate()
	Len() int
}

// Queue reports undispatched alerts.
type Queue interface {
	Pending() int
}

// Handlers holds the API dependencies. Queue may be nil.
type Handlers struct {
	Store       storage.Store
	Scanner     Scanner
	Registry    Registry
	Queue       Queue
	ScanTimeout time.Duration
	DevMode     bool
	now         func() time.Time
}

func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Health pings the store.
func (h *Handlers) Health(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		return h.err(c, http.StatusServiceUnavailable, "store unavailable", err.Error())
	}
	return c.JSON(http.StatusOK, HealthResponse{OK: true})
}

func (h *Handlers) Status(c echo.Context) error {
	resp := StatusResponse{Scanner: h.Scanner.Status(), Watchlist: h.Registry.Len()}
	if h.Queue != nil {
		resp.PendingAlerts = h.Queue.Pending()
	}
	return c.JSON(http.StatusOK, resp)
}

// Scan runs one cycle synchronously and returns its stats.
func (h *Handlers) Scan(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), h.ScanTimeout)
	defer cancel()

	stats, err := h.Scanner.ScanOnce(ctx)
	switch {
	case errors.Is(err, models.ErrScanInProgress):
		return h.err(c, http.StatusConflict, "scan already in progress", nil)
	case err != nil:
		return h.err(c, http.StatusBadGateway, "scan failed", err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// ListEvents returns recent suspicion events.
// Query: limit (1-1000), wallet, source, category, since (RFC3339 or a duration such as 24h).
func (h *Handlers) ListEvents(c echo.Context) error {
	q := storage.EventQuery{Category: c.QueryParam("category")}

	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 1000"})
		}
		q.Limit = n
	}
	if s := c.QueryParam("wallet"); s != "" {
		addr, err := models.NormalizeAddress(s)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid wallet address", nil)
		}
		q.WalletAddress = addr
	}
	if s := c.QueryParam("source"); s != "" {
		src := models.DetectionSource(strings.ToLower(s))
		if src != models.SourceAutomatic && src != models.SourceMonitoredWallet {
			return h.err(c, http.StatusBadRequest, "invalid source", map[string]any{"source": "automatic or monitored_wallet"})
		}
		q.Source = src
	}
	if s := c.QueryParam("since"); s != "" {
		since, err := parseSince(s, h.clock())
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid since", err.Error())
		}
		q.Since = since
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	events, err := h.Store.RecentSuspicions(ctx, q)
	if err != nil {
		return err
	}
	if events == nil {
		events = []models.SuspicionEvent{}
	}
	return c.JSON(http.StatusOK, EventsResponse{Items: events})
}

// GetEvent returns one event with its delivery history.
func (h *Handlers) GetEvent(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tradeID := c.Param("trade_id")
	event, err := h.Store.GetSuspicion(ctx, tradeID)
	if errors.Is(err, models.ErrNotFound) {
		return h.err(c, http.StatusNotFound, "event not found", nil)
	}
	if err != nil {
		return err
	}
	alerts, err := h.Store.AlertHistory(ctx, tradeID)
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []models.AlertRecord{}
	}
	return c.JSON(http.StatusOK, EventResponse{Event: event, Alerts: alerts})
}

// GetWallet returns a wallet's aggregate and event history.
func (h *Handlers) GetWallet(c echo.Context) error {
	addr, err := models.NormalizeAddress(c.Param("address"))
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid wallet address", nil)
	}

	limit := storage.DefaultQueryLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 1000"})
		}
		limit = n
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	report, err := storage.WalletReport(ctx, h.Store, addr, limit)
	if errors.Is(err, models.ErrNotFound) {
		return h.err(c, http.StatusNotFound, "wallet not found", nil)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// ListWatchlist returns active monitored wallets, or all with ?all=true.
func (h *Handlers) ListWatchlist(c echo.Context) error {
	all, _ := strconv.ParseBool(c.QueryParam("all"))

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	wallets, err := h.Store.ListMonitoredWallets(ctx, !all)
	if err != nil {
		return err
	}
	if wallets == nil {
		wallets = []models.WalletEntry{}
	}
	return c.JSON(http.StatusOK, WatchlistResponse{Items: wallets})
}

// AddWatch adds or re-activates a monitored wallet.
func (h *Handlers) AddWatch(c echo.Context) error {
	var req WatchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	entry, err := models.NewWalletEntry(req.Address, req.Label, h.clock())
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid wallet address", nil)
	}
	entry.Notes = req.Notes
	entry.BypassThresholds = boolOr(req.BypassThresholds, true)
	entry.AlertOnAnyTrade = boolOr(req.AlertOnAnyTrade, true)

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Store.UpsertMonitoredWallet(ctx, entry); err != nil {
		return err
	}
	h.Registry.Invalidate()

	saved, err := h.Store.GetMonitoredWallet(ctx, entry.Address)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

// RemoveWatch deactivates a monitored wallet; its history is kept.
func (h *Handlers) RemoveWatch(c echo.Context) error {
	addr, err := models.NormalizeAddress(c.Param("address"))
	if err != nil {
		return h.err(c, http.StatusBadRequest, "invalid wallet address", nil)
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	err = h.Store.DeactivateMonitoredWallet(ctx, addr)
	if errors.Is(err, models.ErrNotFound) {
		return h.err(c, http.StatusNotFound, "wallet not monitored", nil)
	}
	if err != nil {
		return err
	}
	h.Registry.Invalidate()
	return c.NoContent(http.StatusNoContent)
}

// parseSince accepts an RFC3339 timestamp or a lookback duration.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, errors.New("since must be RFC3339 or a duration like 24h")
	}
	if d < 0 {
		d = -d
	}
	return now.Add(-d), nil
}
