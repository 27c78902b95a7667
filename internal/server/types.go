package server

import (
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/scanner"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Scanner       scanner.Status `json:"scanner"`
	PendingAlerts int            `json:"pending_alerts"`
	Watchlist     int            `json:"watchlist"`
}

type EventsResponse struct {
	Items []models.SuspicionEvent `json:"items"`
}

type EventResponse struct {
	Event  *models.SuspicionEvent `json:"event"`
	Alerts []models.AlertRecord   `json:"alerts"`
}

type WatchlistResponse struct {
	Items []models.WalletEntry `json:"items"`
}

// WatchRequest adds or updates a monitored wallet. Omitted flags default
// to true.
type WatchRequest struct {
	Address          string `json:"address"`
	Label            string `json:"label"`
	Notes            string `json:"notes"`
	BypassThresholds *bool  `json:"bypass_thresholds"`
	AlertOnAnyTrade  *bool  `json:"alert_on_any_trade"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
