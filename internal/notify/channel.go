// Package notify delivers suspicion events to alert channels with
// per-channel deduplication, rate limiting and retries.
package notify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/polysentry/internal/models"
)

// Channel is one alert destination. Render turns an event into the
// channel's wire message; Send delivers a rendered message.
type Channel interface {
	Name() string
	Render(e *models.SuspicionEvent) (string, error)
	Send(ctx context.Context, message string) error
	TestConnection(ctx context.Context) error
}

// ExplorerURL links a wallet on Polygonscan.
func ExplorerURL(addr string) string {
	return "https://polygonscan.com/address/" + addr
}

// FormatUSD renders a dollar amount with thousands separators and no cents.
func FormatUSD(v float64) string {
	return "$" + humanize.Comma(int64(math.Round(v)))
}

// FormatPercent renders a probability in [0, 1] as a percentage.
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

// Title is the headline used by every channel.
func Title(e *models.SuspicionEvent) string {
	if e.DetectionSource == models.SourceMonitoredWallet {
		return "👁 Monitored Wallet Activity"
	}
	return "🚨 Suspicious Activity Detected"
}

// TemplateFuncs are available to every channel template.
var TemplateFuncs = template.FuncMap{
	"usd":      FormatUSD,
	"percent":  FormatPercent,
	"explorer": ExplorerURL,
	"title":    Title,
	"join":     strings.Join,
}
