package models

import (
	"errors"
	"time"
)

// DetectionSource distinguishes threshold-triggered events from events raised
// because the wallet is on the monitored list.
type DetectionSource string

const (
	SourceAutomatic       DetectionSource = "automatic"
	SourceMonitoredWallet DetectionSource = "monitored_wallet"
)

// WalletAge is a resolved wallet age in whole days, or unknown.
type WalletAge struct {
	Days  int
	Known bool
}

// UnknownAge is returned when the age oracle cannot answer.
var UnknownAge = WalletAge{}

// AgeOf returns a known age of days.
func AgeOf(days int) WalletAge {
	if days < 0 {
		days = 0
	}
	return WalletAge{Days: days, Known: true}
}

// Ptr returns the age as a nullable column value.
func (a WalletAge) Ptr() *int {
	if !a.Known {
		return nil
	}
	d := a.Days
	return &d
}

func (a WalletAge) String() string {
	if !a.Known {
		return "unknown"
	}
	return itoa(a.Days) + "d"
}

// SuspicionEvent is the persisted record of one trade judged suspicious.
// It is created once per TradeID and only Alerted changes afterwards.
type SuspicionEvent struct {
	TradeID         string          `json:"trade_id"`
	WalletAddress   string          `json:"wallet_address"`
	MarketID        string          `json:"market_id"`
	MarketQuestion  string          `json:"market_question"`
	Category        string          `json:"category"`
	BetValue        float64         `json:"bet_value"`
	Outcome         string          `json:"outcome"`
	Odds            float64         `json:"odds"`
	TradeTimestamp  time.Time       `json:"trade_timestamp"`
	WalletAgeDays   *int            `json:"wallet_age_days"`
	DetectedAt      time.Time       `json:"detected_at"`
	DetectionSource DetectionSource `json:"detection_source"`
	Reasons         []string        `json:"reasons,omitempty"`
	WalletLabel     string          `json:"wallet_label,omitempty"`
	Silent          bool            `json:"silent,omitempty"`
	Alerted         bool            `json:"alerted"`
}

// Validate checks event field constraints.
func (e *SuspicionEvent) Validate() error {
	if e.TradeID == "" {
		return errors.New("trade ID must not be empty")
	}
	if e.WalletAddress == "" {
		return errors.New("wallet address must not be empty")
	}
	if e.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if e.BetValue < 0 {
		return errors.New("bet value must not be negative")
	}
	if e.Odds < 0.0 || e.Odds > 1.0 {
		return errors.New("odds must be between 0.0 and 1.0")
	}
	switch e.DetectionSource {
	case SourceAutomatic, SourceMonitoredWallet:
	default:
		return errors.New("unknown detection source: " + string(e.DetectionSource))
	}
	if e.DetectedAt.IsZero() {
		return errors.New("detected at must be set")
	}
	return nil
}

// AgeLabel renders the wallet age for messages.
func (e *SuspicionEvent) AgeLabel() string {
	if e.WalletAgeDays == nil {
		return "Unknown"
	}
	return itoa(*e.WalletAgeDays) + " days"
}
