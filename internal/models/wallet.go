package models

import (
	"errors"
	"strconv"
	"time"
)

// WalletEntry is an operator-maintained monitored wallet.
type WalletEntry struct {
	Address          string     `json:"address"`
	Label            string     `json:"label,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	IsActive         bool       `json:"is_active"`
	BypassThresholds bool       `json:"bypass_thresholds"`
	AlertOnAnyTrade  bool       `json:"alert_on_any_trade"`
	AddedAt          time.Time  `json:"added_at"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// Validate checks entry field constraints.
func (w *WalletEntry) Validate() error {
	if w.Address == "" {
		return errors.New("wallet address must not be empty")
	}
	if w.AddedAt.IsZero() {
		return errors.New("added at must be set")
	}
	return nil
}

// NewWalletEntry returns an active entry for addr, normalized to lowercase.
func NewWalletEntry(addr, label string, addedAt time.Time) (*WalletEntry, error) {
	normalized, err := NormalizeAddress(addr)
	if err != nil {
		return nil, err
	}
	return &WalletEntry{Address: normalized, Label: label, IsActive: true, AddedAt: addedAt}, nil
}

// WalletAggregate accumulates suspicion statistics for one address.
type WalletAggregate struct {
	Address        string    `json:"address"`
	FirstSeen      time.Time `json:"first_seen"`
	TotalBets      int64     `json:"total_bets"`
	TotalVolume    float64   `json:"total_volume"`
	SuspiciousBets int64     `json:"suspicious_bets"`
	LastUpdated    time.Time `json:"last_updated"`
}

// WalletReport bundles an aggregate with the wallet's event history.
type WalletReport struct {
	Aggregate *WalletAggregate `json:"aggregate"`
	Monitored *WalletEntry     `json:"monitored,omitempty"`
	Events    []SuspicionEvent `json:"events"`
}

func itoa(n int) string { return strconv.Itoa(n) }
