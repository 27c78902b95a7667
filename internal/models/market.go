// Package models defines the core domain entities: markets, trades, suspicion events,
// monitored wallets and alert delivery records.
package models

import (
	"errors"
	"strings"
	"time"
)

// Market is a single prediction market on the venue, refreshed every scan cycle.
type Market struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"condition_id,omitempty"`
	Question    string    `json:"question"`
	Tags        []string  `json:"tags"`
	Category    string    `json:"category"`
	Active      bool      `json:"active"`
	CachedAt    time.Time `json:"cached_at"`
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if strings.TrimSpace(m.Question) == "" {
		return errors.New("market question must not be empty")
	}
	return nil
}

// TradeKey returns the identifier the trade feed is keyed by. The data API
// indexes trades by condition ID; older payloads only carry the market ID.
func (m *Market) TradeKey() string {
	if m.ConditionID != "" {
		return m.ConditionID
	}
	return m.ID
}

// HasTag reports whether the market carries tag (case-insensitive).
func (m *Market) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Odds maps an outcome name to its current price in [0, 1].
type Odds map[string]float64

// NeutralOdds is used when an outcome has no price. It cannot satisfy any
// max-odds threshold below 1.0, so missing data never triggers a match.
const NeutralOdds = 1.0

// For returns the price of outcome, or NeutralOdds when it is missing.
// Lookup falls back to a case-insensitive match ("YES" vs "Yes").
func (o Odds) For(outcome string) float64 {
	if p, ok := o[outcome]; ok {
		return p
	}
	for k, p := range o {
		if strings.EqualFold(k, outcome) {
			return p
		}
	}
	return NeutralOdds
}
