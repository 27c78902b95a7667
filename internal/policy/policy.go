// Package policy decides whether a trade matches the suspicion profile.
// It performs no I/O and holds no mutable state, so one Policy may be shared
// by any number of goroutines.
package policy

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/polysentry/internal/models"
)

// Default thresholds.
const (
	DefaultMinBetSize    = 10000.0
	DefaultMaxOdds       = 0.20
	DefaultWalletAgeDays = 30
)

// Thresholds are the three limits a trade is compared against.
type Thresholds struct {
	MinBetSize    float64 `json:"min_bet_size"`
	MaxOdds       float64 `json:"max_odds"`
	WalletAgeDays int     `json:"wallet_age_days"`
}

// Validate checks threshold ranges.
func (t Thresholds) Validate() error {
	if t.MinBetSize < 0 {
		return fmt.Errorf("min_bet_size must not be negative")
	}
	// Missing outcome prices read as 1.0 and must never match.
	if t.MaxOdds < 0.0 || t.MaxOdds >= 1.0 {
		return fmt.Errorf("max_odds must be at least 0.0 and below 1.0")
	}
	if t.WalletAgeDays < 0 {
		return fmt.Errorf("wallet_age_days must not be negative")
	}
	return nil
}

// Override replaces individual default thresholds for one category.
// Nil fields keep the default.
type Override struct {
	MinBetSize    *float64 `mapstructure:"min_bet_size" json:"min_bet_size,omitempty"`
	MaxOdds       *float64 `mapstructure:"max_odds" json:"max_odds,omitempty"`
	WalletAgeDays *int     `mapstructure:"wallet_age_days" json:"wallet_age_days,omitempty"`
}

// UnknownAgePolicy controls how a wallet with unresolved age is judged.
type UnknownAgePolicy int

const (
	// Lenient treats unknown age as satisfying the age condition.
	Lenient UnknownAgePolicy = iota
	// Strict never lets unknown age satisfy the age condition.
	Strict
)

// ParseUnknownAgePolicy parses "lenient" or "strict". Empty means lenient.
func ParseUnknownAgePolicy(s string) (UnknownAgePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown age policy %q must be one of: lenient, strict", s)
	}
}

func (p UnknownAgePolicy) String() string {
	if p == Strict {
		return "strict"
	}
	return "lenient"
}

// Reason names one satisfied condition.
type Reason string

const (
	ReasonLargeBet   Reason = "large_bet"
	ReasonLowOdds    Reason = "low_odds"
	ReasonNewWallet  Reason = "new_wallet"
	ReasonUnknownAge Reason = "unknown_wallet_age"
)

// Verdict is the outcome of one evaluation. Reasons lists every condition
// that held, in a fixed order, whether or not the trade matched.
type Verdict struct {
	Matched    bool
	Reasons    []Reason
	Thresholds Thresholds
}

// Strings returns the reasons as plain strings for persistence.
func (v Verdict) Strings() []string {
	out := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		out[i] = string(r)
	}
	return out
}

// Config is everything a Policy is built from.
type Config struct {
	Defaults   Thresholds
	Overrides  map[string]Override
	UnknownAge UnknownAgePolicy
}

// Policy evaluates trades against category-aware thresholds.
type Policy struct {
	defaults   Thresholds
	effective  map[string]Thresholds
	unknownAge UnknownAgePolicy
}

// New validates cfg and precomputes the effective thresholds of every category.
func New(cfg Config) (*Policy, error) {
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	p := &Policy{
		defaults:   cfg.Defaults,
		effective:  make(map[string]Thresholds, len(cfg.Overrides)),
		unknownAge: cfg.UnknownAge,
	}
	for category, o := range cfg.Overrides {
		t := merge(cfg.Defaults, o)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("category %q: %w", category, err)
		}
		p.effective[strings.ToLower(category)] = t
	}
	return p, nil
}

// Default returns a Policy with the default thresholds and lenient unknown-age handling.
func Default() *Policy {
	p, _ := New(Config{Defaults: Thresholds{
		MinBetSize:    DefaultMinBetSize,
		MaxOdds:       DefaultMaxOdds,
		WalletAgeDays: DefaultWalletAgeDays,
	}})
	return p
}

func merge(base Thresholds, o Override) Thresholds {
	if o.MinBetSize != nil {
		base.MinBetSize = *o.MinBetSize
	}
	if o.MaxOdds != nil {
		base.MaxOdds = *o.MaxOdds
	}
	if o.WalletAgeDays != nil {
		base.WalletAgeDays = *o.WalletAgeDays
	}
	return base
}

// UnknownAge returns the configured unknown-age handling.
func (p *Policy) UnknownAge() UnknownAgePolicy {
	return p.unknownAge
}

// Effective returns the thresholds that apply to category.
func (p *Policy) Effective(category string) Thresholds {
	if t, ok := p.effective[strings.ToLower(category)]; ok {
		return t
	}
	return p.defaults
}

// Evaluate judges one trade. A trade matches when the bet is at least the
// minimum size, the odds are at most the maximum and the wallet is younger
// than the age limit (or its age is unknown under the lenient policy).
func (p *Policy) Evaluate(betValue, odds float64, age models.WalletAge, category string) Verdict {
	t := p.Effective(category)
	v := Verdict{Thresholds: t}

	large := betValue >= t.MinBetSize
	if large {
		v.Reasons = append(v.Reasons, ReasonLargeBet)
	}
	low := odds <= t.MaxOdds
	if low {
		v.Reasons = append(v.Reasons, ReasonLowOdds)
	}

	var young bool
	if age.Known {
		young = age.Days < t.WalletAgeDays
		if young {
			v.Reasons = append(v.Reasons, ReasonNewWallet)
		}
	} else {
		young = p.unknownAge == Lenient
		if young {
			v.Reasons = append(v.Reasons, ReasonUnknownAge)
		}
	}

	v.Matched = large && low && young
	return v
}
