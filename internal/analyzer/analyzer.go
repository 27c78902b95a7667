// Package analyzer turns a single trade into a suspicion event or nothing.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/policy"
)

// ReasonMonitoredWallet is recorded on events raised by a bypass wallet.
const ReasonMonitoredWallet = "monitored_wallet"

// Registry looks up monitored wallets.
type Registry interface {
	Lookup(ctx context.Context, addr string) (models.WalletEntry, bool, error)
}

// AgeResolver resolves wallet ages; it never fails.
type AgeResolver interface {
	Resolve(ctx context.Context, addr string) models.WalletAge
}

// Analyzer evaluates trades. It holds no mutable state of its own and is
// safe for concurrent use as long as its collaborators are.
type Analyzer struct {
	policy   *policy.Policy
	registry Registry
	ages     AgeResolver
	now      func() time.Time
}

// New creates an Analyzer.
func New(p *policy.Policy, registry Registry, ages AgeResolver) *Analyzer {
	return &Analyzer{
		policy:   p,
		registry: registry,
		ages:     ages,
		now:      time.Now,
	}
}

// Analyze returns a suspicion event for trade, or nil when it is not
// suspicious or carries no usable wallet address. The trade is attributed to
// its maker when one is present, otherwise to its taker. An error means the
// monitored wallet list could not be read.
func (a *Analyzer) Analyze(ctx context.Context, trade models.Trade, market models.Market, odds models.Odds) (*models.SuspicionEvent, error) {
	raw := trade.Wallet()
	if raw == "" {
		logger.Debug("Trade %s has no maker or taker address, skipping", trade.ID)
		return nil, nil
	}
	addr, err := models.NormalizeAddress(raw)
	if err != nil {
		logger.Warn("Trade %s has malformed address %q, skipping", trade.ID, raw)
		return nil, nil
	}

	entry, monitored, err := a.registry.Lookup(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("registry lookup for %s: %w", addr, err)
	}

	betValue := trade.BetValue()
	price := odds.For(trade.Outcome)

	if monitored && entry.BypassThresholds {
		age := a.ages.Resolve(ctx, addr)
		event := a.newEvent(trade, market, addr, betValue, price, age, models.SourceMonitoredWallet)
		event.Reasons = []string{ReasonMonitoredWallet}
		event.WalletLabel = entry.Label
		if !entry.AlertOnAnyTrade {
			// Quiet wallets still alert on trades that meet every threshold.
			verdict := a.policy.Evaluate(betValue, price, age, market.Category)
			event.Silent = !verdict.Matched
			if verdict.Matched {
				event.Reasons = append(event.Reasons, verdict.Strings()...)
			}
		}
		return event, nil
	}

	// Size and odds are known without I/O; only resolve age when they pass.
	t := a.policy.Effective(market.Category)
	if betValue < t.MinBetSize || price > t.MaxOdds {
		return nil, nil
	}

	age := a.ages.Resolve(ctx, addr)
	verdict := a.policy.Evaluate(betValue, price, age, market.Category)
	if !verdict.Matched {
		return nil, nil
	}

	event := a.newEvent(trade, market, addr, betValue, price, age, models.SourceAutomatic)
	event.Reasons = verdict.Strings()
	if monitored {
		event.WalletLabel = entry.Label
	}
	return event, nil
}

func (a *Analyzer) newEvent(trade models.Trade, market models.Market, addr string, betValue, price float64, age models.WalletAge, source models.DetectionSource) *models.SuspicionEvent {
	return &models.SuspicionEvent{
		TradeID:         trade.ID,
		WalletAddress:   addr,
		MarketID:        market.ID,
		MarketQuestion:  market.Question,
		Category:        market.Category,
		BetValue:        betValue,
		Outcome:         trade.Outcome,
		Odds:            price,
		TradeTimestamp:  trade.Timestamp,
		WalletAgeDays:   age.Ptr(),
		DetectedAt:      a.now(),
		DetectionSource: source,
	}
}
