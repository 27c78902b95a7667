package models

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Trade is one fill fetched from the venue. Trades are never persisted on
// their own; only suspicious ones become SuspicionEvents.
type Trade struct {
	ID           string          `json:"id"`
	MakerAddress string          `json:"maker_address,omitempty"`
	TakerAddress string          `json:"taker_address,omitempty"`
	MarketID     string          `json:"market_id"`
	Outcome      string          `json:"outcome"`
	Side         string          `json:"side,omitempty"`
	Size         decimal.Decimal `json:"size"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// BetValue is size × price in USD.
func (t *Trade) BetValue() float64 {
	return t.Size.Mul(t.Price).InexactFloat64()
}

// Wallet picks the address a trade is attributed to: the maker when present,
// otherwise the taker. Empty when neither side is known.
func (t *Trade) Wallet() string {
	if strings.TrimSpace(t.MakerAddress) != "" {
		return t.MakerAddress
	}
	return strings.TrimSpace(t.TakerAddress)
}

// Validate checks trade field constraints.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return errors.New("trade ID must not be empty")
	}
	if t.Outcome == "" {
		return errors.New("trade outcome must not be empty")
	}
	if t.Size.IsNegative() {
		return errors.New("trade size must not be negative")
	}
	if t.Price.IsNegative() || t.Price.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("trade price must be between 0.0 and 1.0")
	}
	return nil
}

// NormalizeAddress validates a hex wallet address and returns it in lowercase
// 0x form, which is the key used by every store collection.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}
