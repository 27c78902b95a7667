// Package polymarket reads markets, trades and prices from the Polymarket
// gamma and data APIs.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/retry"
)

// Config configures a Client.
type Config struct {
	GammaAPIURL  string
	TradesAPIURL string
	APIKey       string
	Timeout      time.Duration
	Retry        retry.Policy
	PageSize     int
	MaxPages     int
	TradeLimit   int
}

// Client provides access to Polymarket APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a new Polymarket client.
func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = 100
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	cfg.GammaAPIURL = strings.TrimRight(cfg.GammaAPIURL, "/")
	cfg.TradesAPIURL = strings.TrimRight(cfg.TradesAPIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type gammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Tags    []gammaTag    `json:"tags"`
	Markets []gammaMarket `json:"markets"`
}

// gammaTag accepts either a bare string or a {label, slug} object.
type gammaTag string

func (t *gammaTag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = gammaTag(s)
		return nil
	}
	var obj struct {
		Label string `json:"label"`
		Slug  string `json:"slug"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unsupported tag: %s", data)
	}
	if obj.Label != "" {
		*t = gammaTag(obj.Label)
	} else {
		*t = gammaTag(obj.Slug)
	}
	return nil
}

type gammaMarket struct {
	ID            string       `json:"id"`
	ConditionID   string       `json:"conditionId"`
	Question      string       `json:"question"`
	Active        *bool        `json:"active"`
	Closed        bool         `json:"closed"`
	Outcomes      stringList   `json:"outcomes"`      // "[\"Yes\", \"No\"]" or ["Yes", "No"]
	OutcomePrices stringList   `json:"outcomePrices"` // "[\"0.75\", \"0.25\"]" or ["0.75", "0.25"]
	Tokens        []gammaToken `json:"tokens"`
}

type gammaToken struct {
	Outcome string     `json:"outcome"`
	Price   flexNumber `json:"price"`
}

// ListMarkets pages through gamma events and returns their markets tagged
// with the parent event's tags. Category is left for the caller to assign.
func (c *Client) ListMarkets(ctx context.Context, activeOnly bool) ([]models.Market, error) {
	seen := make(map[string]bool)
	var markets []models.Market

	for page := 0; page < c.cfg.MaxPages; page++ {
		u, err := url.Parse(c.cfg.GammaAPIURL + "/events")
		if err != nil {
			return nil, fmt.Errorf("failed to parse URL: %w", err)
		}
		q := u.Query()
		if activeOnly {
			q.Set("active", "true")
			q.Set("closed", "false")
		}
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("offset", strconv.Itoa(page*c.cfg.PageSize))
		u.RawQuery = q.Encode()

		body, err := c.get(ctx, u.String())
		if err != nil {
			return nil, fmt.Errorf("failed to fetch events: %w", err)
		}

		var events []gammaEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("failed to decode events: %w", err)
		}

		now := time.Now()
		for _, ev := range events {
			tags := make([]string, 0, len(ev.Tags))
			for _, t := range ev.Tags {
				if t != "" {
					tags = append(tags, string(t))
				}
			}
			for _, gm := range ev.Markets {
				active := gm.Active == nil || *gm.Active
				if activeOnly && (!active || gm.Closed) {
					continue
				}
				if gm.ID == "" || seen[gm.ID] {
					continue
				}
				seen[gm.ID] = true
				markets = append(markets, models.Market{
					ID:          gm.ID,
					ConditionID: gm.ConditionID,
					Question:    gm.Question,
					Tags:        tags,
					Active:      active && !gm.Closed,
					CachedAt:    now,
				})
			}
		}

		if len(events) < c.cfg.PageSize {
			break
		}
	}

	return markets, nil
}

// CurrentOdds returns outcome prices for a market.
func (c *Client) CurrentOdds(ctx context.Context, marketID string) (models.Odds, error) {
	body, err := c.get(ctx, c.cfg.GammaAPIURL+"/markets/"+url.PathEscape(marketID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market %s: %w", marketID, err)
	}

	var gm gammaMarket
	if err := json.Unmarshal(body, &gm); err != nil {
		return nil, fmt.Errorf("failed to decode market %s: %w", marketID, err)
	}
	return parseOdds(gm)
}

// parseOdds prefers the outcomes/outcomePrices pair and falls back to tokens.
func parseOdds(gm gammaMarket) (models.Odds, error) {
	odds := make(models.Odds)
	if len(gm.Outcomes) > 0 {
		if len(gm.Outcomes) != len(gm.OutcomePrices) {
			return nil, fmt.Errorf("market %s has %d outcomes but %d prices", gm.ID, len(gm.Outcomes), len(gm.OutcomePrices))
		}
		for i, outcome := range gm.Outcomes {
			price, err := strconv.ParseFloat(gm.OutcomePrices[i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid price %q for outcome %s: %w", gm.OutcomePrices[i], outcome, err)
			}
			odds[outcome] = price
		}
		return odds, nil
	}
	for _, tok := range gm.Tokens {
		if tok.Outcome == "" {
			continue
		}
		odds[tok.Outcome] = float64(tok.Price)
	}
	if len(odds) == 0 {
		return nil, fmt.Errorf("market %s has no prices", gm.ID)
	}
	return odds, nil
}

type tradePayload struct {
	ID              string          `json:"id"`
	TransactionHash string          `json:"transactionHash"`
	MakerAddress    string          `json:"maker_address"`
	TakerAddress    string          `json:"taker_address"`
	ProxyWallet     string          `json:"proxyWallet"`
	Asset           string          `json:"asset"`
	LogIndex        *flexNumber     `json:"logIndex"`
	Market          string          `json:"market"`
	ConditionID     string          `json:"conditionId"`
	Outcome         string          `json:"outcome"`
	Side            string          `json:"side"`
	Size            json.RawMessage `json:"size"`
	Price           json.RawMessage `json:"price"`
	Timestamp       flexTime        `json:"timestamp"`
	MatchTime       flexTime        `json:"match_time"`
}

// ListTrades returns recent trades for a market in the order the API
// returns them. Individual malformed trades are logged and dropped.
func (c *Client) ListTrades(ctx context.Context, marketID string) ([]models.Trade, error) {
	u, err := url.Parse(c.cfg.TradesAPIURL + "/trades")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("market", marketID)
	q.Set("limit", strconv.Itoa(c.cfg.TradeLimit))
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}

	raws, err := decodeList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}

	trades := make([]models.Trade, 0, len(raws))
	for _, raw := range raws {
		t, err := decodeTrade(raw, marketID)
		if err != nil {
			logger.Warn("Dropping malformed trade in market %s: %v", marketID, err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// decodeList accepts a bare array or a {"data": [...]} envelope.
func decodeList(body []byte) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Data, nil
}

func decodeTrade(raw json.RawMessage, marketID string) (models.Trade, error) {
	var p tradePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Trade{}, err
	}

	id := p.ID
	if id == "" {
		id = p.TransactionHash
	}
	size, err := parseDecimal(p.Size)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade %s size: %w", id, err)
	}
	price, err := parseDecimal(p.Price)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade %s price: %w", id, err)
	}

	taker := p.TakerAddress
	if taker == "" {
		taker = p.ProxyWallet
	}
	ts := time.Time(p.Timestamp)
	if ts.IsZero() {
		ts = time.Time(p.MatchTime)
	}
	if p.ID == "" && p.TransactionHash != "" {
		id = fillID(p, taker, size, price)
	}

	t := models.Trade{
		ID:           id,
		MakerAddress: p.MakerAddress,
		TakerAddress: taker,
		MarketID:     marketID,
		Outcome:      p.Outcome,
		Side:         p.Side,
		Size:         size,
		Price:        price,
		Timestamp:    ts,
	}
	if err := t.Validate(); err != nil {
		return models.Trade{}, err
	}
	return t, nil
}

// fillID derives a stable per-fill ID for rows that only carry a
// transaction hash. One transaction can settle several fills, so the hash
// alone is not unique.
func fillID(p tradePayload, wallet string, size, price decimal.Decimal) string {
	if p.LogIndex != nil {
		return p.TransactionHash + ":" + strconv.FormatInt(int64(*p.LogIndex), 10)
	}
	key := strings.Join([]string{
		strings.ToLower(p.TransactionHash),
		strings.ToLower(strings.TrimSpace(p.MakerAddress)),
		strings.ToLower(strings.TrimSpace(wallet)),
		p.Asset,
		strings.ToLower(p.Outcome),
		strings.ToUpper(p.Side),
		size.String(),
		price.String(),
	}, "|")
	return p.TransactionHash + ":" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:8]
}

// get performs a GET with bounded retries on transport errors, 5xx and 429.
func (c *Client) get(ctx context.Context, urlStr string) ([]byte, error) {
	var body []byte
	_, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{StatusCode: resp.StatusCode, URL: req.URL.Path, Body: strings.TrimSpace(string(snippet))}
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}, retryable)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}
