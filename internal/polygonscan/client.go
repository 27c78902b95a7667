// Package polygonscan estimates wallet age from the first transaction an
// explorer knows about.
package polygonscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/polysentry/internal/models"
)

// DefaultAPIURL is the Etherscan-compatible endpoint for Polygon.
const DefaultAPIURL = "https://api.polygonscan.com/api"

// Client looks up first-transaction timestamps.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("polygonscan returned status %d: %s", e.StatusCode, e.Body)
}

type txListResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type transaction struct {
	Hash      string `json:"hash"`
	TimeStamp string `json:"timeStamp"`
}

// NewClient creates a new explorer client. Each request is bounded by timeout.
func NewClient(apiURL, apiKey string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL: apiURL,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// AgeInDays returns whole days since the first transaction of addr.
// A wallet without transactions yields models.ErrNotFound and a throttled
// request yields models.ErrRateLimited.
func (c *Client) AgeInDays(ctx context.Context, addr string) (int, error) {
	first, err := c.FirstTransaction(ctx, addr)
	if err != nil {
		return 0, err
	}
	age := c.now().Sub(first)
	if age < 0 {
		return 0, nil
	}
	return int(age / (24 * time.Hour)), nil
}

// FirstTransaction returns the timestamp of the oldest transaction of addr.
func (c *Client) FirstTransaction(ctx context.Context, addr string) (time.Time, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", addr)
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("page", "1")
	q.Set("offset", "1")
	q.Set("sort", "asc")
	q.Set("apikey", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query txlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return time.Time{}, models.ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out txListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode txlist: %w", err)
	}

	if out.Status != "1" {
		return time.Time{}, classify(out)
	}

	var txs []transaction
	if err := json.Unmarshal(out.Result, &txs); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode transactions: %w", err)
	}
	if len(txs) == 0 {
		return time.Time{}, models.ErrNotFound
	}

	ts, err := strconv.ParseInt(txs[0].TimeStamp, 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}, fmt.Errorf("invalid timestamp %q on transaction %s", txs[0].TimeStamp, txs[0].Hash)
	}
	return time.Unix(ts, 0), nil
}

// classify maps an unsuccessful envelope to a sentinel where possible.
// The explorer reports errors in "message" or as a string "result".
func classify(out txListResponse) error {
	var detail string
	_ = json.Unmarshal(out.Result, &detail)
	text := strings.ToLower(out.Message + " " + detail)

	switch {
	case strings.Contains(text, "no transactions found"):
		return models.ErrNotFound
	case strings.Contains(text, "rate limit"):
		return fmt.Errorf("%w: %s", models.ErrRateLimited, strings.TrimSpace(detail))
	default:
		return fmt.Errorf("txlist failed: %s %s", out.Message, detail)
	}
}
