package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polysentry/internal/retry"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		GammaAPIURL:  srv.URL,
		TradesAPIURL: srv.URL,
		APIKey:       "secret",
		Timeout:      2 * time.Second,
		Retry:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		PageSize:     2,
		MaxPages:     5,
	})
}

func TestListMarketsPagesAndFlattens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		switch offset {
		case 0:
			fmt.Fprint(w, `[
				{"id":"e1","tags":[{"label":"Politics","slug":"politics"}],"markets":[
					{"id":"m1","conditionId":"0xc1","question":"A?","active":true},
					{"id":"m2","question":"B?","active":true,"closed":true}
				]},
				{"id":"e2","tags":["Crypto"],"markets":[{"id":"m3","question":"C?"}]}
			]`)
		case 2:
			fmt.Fprint(w, `[{"id":"e3","tags":[],"markets":[{"id":"m1","question":"A again?"}]}]`)
		default:
			t.Errorf("unexpected offset %d", offset)
		}
	})
	c := newTestClient(t, mux)

	markets, err := c.ListMarkets(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "m1", markets[0].ID)
	assert.Equal(t, "0xc1", markets[0].ConditionID)
	assert.Equal(t, []string{"Politics"}, markets[0].Tags)
	assert.Equal(t, "m3", markets[1].ID)
	assert.Equal(t, []string{"Crypto"}, markets[1].Tags)
}

func TestCurrentOdds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/m1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"m1","outcomes":"[\"Yes\", \"No\"]","outcomePrices":"[\"0.12\", \"0.88\"]"}`)
	})
	mux.HandleFunc("/markets/m2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"m2","tokens":[{"outcome":"Yes","price":0.3},{"outcome":"No","price":"0.7"}]}`)
	})
	mux.HandleFunc("/markets/m3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"m3","outcomes":["Yes","No"],"outcomePrices":["0.5"]}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	odds, err := c.CurrentOdds(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.12, odds["Yes"])
	assert.Equal(t, 0.88, odds["No"])

	odds, err = c.CurrentOdds(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, 0.3, odds["Yes"])
	assert.Equal(t, 0.7, odds["No"])

	_, err = c.CurrentOdds(ctx, "m3")
	assert.Error(t, err, "mismatched outcomes and prices are malformed")
}

func TestListTradesDecodesAndDropsMalformed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xc1", r.URL.Query().Get("market"))
		fmt.Fprint(w, `[
			{"id":"t1","maker_address":"0xaaa","taker_address":"0xbbb","outcome":"Yes","side":"BUY","size":"20000","price":"0.6","match_time":"1700000000"},
			{"transactionHash":"0xhash","proxyWallet":"0xccc","outcome":"No","size":150.5,"price":0.4,"timestamp":1700000100},
			{"id":"bad","outcome":"Yes","size":"lots","price":"0.5"},
			{"id":"t3","outcome":"Yes","size":"10","price":"1.5"}
		]`)
	})
	c := newTestClient(t, mux)

	trades, err := c.ListTrades(context.Background(), "0xc1")
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "t1", trades[0].ID)
	assert.Equal(t, "0xaaa", trades[0].Wallet())
	assert.InDelta(t, 12000, trades[0].BetValue(), 1e-9)
	assert.Equal(t, time.Unix(1700000000, 0), trades[0].Timestamp)

	assert.True(t, strings.HasPrefix(trades[1].ID, "0xhash:"), trades[1].ID)
	assert.Equal(t, "0xccc", trades[1].Wallet())
	assert.Equal(t, "150.5", trades[1].Size.String())
	assert.Equal(t, "0xc1", trades[1].MarketID)
}

func TestListTradesSharedTransactionHash(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"transactionHash":"0xabc","proxyWallet":"0x1abe1368601330a310162064e04d3c2628cb6497","asset":"42","outcome":"Yes","side":"BUY","size":30000,"price":0.1,"timestamp":1700000000},
			{"transactionHash":"0xabc","proxyWallet":"0x2bcd1368601330a310162064e04d3c2628cb6497","asset":"42","outcome":"Yes","side":"BUY","size":40000,"price":0.1,"timestamp":1700000000},
			{"transactionHash":"0xdef","logIndex":7,"proxyWallet":"0x2bcd1368601330a310162064e04d3c2628cb6497","outcome":"No","size":5,"price":0.5}
		]`)
	})
	c := newTestClient(t, mux)

	first, err := c.ListTrades(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, first, 3)

	assert.NotEqual(t, first[0].ID, first[1].ID, "fills in one transaction need distinct IDs")
	assert.True(t, strings.HasPrefix(first[0].ID, "0xabc:"), first[0].ID)
	assert.True(t, strings.HasPrefix(first[1].ID, "0xabc:"), first[1].ID)
	assert.Equal(t, "0xdef:7", first[2].ID)

	again, err := c.ListTrades(context.Background(), "m1")
	require.NoError(t, err)
	for i := range first {
		assert.Equal(t, first[i].ID, again[i].ID, "IDs must be stable across fetches")
	}
}

func TestListTradesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"t1","taker_address":"0xbbb","outcome":"Yes","size":"1","price":"0.5"}],"next_cursor":"LTE="}`)
	})
	c := newTestClient(t, mux)

	trades, err := c.ListTrades(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/flaky", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"id":"flaky","outcomes":"[\"Yes\"]","outcomePrices":"[\"0.1\"]"}`)
	})
	var notFound atomic.Int32
	mux.HandleFunc("/markets/gone", func(w http.ResponseWriter, r *http.Request) {
		notFound.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	odds, err := c.CurrentOdds(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, 0.1, odds["Yes"])
	assert.Equal(t, int32(3), calls.Load())

	_, err = c.CurrentOdds(context.Background(), "gone")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), notFound.Load())
}
