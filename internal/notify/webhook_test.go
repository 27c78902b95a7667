package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookRenderFormats(t *testing.T) {
	e := testEvent("t1")
	e.WalletLabel = "whale"
	e.Reasons = []string{"large_bet", "low_odds"}

	slack, err := NewWebhook("slack", "http://example", FormatSlack, "", time.Second)
	require.NoError(t, err)
	body, err := slack.Render(e)
	require.NoError(t, err)

	var payload slackPayload
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	require.Len(t, payload.Blocks, 3)
	assert.Contains(t, payload.Blocks[1].Text.Text, "$12,000 on Yes @ 10.0%")
	assert.Contains(t, payload.Blocks[1].Text.Text, "(whale)")
	assert.Contains(t, payload.Blocks[1].Text.Text, "Wallet age: Unknown")
	assert.Equal(t, "https://polygonscan.com/address/"+e.WalletAddress, payload.Blocks[2].Elements[0].URL)

	discord, err := NewWebhook("discord", "http://example", FormatDiscord, "", time.Second)
	require.NoError(t, err)
	body, err = discord.Render(e)
	require.NoError(t, err)
	assert.Contains(t, body, `"content"`)

	raw, err := NewWebhook("json", "http://example", FormatJSON, "", time.Second)
	require.NoError(t, err)
	body, err = raw.Render(e)
	require.NoError(t, err)
	assert.Contains(t, body, `"trade_id":"t1"`)
}

func TestWebhookTemplateErrors(t *testing.T) {
	_, err := NewWebhook("bad", "http://example", FormatSlack, "{{.Missing", time.Second)
	assert.Error(t, err)

	w, err := NewWebhook("bad", "http://example", FormatSlack, "{{.NoSuchField}}", time.Second)
	require.NoError(t, err)
	_, err = w.Render(testEvent("t1"))
	assert.Error(t, err)
}

func TestWebhookSend(t *testing.T) {
	var (
		mu  sync.Mutex
		got string
	)
	last := func() string {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = string(b)
		mu.Unlock()
		if strings.Contains(string(b), "fail") {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	w, err := NewWebhook("webhook", srv.URL, FormatSlack, "", time.Second)
	require.NoError(t, err)

	require.NoError(t, w.Send(context.Background(), `{"text":"hi"}`))
	assert.Equal(t, `{"text":"hi"}`, last())
	assert.Error(t, w.Send(context.Background(), `{"text":"fail"}`))
	require.NoError(t, w.TestConnection(context.Background()))
	assert.Contains(t, last(), "connection test")
}

func TestParseWebhookFormat(t *testing.T) {
	f, err := ParseWebhookFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatSlack, f)
	_, err = ParseWebhookFormat("teams")
	assert.Error(t, err)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "$1,234,568", FormatUSD(1234567.6))
	assert.Equal(t, "12.5%", FormatPercent(0.125))
}
