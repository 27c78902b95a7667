package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/rewired-gh/polysentry/internal/models"
)

// WebhookFormat selects the request body layout.
type WebhookFormat string

const (
	FormatSlack   WebhookFormat = "slack"
	FormatDiscord WebhookFormat = "discord"
	FormatJSON    WebhookFormat = "json"
)

// ParseWebhookFormat validates a format name. Empty means slack.
func ParseWebhookFormat(s string) (WebhookFormat, error) {
	switch f := WebhookFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatSlack, nil
	case FormatSlack, FormatDiscord, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("webhook format %q must be one of: slack, discord, json", s)
	}
}

const defaultWebhookTemplate = `{{title .}}
Market: {{.MarketQuestion}}
Bet: {{usd .BetValue}} on {{.Outcome}} @ {{percent .Odds}}
Wallet: {{.WalletAddress}}{{if .WalletLabel}} ({{.WalletLabel}}){{end}}
Wallet age: {{.AgeLabel}}
Category: {{.Category}}
{{- if .Reasons}}
Reasons: {{join .Reasons ", "}}{{end}}`

// Webhook posts alerts to an incoming-webhook URL.
type Webhook struct {
	name   string
	url    string
	format WebhookFormat
	tmpl   *template.Template
	client *http.Client
}

// NewWebhook creates a webhook channel. An empty text template uses the default.
func NewWebhook(name, url string, format WebhookFormat, text string, timeout time.Duration) (*Webhook, error) {
	if text == "" {
		text = defaultWebhookTemplate
	}
	tmpl, err := template.New(name).Funcs(TemplateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse template: %w", err)
	}
	if name == "" {
		name = "webhook"
	}
	return &Webhook{
		name:   name,
		url:    url,
		format: format,
		tmpl:   tmpl,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (w *Webhook) Name() string {
	return w.name
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackElement struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
	URL  string    `json:"url"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Render produces the JSON request body for the configured format.
func (w *Webhook) Render(e *models.SuspicionEvent) (string, error) {
	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, e); err != nil {
		return "", fmt.Errorf("webhook: render: %w", err)
	}
	text := buf.String()

	var payload any
	switch w.format {
	case FormatDiscord:
		payload = map[string]string{"content": text}
	case FormatJSON:
		payload = struct {
			Text  string                 `json:"text"`
			Event *models.SuspicionEvent `json:"event"`
		}{text, e}
	default:
		payload = slackPayload{
			Text: Title(e),
			Blocks: []slackBlock{
				{Type: "header", Text: &slackText{Type: "plain_text", Text: Title(e), Emoji: true}},
				{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}},
				{Type: "actions", Elements: []slackElement{{
					Type: "button",
					Text: slackText{Type: "plain_text", Text: "View on Polygonscan"},
					URL:  ExplorerURL(e.WalletAddress),
				}}},
			},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("webhook: marshal payload: %w", err)
	}
	return string(body), nil
}

// Send posts a rendered body.
func (w *Webhook) Send(ctx context.Context, message string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// TestConnection posts a short test message in the configured format.
func (w *Webhook) TestConnection(ctx context.Context) error {
	const text = "polysentry webhook connection test"
	var payload any
	switch w.format {
	case FormatDiscord:
		payload = map[string]string{"content": text}
	default:
		payload = map[string]string{"text": text}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.Send(ctx, string(body))
}
