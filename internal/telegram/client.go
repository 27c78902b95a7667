// Package telegram delivers alerts and operational notices through the
// Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/polysentry/internal/logger"
	"github.com/rewired-gh/polysentry/internal/models"
	"github.com/rewired-gh/polysentry/internal/notify"
	"github.com/rewired-gh/polysentry/internal/retry"
)

// bot is the subset of *tgbotapi.BotAPI the client uses.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetMe() (tgbotapi.User, error)
}

// StatusFunc reports pipeline state for the /status command.
type StatusFunc func() string

// Client is a notify.Channel backed by a Telegram chat.
type Client struct {
	name   string
	bot    bot
	api    *tgbotapi.BotAPI
	chatID int64
	notice retry.Policy
}

// NewClient creates a Telegram client. The token is verified against the
// Bot API, so this performs a network call.
func NewClient(botToken, chatID string, timeout time.Duration, notice retry.Policy) (*Client, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(api, id, notice)
	c.api = api
	return c, nil
}

func newClient(b bot, chatID int64, notice retry.Policy) *Client {
	if notice.MaxAttempts < 1 {
		notice.MaxAttempts = 3
	}
	if notice.BaseDelay <= 0 {
		notice.BaseDelay = time.Second
	}
	if notice.MaxDelay < notice.BaseDelay {
		notice.MaxDelay = notice.BaseDelay * 8
	}
	return &Client{name: "telegram", bot: b, chatID: chatID, notice: notice}
}

func (c *Client) Name() string {
	return c.name
}

// Render formats e as a MarkdownV2 message.
func (c *Client) Render(e *models.SuspicionEvent) (string, error) {
	if e == nil {
		return "", fmt.Errorf("telegram: nil event")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", escapeMarkdownV2(notify.Title(e)))
	fmt.Fprintf(&b, "*Market:* %s\n", escapeMarkdownV2(e.MarketQuestion))
	fmt.Fprintf(&b, "*Bet:* %s on %s @ %s\n",
		escapeMarkdownV2(notify.FormatUSD(e.BetValue)),
		escapeMarkdownV2(e.Outcome),
		escapeMarkdownV2(notify.FormatPercent(e.Odds)))

	wallet := fmt.Sprintf("`%s`", e.WalletAddress)
	if e.WalletLabel != "" {
		wallet += " \\(" + escapeMarkdownV2(e.WalletLabel) + "\\)"
	}
	fmt.Fprintf(&b, "*Wallet:* %s\n", wallet)
	fmt.Fprintf(&b, "*Wallet age:* %s\n", escapeMarkdownV2(e.AgeLabel()))
	if e.Category != "" {
		fmt.Fprintf(&b, "*Category:* %s\n", escapeMarkdownV2(e.Category))
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, "*Reasons:* %s\n", escapeMarkdownV2(strings.Join(e.Reasons, ", ")))
	}
	if !e.TradeTimestamp.IsZero() {
		fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(e.TradeTimestamp.UTC().Format("2006-01-02 15:04:05 MST")))
	}
	fmt.Fprintf(&b, "\n[View on Polygonscan](%s)", notify.ExplorerURL(e.WalletAddress))
	return b.String(), nil
}

// Send delivers one rendered MarkdownV2 message. Retries are the caller's job.
func (c *Client) Send(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(c.chatID, message)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// TestConnection verifies the bot token.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.GetMe(); err != nil {
		return fmt.Errorf("telegram: get me: %w", err)
	}
	return nil
}

func (c *Client) sendNotice(ctx context.Context, text string) error {
	attempts, err := retry.Do(ctx, c.notice, func(ctx context.Context) error {
		return c.Send(ctx, text)
	}, nil)
	if err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// SendError sends a pipeline error notice.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Scan error*\n`%s`", escapeCode(cycleErr.Error()))
	return c.sendNotice(ctx, text)
}

// SendRecovery sends a recovery notice after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Scanning recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendNotice(ctx, text)
}

// ListenForCommands polls for bot updates and answers /ping and /status in a
// goroutine. It returns immediately; polling stops when ctx is cancelled.
// Only clients built by NewClient can listen.
func (c *Client) ListenForCommands(ctx context.Context, status StatusFunc) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, status)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, status StatusFunc) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "status":
		if status == nil {
			return
		}
		text = status()
	default:
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}
