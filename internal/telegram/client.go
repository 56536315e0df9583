// Package telegram forwards trade outcomes and sync failures to a Telegram
// chat. Delivery is retried with linear backoff and never blocks trading:
// callers treat a send failure as a log line, not an error.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/paperdesk/internal/models"
	"github.com/rewired-gh/paperdesk/internal/monitor"
)

// sender is the part of tgbotapi.BotAPI the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// TradeNotice describes one trade outcome.
type TradeNotice struct {
	Side      models.Side
	Label     string
	Outcome   string
	Contracts decimal.Decimal
	// Total is the filled amount when the ledger reported it, else the
	// estimate with Estimated set.
	Total     decimal.Decimal
	Estimated bool
	// Cash is the post-trade balance; nil when the refresh failed.
	Cash *decimal.Decimal
	// Err is the user-facing failure message; empty on success.
	Err string
	At  time.Time
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// NotifyTrade sends a trade outcome.
func (c *Client) NotifyTrade(ctx context.Context, n TradeNotice) error {
	return c.send(ctx, formatTrade(n))
}

// NotifyStatus sends a free-form status line such as a sync failure banner.
func (c *Client) NotifyStatus(ctx context.Context, level, message string) error {
	text := fmt.Sprintf("%s *%s*\n%s", levelEmoji(level), escapeMarkdownV2(strings.ToUpper(level)), escapeMarkdownV2(message))
	return c.send(ctx, text)
}

// NotifyMoves sends the price moves of watched markets detected in one refresh.
func (c *Client) NotifyMoves(ctx context.Context, moves []monitor.Move) error {
	if len(moves) == 0 {
		return nil
	}
	return c.send(ctx, formatMoves(moves))
}

func (c *Client) send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatTrade renders a trade notice as MarkdownV2.
func formatTrade(n TradeNotice) string {
	var b strings.Builder

	verb := "Bought"
	if n.Side == models.Sell {
		verb = "Sold"
	}
	if n.Err != "" {
		fmt.Fprintf(&b, "❌ *%s rejected*\n", escapeMarkdownV2(strings.ToLower(string(n.Side))))
	} else {
		fmt.Fprintf(&b, "✅ *%s*\n", verb)
	}

	fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(n.Label))
	fmt.Fprintf(&b, "   🎯 %s × %s\n", escapeMarkdownV2(n.Outcome), escapeMarkdownV2(n.Contracts.String()))
	totalLabel := "Total"
	if n.Estimated {
		totalLabel = "Estimated total"
	}
	fmt.Fprintf(&b, "   💵 %s: %s\n", totalLabel, escapeMarkdownV2(formatMoney(n.Total)))
	if n.Cash != nil {
		fmt.Fprintf(&b, "   🏦 Cash: %s\n", escapeMarkdownV2(formatMoney(*n.Cash)))
	}
	if n.Err != "" {
		fmt.Fprintf(&b, "   ⚠️ %s\n", escapeMarkdownV2(n.Err))
	}
	if !n.At.IsZero() {
		fmt.Fprintf(&b, "   📅 %s\n", escapeMarkdownV2(n.At.Format("2006-01-02 15:04:05")))
	}
	return b.String()
}

// formatMoves renders price moves as a numbered MarkdownV2 list.
func formatMoves(moves []monitor.Move) string {
	var b strings.Builder
	b.WriteString("🚨 *Watchlist Price Moves*\n\n")
	if at := moves[0].DetectedAt; !at.IsZero() {
		fmt.Fprintf(&b, "📅 Detected: %s\n\n", escapeMarkdownV2(at.Format("2006-01-02 15:04:05")))
	}

	for i, mv := range moves {
		directionEmoji := "📈"
		if mv.Direction == monitor.Down {
			directionEmoji = "📉"
		}
		fmt.Fprintf(&b, "%d\\. %s\n", i+1, escapeMarkdownV2(mv.Label))
		fmt.Fprintf(&b, "   🎯 Outcome: %s\n", escapeMarkdownV2(mv.Outcome))
		fmt.Fprintf(&b, "   %s Price: *%s* \\(%s → %s\\)\n\n",
			directionEmoji,
			escapeMarkdownV2(fmt.Sprintf("%+.3f", mv.NewPrice-mv.OldPrice)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", mv.OldPrice)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", mv.NewPrice)))
	}
	return b.String()
}

// formatMoney renders d as $1,234.50.
func formatMoney(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	fixed := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return sign + "$" + fixed
	}
	return sign + "$" + humanize.Comma(n) + "." + frac
}

func levelEmoji(level string) string {
	switch strings.ToLower(level) {
	case "error":
		return "🚨"
	case "warn", "warning":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
