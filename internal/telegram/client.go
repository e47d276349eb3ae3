// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/barstats/internal/logger"
	"github.com/rewired-gh/barstats/internal/models"
)

// ReportFunc builds a fresh report on demand for the /report command.
type ReportFunc func(ctx context.Context) (*models.Report, error)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
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

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, report ReportFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message, report)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message, report ReportFunc) {
	if !c.acceptsChat(msg.Chat) {
		logger.Debug("Ignoring /%s from unconfigured chat", msg.Command())
		return
	}
	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "report":
		if report == nil {
			return
		}
		r, err := report(ctx)
		if err != nil {
			reply = tgbotapi.NewMessage(msg.Chat.ID, "⚠️ `"+escapeMarkdownV2(err.Error())+"`")
		} else {
			reply = tgbotapi.NewMessage(msg.Chat.ID, formatReport(r))
		}
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// acceptsChat reports whether commands from chat may be answered.
func (c *Client) acceptsChat(chat *tgbotapi.Chat) bool {
	return chat != nil && chat.ID == c.chatID
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Feed error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Feed recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends a window report.
func (c *Client) Send(report *models.Report) error {
	return c.sendMarkdownV2(formatReport(report))
}

// formatReport formats a report into a Telegram MarkdownV2 message.
func formatReport(r *models.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📊 *%s window report*\n\n", escapeMarkdownV2(r.Symbol))
	fmt.Fprintf(&b, "📅 Generated: %s\n", escapeMarkdownV2(r.GeneratedAt.UTC().Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "🧮 Bars held: %d/%d\n\n", r.BarsHeld, r.Capacity)

	for _, w := range r.Windows {
		fmt.Fprintf(&b, "*MA%d* \\(%d points\\)\n", w.Length, w.Points)
		if w.Mean == nil {
			b.WriteString("   warming up\n")
			continue
		}
		var devClose, devVWAP float64
		if w.Deviation != nil {
			devClose, devVWAP = w.Deviation.Close, w.Deviation.VWAP
		}
		fmt.Fprintf(&b, "   close %s ± %s\n",
			escapeMarkdownV2(fmt.Sprintf("%.4f", w.Mean.Close)),
			escapeMarkdownV2(fmt.Sprintf("%.4f", devClose)))
		fmt.Fprintf(&b, "   vwap %s ± %s\n",
			escapeMarkdownV2(fmt.Sprintf("%.4f", w.Mean.VWAP)),
			escapeMarkdownV2(fmt.Sprintf("%.4f", devVWAP)))
		fmt.Fprintf(&b, "   volume %s, trades %d\n",
			escapeMarkdownV2(fmt.Sprintf("%.4f", w.Mean.Volume)), w.Mean.Count)
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
