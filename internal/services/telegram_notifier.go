package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// messageSender is the part of *bot.Bot the notifier uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramNotifier pushes regime changes and position closes to one chat.
// Without a bot token or chat ID every method is a no-op.
type TelegramNotifier struct {
	sender messageSender
	chatID int64
	logger *logrus.Logger
}

// NewTelegramNotifier creates a notifier from the telegram config.
func NewTelegramNotifier(cfg config.TelegramConfig, logger *logrus.Logger) *TelegramNotifier {
	n := &TelegramNotifier{logger: logger}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		logger.WithField("component", "telegram_notifier").Info("Telegram notifications disabled")
		return n
	}

	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		logger.WithError(err).Warn("Invalid telegram chat ID, notifications disabled")
		return n
	}
	b, err := bot.New(cfg.BotToken, bot.WithSkipGetMe())
	if err != nil {
		logger.WithError(err).Warn("Failed to create telegram bot, notifications disabled")
		return n
	}
	n.sender = b
	n.chatID = chatID
	return n
}

// Enabled reports whether messages are actually sent.
func (n *TelegramNotifier) Enabled() bool {
	return n.sender != nil
}

// OnRegimeChange implements RegimeSubscriber.
func (n *TelegramNotifier) OnRegimeChange(ctx context.Context, event models.RegimeChangeEvent) error {
	return n.send(ctx, n.formatRegimeChange(event))
}

// OnPositionClosed matches CloseHook. Send failures are logged because the
// close has already happened.
func (n *TelegramNotifier) OnPositionClosed(ctx context.Context, position *models.Position, trade *models.Trade) {
	if err := n.send(ctx, n.formatClose(position, trade)); err != nil {
		n.logger.WithFields(logrus.Fields{
			"component":   "telegram_notifier",
			"position_id": position.ID,
		}).WithError(err).Warn("Failed to send close notification")
	}
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	if n.sender == nil {
		return nil
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    n.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// label title-cases an enum value. Casers are stateful, so each call gets its own.
func (n *TelegramNotifier) label(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(strings.ToLower(s), "_", " "))
}

func (n *TelegramNotifier) formatRegimeChange(event models.RegimeChangeEvent) string {
	header := "🔄 *Strategy Mode Changed*\n\n"
	if event.Manual {
		header = "🛠 *Strategy Mode Override*\n\n"
	}

	var sb strings.Builder
	sb.WriteString(header)
	fmt.Fprintf(&sb, "Mode: %s → *%s*\n", n.label(string(event.FromMode)), n.label(string(event.ToMode)))
	if event.FromRegime != "" || event.ToRegime != "" {
		fmt.Fprintf(&sb, "Regime: %s → %s\n", n.label(string(event.FromRegime)), n.label(string(event.ToRegime)))
	}
	fmt.Fprintf(&sb, "Confidence: %s%%\n", event.Confidence.Shift(2).StringFixed(1))
	if event.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", event.Reason)
	}
	return sb.String()
}

func (n *TelegramNotifier) formatClose(position *models.Position, trade *models.Trade) string {
	icon := "✅"
	if trade.RealizedPnL.IsNegative() {
		icon = "🔻"
	}
	kind := "Position Closed"
	if trade.Partial {
		kind = "Partial Close"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s: %s %s*\n\n", icon, kind, position.Symbol, n.label(string(position.Direction)))
	fmt.Fprintf(&sb, "Reason: %s\n", n.label(string(trade.ExitReason)))
	fmt.Fprintf(&sb, "Entry: $%s\n", trade.EntryPrice.StringFixed(4))
	fmt.Fprintf(&sb, "Exit: $%s\n", trade.ExitPrice.StringFixed(4))
	fmt.Fprintf(&sb, "Quantity: %s\n", trade.Quantity.StringFixed(6))
	fmt.Fprintf(&sb, "P&L: *$%s*\n", trade.RealizedPnL.StringFixed(2))
	if trade.Partial {
		fmt.Fprintf(&sb, "Remaining: %s\n", position.Quantity.StringFixed(6))
	}
	return sb.String()
}
