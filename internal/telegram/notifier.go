package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/logger"
)

// Notifier pushes operational alerts to a telegram chat. When disabled by
// config it is a no-op, so callers never need to nil-check.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyAssignment(login, campaign string, amount float64) {
	n.send(fmt.Sprintf("🎁 *Bonus assigned*\nLogin: %s\nCampaign: %s\nAmount: %.2f", login, campaign, amount))
}

func (n *Notifier) NotifyCancellation(login, reason string, removed float64) {
	n.send(fmt.Sprintf("❌ *Bonus cancelled*\nLogin: %s\nReason: %s\nCredit removed: %.2f", login, reason, removed))
}

func (n *Notifier) NotifyDrawdown(login string, equity, credit float64) {
	n.send(fmt.Sprintf("📉 *Drawdown breach*\nLogin: %s\nEquity: %.2f ≤ Credit: %.2f\nPositions closed, credit removed", login, equity, credit))
}

func (n *Notifier) NotifyCreditStuck(login string, credit float64) {
	n.send(fmt.Sprintf("🚨 *Credit removal failed*\nLogin: %s\nCredit still on account: %.2f\nManual intervention required", login, credit))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ *Error* [%s]\n%v", context, err))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
