package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oddslab/polysim/internal/market"
)

// Notifier pushes trade events to a Telegram chat. A nil Notifier is valid
// and silently drops everything, so callers never branch on configuration.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

// New connects the bot. An empty token returns a nil Notifier.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	n := &Notifier{
		bot:    bot,
		chatID: chatID,
		log:    log.With().Str("component", "notify").Logger(),
	}
	n.log.Info().Str("bot", bot.Self.UserName).Msg("📱 Telegram notifications enabled")
	return n, nil
}

// TradeOpened announces a new position.
func (n *Notifier) TradeOpened(t market.Trade) {
	n.send(fmt.Sprintf(
		"🟢 *Opened %s*\nMarket: `%s`\nEntry: %s\nShares: %s\nStake: $%s\nPhase: %s",
		t.Side, t.MarketID, t.EntryPrice.String(), t.Shares.StringFixed(2),
		t.NotionalUSD.StringFixed(2), t.EntryPhase,
	))
}

// TradeClosed announces a settled position.
func (n *Notifier) TradeClosed(t market.Trade) {
	emoji := "🔴"
	if t.PnL.IsPositive() {
		emoji = "💰"
	}
	exit := "-"
	if t.ExitPrice != nil {
		exit = t.ExitPrice.String()
	}
	n.send(fmt.Sprintf(
		"%s *Closed %s*\nExit: %s\nPnL: $%s\nReason: %s",
		emoji, t.Side, exit, t.PnL.StringFixed(2), t.ExitReason,
	))
}

// Text sends a free-form message, used for startup and shutdown notices.
func (n *Notifier) Text(msg string) {
	n.send(msg)
}

func (n *Notifier) send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Warn().Err(err).Msg("⚠️ Telegram send failed")
	}
}
