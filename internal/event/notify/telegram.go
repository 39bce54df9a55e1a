package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel sends notifications to a chat via a bot token.
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramChannel(botToken string, chatID int64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify/telegram: new bot: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(_ context.Context, subject, body string) error {
	msg := tgbotapi.NewMessage(t.chatID, subject+"\n\n"+body)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("notify/telegram: send: %w", err)
	}
	return nil
}

var _ Channel = (*TelegramChannel)(nil)
