package notify

import (
	"context"
	"fmt"
	"log/slog"

	"heimdall/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram mirrors parent events into a family Telegram chat
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates the Telegram channel. Returns nil without error
// when the channel is not configured; callers then skip the wiring.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	return &Telegram{
		api:    api,
		chatID: cfg.ChatID,
		logger: logger.With("component", "notify"),
	}, nil
}

// Send posts one message to the configured chat
func (t *Telegram) Send(_ context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	t.logger.Debug("notification sent", "chat_id", t.chatID)
	return nil
}
