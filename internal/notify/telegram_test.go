package notify

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heimdall/config"
)

func TestNewTelegram_Disabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	// No token configured means no channel, not an error
	tg, err := NewTelegram(config.TelegramConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, tg)

	// A token without a chat is still disabled
	tg, err = NewTelegram(config.TelegramConfig{BotToken: "123:abc"}, logger)
	require.NoError(t, err)
	assert.Nil(t, tg)
}
