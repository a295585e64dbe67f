package telegram

import (
	"context"
	"cortex/app/config"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/do"
)

// Sender delivers outbound text to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

func New(di *do.Injector) (Sender, error) {
	cfg := do.MustInvoke[*config.Config](di)

	if cfg.Telegram.Token == "" || cfg.Telegram.DisableNotifications {
		slog.Info("Outbound messages are logged only")
		return &LogSender{}, nil
	}

	return NewBotSender(cfg.Telegram.Token)
}

type BotSender struct {
	bot *tgbotapi.BotAPI
}

func NewBotSender(token string) (*BotSender, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	slog.Info("Telegram sender ready", "bot", bot.Self.UserName)

	return &BotSender{bot: bot}, nil
}

func (s *BotSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message to telegram: %w", err)
	}

	slog.Info("Sent message",
		"chat_id", chatID,
		"text", text,
		"telegram", true)

	return nil
}

// LogSender only logs outbound messages.
type LogSender struct{}

func (s *LogSender) Send(_ context.Context, chatID int64, text string) error {
	slog.Info("Sent message (notifications disabled)",
		"chat_id", chatID,
		"text", text,
		"telegram", true)

	return nil
}
