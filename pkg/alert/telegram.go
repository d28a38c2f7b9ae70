package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"roomrelay/pkg/config"
)

type messageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramSink posts alerts to one Telegram chat through a bot.
type TelegramSink struct {
	bot    messageSender
	chatID int64
}

func NewTelegramSink(cfg config.TelegramAlertConfig) (*TelegramSink, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("alerts.telegram.token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alerts.telegram.chat_id is required")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &TelegramSink{bot: bot, chatID: cfg.ChatID}, nil
}

func (s *TelegramSink) Name() string {
	return "telegram"
}

func (s *TelegramSink) Send(ctx context.Context, alert Alert) error {
	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(s.chatID), alert.Text())); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
