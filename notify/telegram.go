package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// botSender is the subset of *tgbotapi.BotAPI used for delivery.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramChannel struct {
	bot    botSender
	chatID int64
}

// NewTelegramChannel connects to the Bot API with token. The connection
// check fails fast when the token is invalid.
func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: chatID}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Kind: DeliveryUnreachable, Channel: c.Name(), Err: err}
	}
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n\n" + msg.Body
	}
	m := tgbotapi.NewMessage(c.chatID, text)
	m.DisableWebPagePreview = true
	if _, err := c.bot.Send(m); err != nil {
		return &DeliveryError{Kind: telegramErrorKind(err), Channel: c.Name(), Err: err}
	}
	return nil
}

// telegramErrorKind treats API-level client errors (bad chat, blocked bot,
// bad token) as rejections; everything else is transient.
func telegramErrorKind(err error) DeliveryErrorKind {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return DeliveryRejected
	}
	return DeliveryUnreachable
}
