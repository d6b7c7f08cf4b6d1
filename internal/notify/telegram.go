package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram sends alerts through a Telegram bot to fixed chats.
type Telegram struct {
	bot     *telego.Bot
	chatIDs []int64
}

// NewTelegram creates a Telegram target. opts are passed to telego.NewBot.
func NewTelegram(token string, chatIDs []int64, opts ...telego.BotOption) (*Telegram, error) {
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatIDs: chatIDs}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, id := range t.chatIDs {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(id), msg.Text)); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
