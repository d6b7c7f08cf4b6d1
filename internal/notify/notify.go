// Package notify delivers operator alerts to out-of-band channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/config"
)

// Alert kinds.
const (
	EventOnline  = "online"
	EventOffline = "offline"
)

// Message is one alert.
type Message struct {
	Event string
	BotID int64
	Text  string
	Time  time.Time
}

// Notifier sends an alert to one target.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Multi fans an alert out to every target concurrently.
type Multi []Notifier

func (m Multi) Name() string { return "multi" }

// Notify returns the joined errors of the targets that failed.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	if len(m) == 0 {
		return nil
	}
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, n := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Notify(ctx, msg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
				mu.Unlock()
				return
			}
			slog.Debug("notification sent", "target", n.Name(), "event", msg.Event)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FromConfig builds a Multi of every target whose credentials are set.
func FromConfig(cfg config.NotifyConfig) (Multi, error) {
	var out Multi
	if cfg.Webhook.URL != "" {
		out = append(out, NewWebhook(cfg.Webhook.URL, nil))
	}
	if cfg.Telegram.Token != "" && len(cfg.Telegram.ChatIDs) > 0 {
		tg, err := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	if cfg.Discord.WebhookURL != "" {
		d, err := NewDiscord(cfg.Discord.WebhookURL, cfg.Discord.Username)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
