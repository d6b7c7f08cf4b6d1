package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Discord posts alerts to a Discord channel webhook.
type Discord struct {
	session  *discordgo.Session
	id       string
	token    string
	username string
}

// NewDiscord creates a target from a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscord(webhookURL, username string) (*Discord, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if username == "" {
		username = "QBot"
	}
	return &Discord{session: session, id: id, token: token, username: username}, nil
}

// WithHTTPClient replaces the client used for webhook requests.
func (d *Discord) WithHTTPClient(c *http.Client) *Discord {
	d.session.Client = c
	return d
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(ctx context.Context, msg Message) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Content:  msg.Text,
		Username: d.username,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q: missing id/token", raw)
}
