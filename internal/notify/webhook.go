package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs a JSON alert to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Event     string `json:"event"`
	BotQQ     int64  `json:"bot_qq"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewWebhook creates a webhook target. A nil client uses a 10s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(webhookPayload{
		Event:     msg.Event,
		BotQQ:     msg.BotID,
		Message:   msg.Text,
		Timestamp: ts.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
