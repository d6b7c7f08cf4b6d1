package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// FlexibleInt64Slice accepts both [123] and ["123"] in JSON.
// QQ ids are often quoted in hand-written config files.
type FlexibleInt64Slice []int64

func (f *FlexibleInt64Slice) UnmarshalJSON(data []byte) error {
	var ns []int64
	if err := json.Unmarshal(data, &ns); err == nil {
		*f = ns
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case float64:
			result = append(result, int64(val))
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", val, err)
			}
			result = append(result, n)
		default:
			return fmt.Errorf("invalid id %v", val)
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the QBot gateway.
type Config struct {
	Server    ServerConfig    `json:"server"`
	OneBot    OneBotConfig    `json:"onebot"`
	Bots      BotsConfig      `json:"bots"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Database  DatabaseConfig  `json:"database"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Plugins   []PluginConfig  `json:"plugins" validate:"dive"`
	mu        sync.RWMutex
}

// ServerConfig controls the HTTP listener that OneBot implementations connect to.
type ServerConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port" validate:"min=1,max=65535"`
	MetricsPath string `json:"metrics_path,omitempty"` // empty disables /metrics
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// OneBotConfig configures the reverse WebSocket endpoint.
type OneBotConfig struct {
	Path            string  `json:"path" validate:"startswith=/"`
	AccessToken     string  `json:"access_token,omitempty"`      // required from clients when set
	SendRate        float64 `json:"send_rate,omitempty"`         // outbound actions per second per bot (0 = unlimited)
	SendBurst       int     `json:"send_burst,omitempty"`        // limiter burst (default 5)
	CallTimeoutSec  int     `json:"call_timeout_sec,omitempty"`  // API call timeout (default 10)
	GroupRefreshSec int     `json:"group_refresh_sec,omitempty"` // periodic get_group_list (default 600, 0 = startup only)
	RecallSpacingMs int     `json:"recall_spacing_ms,omitempty"` // delay between batched delete_msg (default 100)
}

func (o OneBotConfig) CallTimeout() time.Duration {
	return time.Duration(o.CallTimeoutSec) * time.Second
}

func (o OneBotConfig) GroupRefresh() time.Duration {
	return time.Duration(o.GroupRefreshSec) * time.Second
}

func (o OneBotConfig) RecallSpacing() time.Duration {
	return time.Duration(o.RecallSpacingMs) * time.Millisecond
}

// BotsConfig lists the bot accounts in leader-election order and the
// users allowed to run administrative commands.
type BotsConfig struct {
	Priority FlexibleInt64Slice `json:"priority"`
	Admins   FlexibleInt64Slice `json:"admins,omitempty"`
}

// DispatchConfig tunes the message router.
type DispatchConfig struct {
	ExclusiveThreshold int `json:"exclusive_threshold"`
	CallTimeoutMs      int `json:"call_timeout_ms,omitempty"` // per plugin call (0 = unbounded)
}

func (d DispatchConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutMs) * time.Millisecond
}

// DatabaseConfig points at the SQLite message archive.
type DatabaseConfig struct {
	Path string `json:"path" validate:"required"`
}

// CronConfig configures scheduled maintenance.
type CronConfig struct {
	Cleanup     string `json:"cleanup,omitempty" validate:"omitempty,cron"` // cron expression for recalled-message cleanup ("" disables)
	CleanupDays int    `json:"cleanup_days,omitempty" validate:"min=0"`     // age threshold for the cleanup job (default 7)
}

// NotifyConfig configures the operator notification targets.
// Secrets are read from env only.
type NotifyConfig struct {
	Webhook  WebhookNotifyConfig  `json:"webhook,omitempty"`
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
	Discord  DiscordNotifyConfig  `json:"discord,omitempty"`
}

type WebhookNotifyConfig struct {
	URL string `json:"url,omitempty" validate:"omitempty,url"`
}

type TelegramNotifyConfig struct {
	Token   string             `json:"-"` // from env QBOT_TELEGRAM_TOKEN only
	ChatIDs FlexibleInt64Slice `json:"chat_ids,omitempty"`
}

type DiscordNotifyConfig struct {
	WebhookURL string `json:"-"` // from env QBOT_DISCORD_WEBHOOK_URL only
	Username   string `json:"username,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for dispatch traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`                                 // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty" validate:"omitempty,oneof=grpc http"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "qbot"
	Headers     map[string]string `json:"headers,omitempty"`
}

// PluginConfig is one manifest entry. Entries are loaded in file order.
type PluginConfig struct {
	Name     string         `json:"name" validate:"required"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Priority *int           `json:"priority,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// ReplaceFrom copies every field from src, under the write lock.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = src.Server
	c.OneBot = src.OneBot
	c.Bots = src.Bots
	c.Dispatch = src.Dispatch
	c.Database = src.Database
	c.Cron = src.Cron
	c.Notify = src.Notify
	c.Telemetry = src.Telemetry
	c.Plugins = src.Plugins
}

// PluginsSnapshot returns a copy of the manifest.
func (c *Config) PluginsSnapshot() []PluginConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PluginConfig, len(c.Plugins))
	copy(out, c.Plugins)
	return out
}
