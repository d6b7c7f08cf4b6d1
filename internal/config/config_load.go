package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/go-playground/validator/v10"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	off := false
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MetricsPath: "/metrics",
		},
		OneBot: OneBotConfig{
			Path:            "/onebot/v11/ws",
			SendRate:        5,
			SendBurst:       5,
			CallTimeoutSec:  10,
			GroupRefreshSec: 600,
			RecallSpacingMs: 100,
		},
		Dispatch: DispatchConfig{
			ExclusiveThreshold: dispatch.DefaultExclusiveThreshold,
		},
		Database: DatabaseConfig{
			Path: "messages.db",
		},
		Cron: CronConfig{
			Cleanup:     "0 3 * * *",
			CleanupDays: 7,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "qbot",
		},
		Plugins: []PluginConfig{
			{Name: "commands"},
			{Name: "rebate", Enabled: &off},
			{Name: "subscription"},
			{Name: "archive"},
			{Name: "offline_notifier"},
		},
	}
}

// Load reads config from a JSON5 file, overlays env vars and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Decoding into a non-empty slice would merge entries; the file's list replaces the default one.
		cfg.Plugins = nil
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Plugins == nil {
			cfg.Plugins = Default().Plugins
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envIDs := func(key string, dst *FlexibleInt64Slice) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		var ids FlexibleInt64Slice
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				ids = append(ids, n)
			}
		}
		*dst = ids
	}

	envStr("QBOT_HOST", &c.Server.Host)
	envInt("QBOT_PORT", &c.Server.Port)
	envStr("QBOT_ACCESS_TOKEN", &c.OneBot.AccessToken)
	envStr("QBOT_DB_PATH", &c.Database.Path)
	envStr("QBOT_CLEANUP_CRON", &c.Cron.Cleanup)
	envInt("QBOT_EXCLUSIVE_THRESHOLD", &c.Dispatch.ExclusiveThreshold)
	envInt("QBOT_PLUGIN_TIMEOUT_MS", &c.Dispatch.CallTimeoutMs)

	// Bot ids from env (comma-separated)
	envIDs("QBOT_BOT_PRIORITY", &c.Bots.Priority)
	envIDs("QBOT_ADMINS", &c.Bots.Admins)

	// Notification secrets
	envStr("QBOT_WEBHOOK_URL", &c.Notify.Webhook.URL)
	envStr("QBOT_TELEGRAM_TOKEN", &c.Notify.Telegram.Token)
	envIDs("QBOT_TELEGRAM_CHAT_IDS", &c.Notify.Telegram.ChatIDs)
	envStr("QBOT_DISCORD_WEBHOOK_URL", &c.Notify.Discord.WebhookURL)

	// Telemetry
	envStr("QBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("QBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("QBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("QBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QBOT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() { c.applyEnvOverrides() }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	g := gronx.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return g.IsValid(fl.Field().String())
	})
	return v
}

// Validate checks field constraints and manifest uniqueness.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Plugins))
	for _, p := range c.Plugins {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: plugin %q listed twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Manifest converts the plugin list into dispatcher specs.
func (c *Config) Manifest() []dispatch.Spec {
	plugins := c.PluginsSnapshot()
	specs := make([]dispatch.Spec, 0, len(plugins))
	for _, p := range plugins {
		specs = append(specs, dispatch.Spec{
			Factory:  p.Name,
			Enabled:  p.Enabled,
			Priority: p.Priority,
			Settings: plugin.Config(p.Settings),
		})
	}
	return specs
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// DatabasePath returns the expanded database path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
