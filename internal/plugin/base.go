package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Base provides the default metadata and lifecycle behavior.
// Plugin implementations embed *Base and supply Name, Version, Description,
// CanHandle and Handle.
type Base struct {
	name     string
	version  string
	priority atomic.Int64
	enabled  atomic.Bool

	mu  sync.RWMutex
	cfg Config
}

// NewBase creates a Base with the default priority and enabled.
// name and version are only used for log records.
func NewBase(name, version string) *Base {
	b := &Base{name: name, version: version}
	b.priority.Store(DefaultPriority)
	b.enabled.Store(true)
	return b
}

func (b *Base) Author() string         { return "Unknown" }
func (b *Base) Dependencies() []string { return nil }

func (b *Base) Priority() int      { return int(b.priority.Load()) }
func (b *Base) SetPriority(p int)  { b.priority.Store(int64(p)) }
func (b *Base) Enabled() bool      { return b.enabled.Load() }
func (b *Base) SetEnabled(on bool) { b.enabled.Store(on) }

// Config returns the configuration captured by OnLoad.
func (b *Base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// OnLoad stores cfg.
func (b *Base) OnLoad(_ context.Context, cfg Config) error {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	slog.Info("plugin loaded", "plugin", b.name, "version", b.version)
	return nil
}

func (b *Base) OnUnload(context.Context) error {
	slog.Info("plugin unloaded", "plugin", b.name)
	return nil
}

func (b *Base) OnEnable(context.Context) error {
	b.SetEnabled(true)
	slog.Info("plugin enabled", "plugin", b.name)
	return nil
}

func (b *Base) OnDisable(context.Context) error {
	b.SetEnabled(false)
	slog.Info("plugin disabled", "plugin", b.name)
	return nil
}

// Help renders the standard help block for p.
func Help(p Plugin) string {
	status := "✅ 已启用"
	if !p.Enabled() {
		status = "❌ 已禁用"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "【%s】v%s\n", p.Name(), p.Version())
	fmt.Fprintf(&sb, "%s\n", p.Description())
	fmt.Fprintf(&sb, "作者: %s\n", p.Author())
	fmt.Fprintf(&sb, "状态: %s", status)
	return sb.String()
}
