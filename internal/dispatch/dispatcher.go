// Package dispatch owns the plugin registry and routes each inbound message
// through the two-phase concurrent algorithm: an interest poll across every
// enabled plugin, then a serial exclusive tier followed by a parallel
// concurrent tier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

// DefaultExclusiveThreshold separates the tiers: plugins with
// priority <= threshold (commands, administration) run exclusively.
const DefaultExclusiveThreshold = 11

var (
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrUnknownFactory  = errors.New("unknown plugin factory")
	ErrDuplicatePlugin = errors.New("plugin already loaded")
	ErrCallTimeout     = errors.New("plugin call timed out")
)

type entry struct {
	plugin plugin.Plugin
	spec   Spec
	seq    int // registration order, breaks priority ties
}

// Dispatcher is the plugin registry plus the per-message router.
// Safe for concurrent use: the transport runs one Dispatch per inbound event.
type Dispatcher struct {
	catalog     Catalog
	events      bus.EventPublisher
	threshold   int
	callTimeout time.Duration
	tracer      trace.Tracer

	mu      sync.RWMutex
	entries []*entry // ascending priority, then registration order
	byName  map[string]*entry
	seq     int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithThreshold overrides DefaultExclusiveThreshold.
func WithThreshold(n int) Option { return func(d *Dispatcher) { d.threshold = n } }

// WithCallTimeout bounds every CanHandle and Handle call. Zero disables the bound.
func WithCallTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.callTimeout = t } }

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// New creates a dispatcher over catalog publishing to events.
func New(catalog Catalog, events bus.EventPublisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog:   catalog,
		events:    events,
		threshold: DefaultExclusiveThreshold,
		byName:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/nextlevelbuilder/qbot/internal/dispatch")
	}
	return d
}

// Threshold returns the exclusive tier threshold.
func (d *Dispatcher) Threshold() int { return d.threshold }

// LoadAll loads every spec in order. A failing plugin is logged and skipped;
// the joined failures are returned after the rest have loaded.
func (d *Dispatcher) LoadAll(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if err := d.Load(ctx, spec); err != nil {
			slog.Error("plugin load failed", "factory", spec.Factory, "error", err)
			errs = append(errs, err)
		}
	}

	names := d.Names()
	d.emit(ctx, bus.EventModulesLoaded, map[string]any{
		"count":   len(names),
		"modules": names,
	}, bus.SourceSystem)

	slog.Info("plugins loaded", "count", len(names))
	for _, p := range d.Plugins() {
		slog.Info("plugin registered",
			"plugin", p.Name(),
			"version", p.Version(),
			"priority", p.Priority(),
			"enabled", p.Enabled(),
		)
	}
	return errors.Join(errs...)
}

// Load instantiates one plugin from its factory, applies the spec
// overrides, runs OnLoad and registers it.
func (d *Dispatcher) Load(ctx context.Context, spec Spec) error {
	p, err := d.instantiate(spec)
	if err != nil {
		return err
	}
	name := p.Name()

	d.mu.RLock()
	_, dup := d.byName[name]
	d.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}

	if err := d.loadHook(ctx, p, spec); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.byName[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	d.seq++
	e := &entry{plugin: p, spec: spec, seq: d.seq}
	d.entries = append(d.entries, e)
	d.byName[name] = e
	d.sortLocked()

	slog.Debug("plugin loaded", "plugin", name, "version", p.Version(), "priority", p.Priority())
	return nil
}

// instantiate builds a plugin from spec's factory and applies its overrides.
func (d *Dispatcher) instantiate(spec Spec) (plugin.Plugin, error) {
	factory, ok := d.catalog[spec.Factory]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, spec.Factory)
	}
	p, err := build(factory)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", spec.Factory, err)
	}
	if spec.Enabled != nil {
		p.SetEnabled(*spec.Enabled)
	}
	if spec.Priority != nil {
		p.SetPriority(*spec.Priority)
	}
	return p, nil
}

func (d *Dispatcher) loadHook(ctx context.Context, p plugin.Plugin, spec Spec) error {
	settings := spec.Settings
	if settings == nil {
		settings = plugin.Config{}
	}
	if _, err := guard(ctx, 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.OnLoad(ctx, settings)
	}); err != nil {
		return fmt.Errorf("load %s: %w", p.Name(), err)
	}
	return nil
}

// Get returns the plugin registered under name.
func (d *Dispatcher) Get(name string) (plugin.Plugin, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Plugins returns every registered plugin in ascending priority order.
func (d *Dispatcher) Plugins() []plugin.Plugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]plugin.Plugin, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.plugin
	}
	return out
}

// Names returns the registered plugin names in priority order.
func (d *Dispatcher) Names() []string {
	ps := d.Plugins()
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name()
	}
	return names
}

// Enable turns a plugin on and runs its OnEnable hook.
func (d *Dispatcher) Enable(ctx context.Context, name string) error {
	return d.toggle(ctx, name, true)
}

// Disable turns a plugin off and runs its OnDisable hook.
func (d *Dispatcher) Disable(ctx context.Context, name string) error {
	return d.toggle(ctx, name, false)
}

func (d *Dispatcher) toggle(ctx context.Context, name string, on bool) error {
	p, ok := d.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	prev := p.Enabled()
	p.SetEnabled(on)
	hook := p.OnDisable
	if on {
		hook = p.OnEnable
	}
	if _, err := guard(ctx, 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hook(ctx)
	}); err != nil {
		p.SetEnabled(prev)
		slog.Warn("plugin toggle hook failed", "plugin", name, "enabled", on, "error", err)
		return fmt.Errorf("toggle %s: %w", name, err)
	}
	return nil
}

// SetPriority changes a plugin's priority and re-sorts the registry.
func (d *Dispatcher) SetPriority(name string, priority int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	e.plugin.SetPriority(priority)
	d.sortLocked()
	return nil
}

// Unload runs OnUnload and removes the plugin. A failing hook is logged;
// the plugin is removed regardless.
func (d *Dispatcher) Unload(ctx context.Context, name string) error {
	d.mu.Lock()
	e, ok := d.byName[name]
	if ok {
		d.removeLocked(e)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	d.unloadHook(ctx, e.plugin)
	return nil
}

// Reload builds a fresh instance of name from the same factory and settings
// and swaps it in once its OnLoad succeeds. The current priority and enabled
// state carry over; on failure the old instance stays registered.
func (d *Dispatcher) Reload(ctx context.Context, name string) error {
	d.mu.RLock()
	e, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	old := e.plugin

	p, err := d.instantiate(e.spec)
	if err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}
	if p.Name() != name {
		return fmt.Errorf("reload %s: factory %s now builds %q", name, e.spec.Factory, p.Name())
	}
	p.SetPriority(old.Priority())
	p.SetEnabled(old.Enabled())
	if err := d.loadHook(ctx, p, e.spec); err != nil {
		return fmt.Errorf("reload %s: %w", name, err)
	}

	d.mu.Lock()
	cur, ok := d.byName[name]
	if ok && cur == e {
		e.plugin = p
		d.sortLocked()
	}
	d.mu.Unlock()
	if !ok || cur != e {
		d.unloadHook(ctx, p)
		return fmt.Errorf("reload %s: %w", name, ErrPluginNotFound)
	}

	d.unloadHook(ctx, old)
	slog.Info("plugin reloaded", "plugin", name)
	return nil
}

// UnloadAll unloads every plugin in priority order and empties the registry.
func (d *Dispatcher) UnloadAll(ctx context.Context) {
	d.mu.Lock()
	entries := d.entries
	d.entries = nil
	d.byName = make(map[string]*entry)
	d.mu.Unlock()

	for _, e := range entries {
		d.unloadHook(ctx, e.plugin)
	}
	slog.Info("all plugins unloaded", "count", len(entries))
}

// ModulesInfo renders the registry listing used by the admin command.
func (d *Dispatcher) ModulesInfo() string {
	var sb strings.Builder
	sb.WriteString("=== 已加载模块列表 ===\n\n")
	for _, p := range d.Plugins() {
		status := "✅ 已启用"
		if !p.Enabled() {
			status = "❌ 已禁用"
		}
		fmt.Fprintf(&sb, "%s %s (v%s)\n", status, p.Name(), p.Version())
		fmt.Fprintf(&sb, "  描述: %s\n", p.Description())
		fmt.Fprintf(&sb, "  作者: %s\n", p.Author())
		fmt.Fprintf(&sb, "  优先级: %d\n\n", p.Priority())
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (d *Dispatcher) unloadHook(ctx context.Context, p plugin.Plugin) {
	if _, err := guard(ctx, 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.OnUnload(ctx)
	}); err != nil {
		slog.Warn("plugin unload hook failed", "plugin", p.Name(), "error", err)
	}
}

func (d *Dispatcher) removeLocked(e *entry) {
	delete(d.byName, e.plugin.Name())
	for i, cur := range d.entries {
		if cur == e {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) sortLocked() {
	sort.SliceStable(d.entries, func(i, j int) bool {
		pi, pj := d.entries[i].plugin.Priority(), d.entries[j].plugin.Priority()
		if pi != pj {
			return pi < pj
		}
		return d.entries[i].seq < d.entries[j].seq
	})
}

func (d *Dispatcher) emit(ctx context.Context, name string, data map[string]any, source string) {
	if d.events == nil {
		return
	}
	d.events.Emit(ctx, name, data, source)
}

func build(f Factory) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	p, err = f()
	if err == nil && p == nil {
		err = errors.New("factory returned nil plugin")
	}
	return p, err
}
