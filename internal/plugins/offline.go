package plugins

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/notify"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

const (
	defaultOfflineTemplate = "⚠️ QBot 告警\n机器人 {bot_qq} 已离线\n时间: {time}"
	defaultOnlineTemplate  = "✅ QBot 通知\n机器人 {bot_qq} 已上线\n时间: {time}"
	defaultStartupGrace    = 45 * time.Second
)

// MaskID keeps the first and last two digits of id.
func MaskID(id int64) string {
	s := strconv.FormatInt(id, 10)
	if len(s) <= 4 {
		return s
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// OfflineNotifier alerts operators when monitored bots connect or drop.
// Connections seen during the startup grace period are reported together
// once it ends, so a cold start does not send a burst of online notices.
type OfflineNotifier struct {
	*plugin.Base
	deps *Deps

	monitored     []int64 // empty = every bot
	notifyOnline  bool
	notifyOffline bool
	grace         time.Duration
	templates     map[string]string
	now           func() time.Time

	mu     sync.Mutex
	armed  bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOfflineNotifier(deps *Deps) *OfflineNotifier {
	o := &OfflineNotifier{Base: plugin.NewBase(NameOfflineNotifier, "1.0.0"), deps: deps, now: time.Now}
	o.SetPriority(100)
	return o
}

func (o *OfflineNotifier) Name() string        { return NameOfflineNotifier }
func (o *OfflineNotifier) Version() string     { return "1.0.0" }
func (o *OfflineNotifier) Description() string { return "离线通知：监测机器人在线/离线状态，通过外部渠道发送通知" }
func (o *OfflineNotifier) Author() string      { return author }

func (o *OfflineNotifier) OnLoad(ctx context.Context, cfg plugin.Config) error {
	if err := o.Base.OnLoad(ctx, cfg); err != nil {
		return err
	}
	o.monitored = cfg.Int64s("monitored_bots")
	o.notifyOnline = cfg.Bool("notify_online", true)
	o.notifyOffline = cfg.Bool("notify_offline", true)
	o.grace = cfg.Duration("startup_grace", defaultStartupGrace)
	tpl := cfg.Sub("templates")
	o.templates = map[string]string{
		notify.EventOffline: tpl.String("offline", defaultOfflineTemplate),
		notify.EventOnline:  tpl.String("online", defaultOnlineTemplate),
	}
	if o.deps.Notifier == nil {
		slog.Warn("offline notifier: no notification targets configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.armed = o.grace <= 0
	o.cancel = cancel
	o.mu.Unlock()
	if !o.armed {
		o.wg.Add(1)
		go o.baseline(runCtx)
	}

	if o.deps.Bus != nil {
		o.deps.Bus.Subscribe(bus.EventBotConnected, NameOfflineNotifier, o.onConnected)
		o.deps.Bus.Subscribe(bus.EventBotDisconnected, NameOfflineNotifier, o.onDisconnected)
	}
	slog.Info("offline notifier configured", "monitored_bots", o.monitored, "startup_grace", o.grace)
	return nil
}

func (o *OfflineNotifier) OnUnload(ctx context.Context) error {
	if o.deps.Bus != nil {
		o.deps.Bus.Unsubscribe(bus.EventBotConnected, NameOfflineNotifier)
		o.deps.Bus.Unsubscribe(bus.EventBotDisconnected, NameOfflineNotifier)
	}
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
	return o.Base.OnUnload(ctx)
}

func (o *OfflineNotifier) CanHandle(context.Context, string, *plugin.Context) (bool, error) {
	return false, nil
}

func (o *OfflineNotifier) Handle(context.Context, string, *plugin.Context) (*plugin.Response, error) {
	return nil, nil
}

func (o *OfflineNotifier) watches(botID int64) bool {
	return len(o.monitored) == 0 || slices.Contains(o.monitored, botID)
}

func (o *OfflineNotifier) isArmed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

// baseline waits out the grace period, then announces every bot online at that point.
func (o *OfflineNotifier) baseline(ctx context.Context) {
	defer o.wg.Done()
	t := time.NewTimer(o.grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	o.mu.Lock()
	o.armed = true
	o.mu.Unlock()

	var online []int64
	if o.deps.Presence != nil {
		online = o.deps.Presence.OnlineBots()
	}
	slog.Info("offline notifier baseline", "online", online)
	if !o.notifyOnline || !o.Enabled() {
		return
	}
	for _, id := range online {
		if o.watches(id) {
			o.send(ctx, notify.EventOnline, id)
		}
	}
}

func (o *OfflineNotifier) onConnected(_ context.Context, ev bus.Event) error {
	id := int64Of(ev.Data["self_id"])
	if !o.Enabled() || !o.notifyOnline || !o.isArmed() || !o.watches(id) {
		return nil
	}
	slog.Info("bot came online", "self_id", id)
	o.dispatch(notify.EventOnline, id)
	return nil
}

func (o *OfflineNotifier) onDisconnected(_ context.Context, ev bus.Event) error {
	id := int64Of(ev.Data["self_id"])
	if !o.Enabled() || !o.notifyOffline || !o.watches(id) {
		return nil
	}
	slog.Warn("bot went offline", "self_id", id)
	o.dispatch(notify.EventOffline, id)
	return nil
}

// dispatch sends in the background; bus handlers must not block on network I/O.
func (o *OfflineNotifier) dispatch(event string, botID int64) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.send(ctx, event, botID)
	}()
}

// Render fills the template for event.
func (o *OfflineNotifier) Render(event string, botID int64, at time.Time) string {
	return strings.NewReplacer(
		"{bot_qq}", MaskID(botID),
		"{time}", at.Format(time.DateTime),
	).Replace(o.templates[event])
}

func (o *OfflineNotifier) send(ctx context.Context, event string, botID int64) {
	if o.deps.Notifier == nil {
		return
	}
	at := o.now()
	msg := notify.Message{Event: event, BotID: botID, Text: o.Render(event, botID, at), Time: at}
	if err := o.deps.Notifier.Notify(ctx, msg); err != nil {
		slog.Warn("notification failed", "event", event, "self_id", botID, "error", err)
	}
}
