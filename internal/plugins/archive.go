package plugins

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/store"
)

const archiveQueueSize = 256

type archiveOp struct {
	recall bool
	msg    store.Message
}

// Archive persists group messages and marks them when they are recalled.
// It never answers a message; it listens on the bus so every message is
// stored regardless of which plugin wins the dispatch.
type Archive struct {
	*plugin.Base
	deps *Deps

	groups      []int64 // empty = every group
	savePrivate bool

	mu     sync.Mutex
	queue  chan archiveOp
	cancel context.CancelFunc
	done   chan struct{}
}

func NewArchive(deps *Deps) *Archive {
	a := &Archive{Base: plugin.NewBase(NameArchive, "1.0.0"), deps: deps}
	a.SetPriority(90)
	return a
}

func (a *Archive) Name() string        { return NameArchive }
func (a *Archive) Version() string     { return "1.0.0" }
func (a *Archive) Description() string { return "消息存档：记录群消息与撤回状态，供批量撤回和统计使用" }
func (a *Archive) Author() string      { return author }

func (a *Archive) OnLoad(ctx context.Context, cfg plugin.Config) error {
	if a.deps.Stores == nil || a.deps.Stores.Messages == nil {
		return errors.New("archive: message store is not configured")
	}
	if err := a.Base.OnLoad(ctx, cfg); err != nil {
		return err
	}
	a.groups = cfg.Int64s("groups")
	a.savePrivate = cfg.Bool("save_private", false)

	workerCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.queue = make(chan archiveOp, cfg.Int("queue_size", archiveQueueSize))
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()
	go a.worker(workerCtx)

	if a.deps.Bus != nil {
		a.deps.Bus.Subscribe(bus.EventMessageReceived, NameArchive, a.onMessage)
		a.deps.Bus.Subscribe(bus.EventMessageSent, NameArchive, a.onMessage)
		a.deps.Bus.Subscribe(bus.EventMessageRecalled, NameArchive, a.onRecall)
	}
	return nil
}

func (a *Archive) OnUnload(ctx context.Context) error {
	if a.deps.Bus != nil {
		a.deps.Bus.Unsubscribe(bus.EventMessageReceived, NameArchive)
		a.deps.Bus.Unsubscribe(bus.EventMessageSent, NameArchive)
		a.deps.Bus.Unsubscribe(bus.EventMessageRecalled, NameArchive)
	}
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return a.Base.OnUnload(ctx)
}

func (a *Archive) CanHandle(context.Context, string, *plugin.Context) (bool, error) {
	return false, nil
}

func (a *Archive) Handle(context.Context, string, *plugin.Context) (*plugin.Response, error) {
	return nil, nil
}

func (a *Archive) wants(groupID int64) bool {
	if groupID == 0 {
		return a.savePrivate
	}
	return len(a.groups) == 0 || slices.Contains(a.groups, groupID)
}

func (a *Archive) onMessage(_ context.Context, ev bus.Event) error {
	if !a.Enabled() {
		return nil
	}
	msg := store.Message{
		GroupID:    int64Of(ev.Data["group_id"]),
		UserID:     int64Of(ev.Data["user_id"]),
		MessageID:  int64Of(ev.Data["message_id"]),
		RawMessage: stringOf(ev.Data["raw_message"]),
	}
	if msg.MessageID == 0 || !a.wants(msg.GroupID) {
		return nil
	}
	a.enqueue(archiveOp{msg: msg})
	return nil
}

func (a *Archive) onRecall(_ context.Context, ev bus.Event) error {
	if !a.Enabled() {
		return nil
	}
	msg := store.Message{
		GroupID:   int64Of(ev.Data["group_id"]),
		UserID:    int64Of(ev.Data["user_id"]),
		MessageID: int64Of(ev.Data["message_id"]),
	}
	if msg.MessageID == 0 {
		return nil
	}
	a.enqueue(archiveOp{recall: true, msg: msg})
	return nil
}

// enqueue never blocks: bus handlers run on the transport's read loop.
func (a *Archive) enqueue(op archiveOp) {
	a.mu.Lock()
	q := a.queue
	a.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- op:
	default:
		slog.Warn("archive queue full, dropping", "message_id", op.msg.MessageID, "recall", op.recall)
	}
}

func (a *Archive) worker(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case op := <-a.queue:
			a.apply(op)
		}
	}
}

// drain writes whatever is already queued before the worker exits.
func (a *Archive) drain() {
	for {
		select {
		case op := <-a.queue:
			a.apply(op)
		default:
			return
		}
	}
}

func (a *Archive) apply(op archiveOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages := a.deps.Stores.Messages
	if op.recall {
		if err := messages.MarkRecalled(ctx, op.msg.GroupID, op.msg.UserID, op.msg.MessageID); err != nil {
			slog.Warn("archive mark recalled failed", "message_id", op.msg.MessageID, "error", err)
		}
		return
	}
	if _, err := messages.Save(ctx, op.msg); err != nil {
		slog.Warn("archive save failed", "group_id", op.msg.GroupID, "message_id", op.msg.MessageID, "error", err)
	}
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
