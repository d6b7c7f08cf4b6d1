package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/notify"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/presence"
	"github.com/nextlevelbuilder/qbot/internal/store"
	"github.com/nextlevelbuilder/qbot/internal/store/sqlite"
)

const (
	botA    int64 = 10001
	botB    int64 = 10002
	admin   int64 = 555
	group   int64 = 9000
	someone int64 = 777
)

type call struct {
	Action string
	Params map[string]any
	Posted bool
}

// fakeConn is a bot connection that records every action and answers with
// an increasing message id.
type fakeConn struct {
	self   int64
	nextID atomic.Int64
	fail   map[string]error

	mu    sync.Mutex
	calls []call
}

func newFakeConn(self int64) *fakeConn {
	c := &fakeConn{self: self, fail: map[string]error{}}
	c.nextID.Store(5000)
	return c
}

func (c *fakeConn) SelfID() int64 { return c.self }
func (c *fakeConn) Closed() bool  { return false }

func (c *fakeConn) record(action string, params any, posted bool) {
	m, _ := params.(map[string]any)
	c.mu.Lock()
	c.calls = append(c.calls, call{Action: action, Params: m, Posted: posted})
	c.mu.Unlock()
}

func (c *fakeConn) Call(_ context.Context, action string, params any) (json.RawMessage, error) {
	c.record(action, params, false)
	if err := c.fail[action]; err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"message_id":%d}`, c.nextID.Add(1))), nil
}

func (c *fakeConn) Post(_ context.Context, action string, params any) error {
	c.record(action, params, true)
	return c.fail[action]
}

func (c *fakeConn) Calls(action string) []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []call
	for _, cl := range c.calls {
		if cl.Action == action {
			out = append(out, cl)
		}
	}
	return out
}

// fakeRegistry is the administrative view used by commands.
type fakeRegistry struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func (r *fakeRegistry) Plugins() []plugin.Plugin                 { return nil }
func (r *fakeRegistry) Get(string) (plugin.Plugin, bool)         { return nil, false }
func (r *fakeRegistry) ModulesInfo() string                      { return "=== 已加载模块列表 ===\nrebate" }
func (r *fakeRegistry) Enable(_ context.Context, n string) error  { return r.set(n, true) }
func (r *fakeRegistry) Disable(_ context.Context, n string) error { return r.set(n, false) }

func (r *fakeRegistry) set(name string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.enabled[name]; !ok {
		return dispatch.ErrPluginNotFound
	}
	r.enabled[name] = on
	return nil
}

type fakeNotifier struct {
	sent chan notify.Message
	err  error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(chan notify.Message, 16)}
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.sent <- msg
	return n.err
}

func newStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, closeFn, err := sqlite.NewStores(filepath.Join(t.TempDir(), "qbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	return stores
}

func newDeps(t *testing.T) *Deps {
	t.Helper()
	return &Deps{
		Bus:      bus.New(),
		Presence: presence.NewRegistry(),
		Stores:   newStores(t),
		Bots: config.BotsConfig{
			Priority: config.FlexibleInt64Slice{botA, botB},
			Admins:   config.FlexibleInt64Slice{admin},
		},
	}
}

func groupMsg(text string, user int64, conn *fakeConn) *plugin.Context {
	return &plugin.Context{
		GroupID:    group,
		UserID:     user,
		MessageID:  42,
		SelfID:     conn.SelfID(),
		Conn:       conn,
		RawMessage: text,
	}
}

func privateMsg(text string, user int64, conn *fakeConn) *plugin.Context {
	mc := groupMsg(text, user, conn)
	mc.GroupID = 0
	return mc
}

func load(t *testing.T, p plugin.Plugin, settings map[string]any) {
	t.Helper()
	require.NoError(t, p.OnLoad(context.Background(), plugin.Config(settings)))
	t.Cleanup(func() { _ = p.OnUnload(context.Background()) })
}

func handle(t *testing.T, p plugin.Plugin, mc *plugin.Context) *plugin.Response {
	t.Helper()
	ok, err := p.CanHandle(context.Background(), mc.RawMessage, mc)
	require.NoError(t, err)
	require.True(t, ok, "expected %s to handle %q", p.Name(), mc.RawMessage)
	resp, err := p.Handle(context.Background(), mc.RawMessage, mc)
	require.NoError(t, err)
	return resp
}

func TestCatalogNamesMatchPlugins(t *testing.T) {
	deps := newDeps(t)
	for name, factory := range Catalog(deps) {
		p, err := factory()
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.Equal(t, author, p.Author())
		assert.NotEmpty(t, p.Description())
	}
}

func TestCatalogLoadsIntoDispatcher(t *testing.T) {
	deps := newDeps(t)
	d := dispatch.New(Catalog(deps), deps.Bus)
	deps.Registry = d
	require.NoError(t, d.LoadAll(context.Background(), config.Default().Manifest()))
	t.Cleanup(func() { d.UnloadAll(context.Background()) })

	p, ok := d.Get(NameCommands)
	require.True(t, ok)
	assert.Equal(t, 10, p.Priority())

	conn := newFakeConn(botA)
	deps.Presence.AddBot(botA, conn)
	resp, err := d.Dispatch(context.Background(), "插件列表", groupMsg("插件列表", someone, conn))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Contains(t, resp.Content, NameSubscription)
}

func TestDepsHelpers(t *testing.T) {
	deps := newDeps(t)
	assert.True(t, deps.isAdmin(admin))
	assert.False(t, deps.isAdmin(someone))
	assert.True(t, deps.isBot(botB))
	assert.False(t, deps.isBot(someone))

	deps.Presence.AddBot(4242, newFakeConn(4242))
	assert.True(t, deps.isBot(4242))
	assert.NotNil(t, deps.httpClient())

	conn := newFakeConn(botB)
	deps.Presence.AddBot(botA, newFakeConn(botA))
	deps.Presence.AddBot(botB, conn)
	assert.False(t, deps.shouldRespond(groupMsg("x", someone, conn)))
	deps.Presence.RemoveBot(botA)
	assert.True(t, deps.shouldRespond(groupMsg("x", someone, conn)))
}

var errBoom = errors.New("boom")
