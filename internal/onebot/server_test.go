package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/presence"
)

type routerFunc func(ctx context.Context, msg string, mc *plugin.Context) (*plugin.Response, error)

func (f routerFunc) Dispatch(ctx context.Context, msg string, mc *plugin.Context) (*plugin.Response, error) {
	return f(ctx, msg, mc)
}

var silent = routerFunc(func(context.Context, string, *plugin.Context) (*plugin.Response, error) { return nil, nil })

type harness struct {
	srv    *Server
	reg    *presence.Registry
	events chan bus.Event
	url    string
}

func testConfig() config.OneBotConfig {
	return config.OneBotConfig{Path: "/onebot/v11/ws", CallTimeoutSec: 2, RecallSpacingMs: 1}
}

func start(t *testing.T, cfg config.OneBotConfig, router Router) *harness {
	t.Helper()
	reg := presence.NewRegistry()
	b := bus.New()
	events := make(chan bus.Event, 64)
	for _, name := range []string{
		bus.EventBotConnected, bus.EventBotDisconnected, bus.EventGroupListUpdated,
		bus.EventMessageRecalled, bus.EventMessageReceived, bus.EventMessageSent,
	} {
		b.Subscribe(name, "test", func(_ context.Context, ev bus.Event) error {
			events <- ev
			return nil
		})
	}

	srv := NewServer(cfg, router, reg, b)
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Close(ctx)
	})

	return &harness{
		srv:    srv,
		reg:    reg,
		events: events,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path,
	}
}

func (h *harness) waitEvent(t *testing.T, name string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
			return bus.Event{}
		}
	}
}

// fakeBot plays the OneBot implementation side of the connection.
type fakeBot struct {
	t *testing.T
	c *websocket.Conn
}

func dialBot(t *testing.T, url string, selfID int64, header http.Header) *fakeBot {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if selfID != 0 {
		header.Set("X-Self-ID", strconv.FormatInt(selfID, 10))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return &fakeBot{t: t, c: c}
}

func (b *fakeBot) send(v any) {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(b.t, wsjson.Write(ctx, b.c, v))
}

// expect reads frames until one carries action, skipping the rest.
func (b *fakeBot) expect(action string) map[string]any {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var req map[string]any
		require.NoError(b.t, wsjson.Read(ctx, b.c, &req))
		if req["action"] == action {
			return req
		}
	}
}

func (b *fakeBot) answer(req map[string]any, data any) {
	b.t.Helper()
	b.send(map[string]any{"status": "ok", "retcode": 0, "data": data, "echo": req["echo"]})
}

func params(req map[string]any) map[string]any {
	p, _ := req["params"].(map[string]any)
	return p
}

func TestConnectRegistersBotAndGroups(t *testing.T) {
	h := start(t, testConfig(), silent)
	bot := dialBot(t, h.url, 111, nil)

	ev := h.waitEvent(t, bus.EventBotConnected)
	assert.Equal(t, int64(111), ev.Data["self_id"])
	assert.True(t, h.reg.IsOnline(111))

	req := bot.expect(ActionGetGroupList)
	bot.answer(req, []map[string]any{{"group_id": 1, "group_name": "a"}, {"group_id": 2}})

	h.waitEvent(t, bus.EventGroupListUpdated)
	assert.True(t, h.reg.InGroup(111, 1))
	assert.True(t, h.reg.InGroup(111, 2))
	assert.False(t, h.reg.InGroup(111, 3))
}

func TestLifecycleEventRegistersWithoutHeader(t *testing.T) {
	h := start(t, testConfig(), silent)
	bot := dialBot(t, h.url, 0, nil)

	bot.send(map[string]any{"post_type": "meta_event", "meta_event_type": "lifecycle", "sub_type": "connect", "self_id": 222})
	ev := h.waitEvent(t, bus.EventBotConnected)
	assert.Equal(t, int64(222), ev.Data["self_id"])

	// Heartbeats for an already online bot do not re-announce it.
	bot.send(map[string]any{"post_type": "meta_event", "meta_event_type": "heartbeat", "self_id": 222, "interval": 5000})
	bot.expect(ActionGetGroupList)
	select {
	case ev := <-h.events:
		assert.NotEqual(t, bus.EventBotConnected, ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGroupMessageReplyQuoteAndAutoRecall(t *testing.T) {
	var seen atomic.Value
	router := routerFunc(func(_ context.Context, msg string, mc *plugin.Context) (*plugin.Response, error) {
		seen.Store(*mc)
		if msg != "ping" {
			return nil, nil
		}
		r := plugin.NewResponse("pong").Recalled(50 * time.Millisecond)
		r.QuotedMsgID = mc.MessageID
		return r, nil
	})
	h := start(t, testConfig(), router)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	bot.send(map[string]any{
		"post_type": "message", "message_type": "group", "self_id": 111,
		"group_id": 5, "user_id": 9, "message_id": 77, "raw_message": "ping",
		"sender": map[string]any{"user_id": 9, "nickname": "n"},
	})

	in := h.waitEvent(t, bus.EventMessageReceived)
	assert.Equal(t, int64(77), in.Data["message_id"])
	assert.Equal(t, "ping", in.Data["raw_message"])

	req := bot.expect(ActionSendGroupMsg)
	p := params(req)
	assert.Equal(t, "[CQ:reply,id=77]pong", p["message"])
	assert.EqualValues(t, 5, p["group_id"])
	bot.answer(req, map[string]any{"message_id": 1234})

	sent := h.waitEvent(t, bus.EventMessageSent)
	assert.Equal(t, int64(1234), sent.Data["message_id"])

	del := bot.expect(ActionDeleteMsg)
	assert.EqualValues(t, 1234, params(del)["message_id"])
	bot.answer(del, nil)

	mc := seen.Load().(plugin.Context)
	assert.Equal(t, int64(5), mc.GroupID)
	assert.Equal(t, int64(9), mc.UserID)
	assert.Equal(t, int64(77), mc.MessageID)
	assert.Equal(t, int64(111), mc.SelfID)
	assert.Equal(t, "group", mc.Extra["message_type"])
	assert.NotNil(t, mc.Conn)
}

func TestPrivateMessageReply(t *testing.T) {
	router := routerFunc(func(_ context.Context, _ string, mc *plugin.Context) (*plugin.Response, error) {
		assert.False(t, mc.IsGroup())
		return plugin.NewResponse("hi"), nil
	})
	h := start(t, testConfig(), router)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	bot.send(map[string]any{
		"post_type": "message", "message_type": "private", "self_id": 111,
		"user_id": 42, "message_id": 1, "raw_message": "hello",
	})
	req := bot.expect(ActionSendPrivateMsg)
	assert.EqualValues(t, 42, params(req)["user_id"])
	assert.Equal(t, "hi", params(req)["message"])
}

func TestRecallMessagesActionOldestFirst(t *testing.T) {
	router := routerFunc(func(context.Context, string, *plugin.Context) (*plugin.Response, error) {
		return (&plugin.Response{}).
			WithExtra(ExtraAction, ActionRecallMessages).
			WithExtra("message_ids", []int64{30, 20, 10}), nil
	})
	h := start(t, testConfig(), router)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	bot.send(map[string]any{"post_type": "message", "message_type": "group", "self_id": 111, "group_id": 5, "user_id": 9, "message_id": 1, "raw_message": "撤回 3"})

	for _, want := range []float64{10, 20, 30} {
		req := bot.expect(ActionDeleteMsg)
		assert.Equal(t, want, params(req)["message_id"])
		bot.answer(req, nil)
		ev := h.waitEvent(t, bus.EventMessageRecalled)
		assert.Equal(t, int64(want), ev.Data["message_id"])
	}
}

func TestRecallNoticePublishesEvent(t *testing.T) {
	h := start(t, testConfig(), silent)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	bot.send(map[string]any{"post_type": "notice", "notice_type": "group_recall", "self_id": 111, "group_id": 5, "user_id": 9, "operator_id": 9, "message_id": 88})
	ev := h.waitEvent(t, bus.EventMessageRecalled)
	assert.Equal(t, int64(88), ev.Data["message_id"])
	assert.Equal(t, int64(5), ev.Data["group_id"])
	assert.Equal(t, NoticeGroupRecall, ev.Data["notice_type"])
}

func TestDisconnectReleasesPresence(t *testing.T) {
	h := start(t, testConfig(), silent)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	_ = bot.c.Close(websocket.StatusNormalClosure, "bye")
	ev := h.waitEvent(t, bus.EventBotDisconnected)
	assert.Equal(t, int64(111), ev.Data["self_id"])
	assert.False(t, h.reg.IsOnline(111))
}

func TestStaleConnectionDoesNotEvictReconnectedBot(t *testing.T) {
	h := start(t, testConfig(), silent)
	first := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)
	second := dialBot(t, h.url, 111, nil)
	require.Eventually(t, func() bool { return h.srv.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	_ = first.c.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return h.srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.reg.IsOnline(111))

	conn, ok := h.reg.Conn(111)
	require.True(t, ok)
	assert.False(t, conn.Closed())
	_ = second
}

func TestAccessToken(t *testing.T) {
	cfg := testConfig()
	cfg.AccessToken = "s3cret"
	h := start(t, cfg, silent)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, h.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dialBot(t, h.url+"?access_token=s3cret", 1, nil)
	dialBot(t, h.url, 2, http.Header{"Authorization": []string{"Bearer s3cret"}})
	require.Eventually(t, func() bool { return h.srv.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestCallFailureSurfacesAPIError(t *testing.T) {
	h := start(t, testConfig(), silent)
	bot := dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	c, ok := h.reg.Conn(111)
	require.True(t, ok)
	transport := c.(plugin.Transport)

	errc := make(chan error, 1)
	go func() {
		_, err := SendMessage(context.Background(), transport, 5, 0, "x")
		errc <- err
	}()
	req := bot.expect(ActionSendGroupMsg)
	bot.send(map[string]any{"status": "failed", "retcode": 100, "wording": "not in group", "echo": req["echo"]})

	err := <-errc
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 100, apiErr.RetCode)
	assert.Equal(t, "not in group", apiErr.Message)
}

func TestCallOnClosedConn(t *testing.T) {
	h := start(t, testConfig(), silent)
	dialBot(t, h.url, 111, nil)
	h.waitEvent(t, bus.EventBotConnected)

	c, _ := h.reg.Conn(111)
	conn := c.(*Conn)
	require.NoError(t, conn.Close())
	_, err := conn.Call(context.Background(), ActionGetGroupList, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, conn.Post(context.Background(), ActionDeleteMsg, nil), ErrNotConnected)
}

func TestResponseEchoForms(t *testing.T) {
	var r Response
	require.NoError(t, json.Unmarshal([]byte(`{"status":"ok","retcode":0,"echo":123}`), &r))
	assert.Equal(t, Echo("123"), r.Echo)
	assert.True(t, r.OK())

	require.NoError(t, json.Unmarshal([]byte(`{"status":"failed","retcode":1,"echo":"abc"}`), &r))
	assert.Equal(t, Echo("abc"), r.Echo)
	assert.False(t, r.OK())

	var ev frame
	require.NoError(t, json.Unmarshal([]byte(`{"post_type":"message","echo":"x"}`), &ev))
	assert.False(t, ev.isResponse())
	var resp frame
	require.NoError(t, json.Unmarshal([]byte(`{"retcode":0,"echo":"x"}`), &resp))
	assert.True(t, resp.isResponse())
}

func TestSpawnStopsAfterClose(t *testing.T) {
	srv := NewServer(testConfig(), silent, presence.NewRegistry(), nil)

	release := make(chan struct{})
	var ran atomic.Int32
	require.True(t, srv.spawn(func() {
		<-release
		ran.Add(1)
	}))

	closed := make(chan struct{})
	go func() {
		srv.Close(context.Background())
		close(closed)
	}()
	assert.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.closing
	}, time.Second, 5*time.Millisecond)

	assert.False(t, srv.spawn(func() { ran.Add(10) }))
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.EqualValues(t, 1, ran.Load())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, MessageIDs([]any{float64(1), 2, int64(3), "x"}))
	assert.Equal(t, []int64{4}, MessageIDs([]int{4}))
	assert.Nil(t, MessageIDs("nope"))

	assert.Equal(t, "a b", Preview("a\n  b", 10))
	p := Preview(strings.Repeat("中", 20), 10)
	assert.LessOrEqual(t, len([]rune(p)), 10)
	assert.True(t, strings.HasSuffix(p, "…"))

	ev := Event{Message: json.RawMessage(`"plain"`)}
	assert.Equal(t, "plain", ev.Text())
}
