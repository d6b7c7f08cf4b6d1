package onebot

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/presence"
)

// Router routes one inbound message to the plugins.
type Router interface {
	Dispatch(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error)
}

// Server accepts reverse WebSocket connections from OneBot implementations.
type Server struct {
	cfg      config.OneBotConfig
	router   Router
	presence *presence.Registry
	events   bus.EventPublisher

	upgrader websocket.Upgrader
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
}

// NewServer creates a server that dispatches through router.
func NewServer(cfg config.OneBotConfig, router Router, reg *presence.Registry, events bus.EventPublisher) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		router:   router,
		presence: reg,
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bot implementations are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*Conn]struct{}),
	}
}

// Path returns the endpoint path the server should be mounted on.
func (s *Server) Path() string { return s.cfg.Path }

// checkToken validates the access token from the Authorization header or
// the access_token query parameter. No configured token means open access.
func (s *Server) checkToken(r *http.Request) bool {
	want := s.cfg.AccessToken
	if want == "" {
		return true
	}
	got := r.URL.Query().Get("access_token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		got = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(auth, "Bearer "), "Token "))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(r) {
		slog.Warn("security.onebot_token_rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	var selfID int64
	if v := r.Header.Get("X-Self-ID"); v != "" {
		selfID, _ = strconv.ParseInt(v, 10, 64)
	}

	var limiter *rate.Limiter
	if s.cfg.SendRate > 0 {
		burst := s.cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.SendRate), burst)
	}

	conn := newConn(ws, selfID, limiter, s.cfg.CallTimeout(), r.RemoteAddr)
	s.track(conn, true)
	defer s.track(conn, false)

	slog.Info("onebot connected", "remote", r.RemoteAddr, "self_id", selfID, "role", r.Header.Get("X-Client-Role"))
	if selfID != 0 {
		s.register(conn, selfID)
	}

	s.readLoop(conn)
	s.teardown(conn)
}

func (s *Server) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !conn.Closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("onebot read error", "self_id", conn.SelfID(), "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("onebot frame is not JSON", "self_id", conn.SelfID(), "error", err)
			continue
		}

		if f.isResponse() {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				slog.Debug("onebot response decode failed", "error", err)
				continue
			}
			if !conn.resolve(&resp) {
				slog.Debug("onebot response without caller", "echo", string(resp.Echo))
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("onebot event decode failed", "error", err)
			continue
		}
		s.handleEvent(conn, &ev)
	}
}

func (s *Server) teardown(conn *Conn) {
	_ = conn.Close()
	id := conn.SelfID()
	if id == 0 {
		return
	}
	if s.presence.Release(id, conn) {
		slog.Info("onebot disconnected", "self_id", id, "online", s.presence.OnlineBots())
		s.emit(bus.EventBotDisconnected, map[string]any{"self_id": id})
		return
	}
	slog.Debug("stale onebot connection closed", "self_id", id)
}

// register marks selfID online on conn. The first sighting publishes
// bot_connected and starts the group list refresher.
func (s *Server) register(conn *Conn, selfID int64) {
	if selfID == 0 {
		return
	}
	conn.setSelfID(selfID)
	if s.presence.AddBot(selfID, conn) {
		slog.Info("bot online", "self_id", selfID, "online", s.presence.OnlineBots())
		s.emit(bus.EventBotConnected, map[string]any{"self_id": selfID})
	}
	if conn.refreshing.CompareAndSwap(false, true) {
		go s.refreshLoop(conn)
	}
}

func (s *Server) track(conn *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops background work, closes every connection and waits for
// in-flight dispatches, bounded by ctx.
func (s *Server) Close(ctx context.Context) {
	s.cancel()
	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("onebot shutdown timed out waiting for dispatches")
	}
}

// spawn runs fn on a goroutine tracked by Close. It reports false once
// Close has started, in which case fn does not run.
func (s *Server) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
	return true
}

func (s *Server) emit(name string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(s.ctx, name, data, bus.SourceSystem)
}

// Preview shortens text to width terminal cells for log records.
func Preview(text string, width int) string {
	text = strings.Join(strings.Fields(text), " ")
	return runewidth.Truncate(text, width, "…")
}

// backgroundTimeout bounds fire-and-forget work tied to one event.
const backgroundTimeout = 2 * time.Minute
