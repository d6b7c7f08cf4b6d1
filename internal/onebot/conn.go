package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrNotConnected = errors.New("onebot connection closed")
	ErrCallTimeout  = errors.New("onebot call timed out")
)

const writeTimeout = 10 * time.Second

// Conn is one connected bot. It satisfies presence.Conn and plugin.Transport.
// Writes are serialized; reads happen only in the server's read loop.
type Conn struct {
	ws          *websocket.Conn
	selfID      atomic.Int64
	limiter     *rate.Limiter // nil = unlimited
	callTimeout time.Duration
	remote      string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Response

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	refreshing atomic.Bool
}

func newConn(ws *websocket.Conn, selfID int64, limiter *rate.Limiter, callTimeout time.Duration, remote string) *Conn {
	c := &Conn{
		ws:          ws,
		limiter:     limiter,
		callTimeout: callTimeout,
		remote:      remote,
		pending:     make(map[string]chan *Response),
		done:        make(chan struct{}),
	}
	c.selfID.Store(selfID)
	return c
}

// SelfID returns the bot account id, or 0 until the first event names it.
func (c *Conn) SelfID() int64 { return c.selfID.Load() }

func (c *Conn) setSelfID(id int64) { c.selfID.CompareAndSwap(0, id) }

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Call sends action and waits for the correlated response data.
func (c *Conn) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	if c.Closed() {
		return nil, ErrNotConnected
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	echo := uuid.NewString()
	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[echo] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, echo)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Request{Action: action, Params: params, Echo: echo}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if !resp.OK() {
			return nil, resp.err(action)
		}
		return resp.Data, nil
	case <-c.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrCallTimeout, action)
		}
		return nil, ctx.Err()
	}
}

// Post sends action without waiting for a response.
func (c *Conn) Post(ctx context.Context, action string, params any) error {
	return c.write(ctx, Request{Action: action, Params: params})
}

func (c *Conn) write(ctx context.Context, req Request) error {
	if c.Closed() {
		return ErrNotConnected
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("onebot %s: %w", req.Action, err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("onebot %s: write: %w", req.Action, err)
	}
	return nil
}

// resolve hands resp to the waiting Call. It reports whether anyone was waiting.
func (c *Conn) resolve(resp *Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[string(resp.Echo)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Close tears the connection down. Pending calls fail with ErrNotConnected.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		// WriteControl and Close may run concurrently with WriteJSON.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
