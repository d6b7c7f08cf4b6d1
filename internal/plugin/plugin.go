// Package plugin defines the contract every message handler implements so
// the dispatcher can treat heterogeneous behaviors uniformly.
package plugin

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultPriority is the priority of a plugin that does not set one.
// Lower numbers take precedence.
const DefaultPriority = 50

// DefaultRecallDelay is applied by NewResponse when auto-recall is requested.
const DefaultRecallDelay = 30 * time.Second

// Plugin is a named, versioned unit of behavior.
type Plugin interface {
	// Name returns the stable, unique plugin identifier.
	Name() string
	Version() string
	Description() string
	Author() string
	// Dependencies lists other plugin names. Informational only.
	Dependencies() []string

	Priority() int
	SetPriority(p int)
	Enabled() bool
	SetEnabled(enabled bool)

	// CanHandle decides interest. It runs concurrently with every other
	// plugin's CanHandle and must return promptly.
	CanHandle(ctx context.Context, message string, mc *Context) (bool, error)

	// Handle performs the plugin action. A nil Response means no reply.
	Handle(ctx context.Context, message string, mc *Context) (*Response, error)

	OnLoad(ctx context.Context, cfg Config) error
	OnUnload(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
}

// Transport is the connection a message arrived on. Plugins hold it only for
// the duration of one dispatch.
type Transport interface {
	SelfID() int64
	// Call sends an API action and waits for its response data.
	Call(ctx context.Context, action string, params any) (json.RawMessage, error)
	// Post sends an API action without waiting for the response.
	Post(ctx context.Context, action string, params any) error
}

// Context is the immutable per-dispatch view of an inbound message.
type Context struct {
	GroupID    int64 // 0 for a private conversation
	UserID     int64
	MessageID  int64 // 0 when the transport did not provide one
	SelfID     int64 // bot identity that received the message
	Conn       Transport
	RawMessage string
	Extra      map[string]any
}

// IsGroup reports whether the message came from a conversation group.
func (c *Context) IsGroup() bool { return c.GroupID != 0 }

// Response is what a plugin asks the transport to send back.
type Response struct {
	Content     string
	AutoRecall  bool
	RecallDelay time.Duration
	QuotedMsgID int64 // 0 = no quote
	Extra       map[string]any
}

// NewResponse builds a plain text response with default recall settings.
func NewResponse(content string) *Response {
	return &Response{Content: content, RecallDelay: DefaultRecallDelay}
}

// Recalled marks the response for auto-recall after delay (DefaultRecallDelay if zero).
func (r *Response) Recalled(delay time.Duration) *Response {
	r.AutoRecall = true
	if delay > 0 {
		r.RecallDelay = delay
	} else if r.RecallDelay <= 0 {
		r.RecallDelay = DefaultRecallDelay
	}
	return r
}

// WithExtra sets one extension key and returns r.
func (r *Response) WithExtra(key string, value any) *Response {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
	return r
}

// Outcome classifies one plugin invocation during dispatch.
type Outcome int

const (
	NotInterested Outcome = iota
	NoResponse
	Responded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotInterested:
		return "not_interested"
	case NoResponse:
		return "no_response"
	case Responded:
		return "responded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
