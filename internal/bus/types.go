package bus

import (
	"context"
	"time"
)

// Event names published by the dispatcher and the OneBot transport.
const (
	EventModulesLoaded    = "modules_loaded"
	EventBeforeHandle     = "before_handle"
	EventAfterHandle      = "after_handle"
	EventPluginFailed     = "plugin_failed"
	EventBotConnected     = "bot_connected"
	EventBotDisconnected  = "bot_disconnected"
	EventMessageRecalled  = "message_recalled"
	EventMessageReceived  = "message_received"
	EventMessageSent      = "message_sent"
	EventGroupListUpdated = "group_list_updated"
)

// SourceSystem is the source label used when no plugin emitted the event.
const SourceSystem = "system"

// Event is a named fact with an arbitrary payload.
type Event struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Data   map[string]any `json:"data,omitempty"`
	Source string         `json:"source"`
	Time   time.Time      `json:"time"`
}

// EventHandler handles a published event. A returned error is logged by the
// bus and does not stop delivery to the remaining handlers.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher abstracts event publication + subscription.
// Used by the dispatcher, the transport and plugins to decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(name, id string, handler EventHandler)
	Unsubscribe(name, id string)
	Publish(ctx context.Context, event Event)
	Emit(ctx context.Context, name string, data map[string]any, source string)
}
