package store

import (
	"context"
	"time"
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Messages      MessageStore
	Subscriptions SubscriptionStore
}

// Message is one archived chat message. GroupID is 0 for private messages.
type Message struct {
	GroupID    int64     `json:"groupID"`
	UserID     int64     `json:"userID"`
	MessageID  int64     `json:"messageID"`
	RawMessage string    `json:"rawMessage"`
	Recalled   bool      `json:"recalled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MessageStats summarizes the archive.
type MessageStats struct {
	Total     int64     `json:"total"`
	Recalled  int64     `json:"recalled"`
	Active    int64     `json:"active"`
	Oldest    time.Time `json:"oldest"` // zero when the archive is empty
	SizeBytes int64     `json:"sizeBytes"`
}

// MessageStore archives group messages so they can be recalled in bulk later.
type MessageStore interface {
	// Save stores msg and reports whether it was new. (GroupID, MessageID) is unique.
	Save(ctx context.Context, msg Message) (bool, error)
	// MarkRecalled flags every row with messageID. When none exists a
	// placeholder row is inserted so the recall is still recorded.
	MarkRecalled(ctx context.Context, groupID, userID, messageID int64) error
	// Unrecalled returns message ids in groupID, newest first. limit <= 0 means all.
	Unrecalled(ctx context.Context, groupID int64, limit int) ([]int64, error)
	// UnrecalledByUser is Unrecalled restricted to one sender.
	UnrecalledByUser(ctx context.Context, groupID, userID int64, limit int) ([]int64, error)
	Stats(ctx context.Context) (MessageStats, error)
	// CleanupRecalled deletes recalled messages older than olderThan and returns the count.
	CleanupRecalled(ctx context.Context, olderThan time.Duration) (int64, error)
	// CleanupAllRecalled deletes every recalled message.
	CleanupAllRecalled(ctx context.Context) (int64, error)
}

// Subscription is one keyword a user wants pushed to them.
type Subscription struct {
	UserID    int64     `json:"userID"`
	Keyword   string    `json:"keyword"`
	Paused    bool      `json:"paused"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubscriptionStore persists keyword subscriptions and per-user pause state.
type SubscriptionStore interface {
	// Add reports false when the user already has keyword.
	Add(ctx context.Context, userID int64, keyword string) (bool, error)
	// Remove reports false when there was nothing to remove.
	Remove(ctx context.Context, userID int64, keyword string) (bool, error)
	// List returns a user's keywords in creation order.
	List(ctx context.Context, userID int64) ([]string, error)
	// Clear removes every keyword for userID and returns the count.
	Clear(ctx context.Context, userID int64) (int64, error)
	// All returns every subscription with its owner's pause state.
	All(ctx context.Context) ([]Subscription, error)
	SetPaused(ctx context.Context, userID int64, paused bool) error
	IsPaused(ctx context.Context, userID int64) (bool, error)
}
