package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/store"
)

// SubscriptionStore implements store.SubscriptionStore.
type SubscriptionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db, now: time.Now}
}

func (s *SubscriptionStore) Add(ctx context.Context, userID int64, keyword string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (user_id, keyword, created_at) VALUES (?, ?, ?)`,
		userID, keyword, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("add subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SubscriptionStore) Remove(ctx context.Context, userID int64, keyword string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND keyword = ?`, userID, keyword)
	if err != nil {
		return false, fmt.Errorf("remove subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SubscriptionStore) List(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword FROM subscriptions WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) Clear(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SubscriptionStore) All(ctx context.Context) ([]store.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.user_id, s.keyword, s.created_at, p.user_id IS NOT NULL
		 FROM subscriptions s
		 LEFT JOIN subscription_pauses p ON p.user_id = s.user_id
		 ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("all subscriptions: %w", err)
	}
	defer rows.Close()

	var out []store.Subscription
	for rows.Next() {
		var sub store.Subscription
		var created int64
		if err := rows.Scan(&sub.UserID, &sub.Keyword, &created, &sub.Paused); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt = time.Unix(created, 0)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) SetPaused(ctx context.Context, userID int64, paused bool) error {
	var err error
	if paused {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO subscription_pauses (user_id, paused_at) VALUES (?, ?)`,
			userID, s.now().Unix())
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM subscription_pauses WHERE user_id = ?`, userID)
	}
	if err != nil {
		return fmt.Errorf("set paused %d: %w", userID, err)
	}
	return nil
}

func (s *SubscriptionStore) IsPaused(ctx context.Context, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_pauses WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is paused %d: %w", userID, err)
	}
	return n > 0, nil
}

var _ store.SubscriptionStore = (*SubscriptionStore)(nil)
