package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/store"
)

const recalledPlaceholder = "[已撤回]"

// MessageStore implements store.MessageStore.
type MessageStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

func (s *MessageStore) Save(ctx context.Context, msg store.Message) (bool, error) {
	created := msg.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (group_id, user_id, message_id, raw_message, recalled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.GroupID, msg.UserID, msg.MessageID, msg.RawMessage, msg.Recalled, created.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("save message %d: %w", msg.MessageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *MessageStore) MarkRecalled(ctx context.Context, groupID, userID, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET recalled = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("mark recalled %d: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (group_id, user_id, message_id, raw_message, recalled, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		groupID, userID, messageID, recalledPlaceholder, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record recalled %d: %w", messageID, err)
	}
	return nil
}

func (s *MessageStore) Unrecalled(ctx context.Context, groupID int64, limit int) ([]int64, error) {
	return s.ids(ctx,
		`SELECT message_id FROM messages WHERE group_id = ? AND recalled = 0 ORDER BY id DESC LIMIT ?`,
		groupID, sqlLimit(limit))
}

func (s *MessageStore) UnrecalledByUser(ctx context.Context, groupID, userID int64, limit int) ([]int64, error) {
	return s.ids(ctx,
		`SELECT message_id FROM messages WHERE group_id = ? AND user_id = ? AND recalled = 0 ORDER BY id DESC LIMIT ?`,
		groupID, userID, sqlLimit(limit))
}

func (s *MessageStore) Stats(ctx context.Context) (store.MessageStats, error) {
	var st store.MessageStats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(recalled), 0), MIN(created_at) FROM messages`,
	).Scan(&st.Total, &st.Recalled, &oldest)
	if err != nil {
		return st, fmt.Errorf("message stats: %w", err)
	}
	st.Active = st.Total - st.Recalled
	if oldest.Valid {
		st.Oldest = time.Unix(oldest.Int64, 0)
	}

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, `SELECT page_count FROM pragma_page_count()`).Scan(&pages); err != nil {
		return st, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT page_size FROM pragma_page_size()`).Scan(&pageSize); err != nil {
		return st, fmt.Errorf("page size: %w", err)
	}
	st.SizeBytes = pages * pageSize
	return st, nil
}

func (s *MessageStore) CleanupRecalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	return s.cleanup(ctx, `DELETE FROM messages WHERE recalled = 1 AND created_at < ?`, cutoff)
}

func (s *MessageStore) CleanupAllRecalled(ctx context.Context) (int64, error) {
	return s.cleanup(ctx, `DELETE FROM messages WHERE recalled = 1`)
}

func (s *MessageStore) cleanup(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
			return n, fmt.Errorf("vacuum: %w", err)
		}
	}
	return n, nil
}

func (s *MessageStore) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query message ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

var _ store.MessageStore = (*MessageStore)(nil)
