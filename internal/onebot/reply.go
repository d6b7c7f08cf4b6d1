package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

// ExtraAction is the Response.Extra key naming a side effect for the transport.
const ExtraAction = "action"

// ActionRecallMessages asks the transport to delete Extra["message_ids"].
const ActionRecallMessages = "recall_messages"

// SendMessage sends text to a group (groupID != 0) or a private chat and
// returns the new message id.
func SendMessage(ctx context.Context, t plugin.Transport, groupID, userID int64, text string) (int64, error) {
	action, params := ActionSendPrivateMsg, map[string]any{"user_id": userID, "message": text}
	if groupID != 0 {
		action, params = ActionSendGroupMsg, map[string]any{"group_id": groupID, "message": text}
	}
	data, err := t.Call(ctx, action, params)
	if err != nil {
		return 0, err
	}
	var res SendResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			return 0, fmt.Errorf("decode %s result: %w", action, err)
		}
	}
	return res.MessageID, nil
}

// Recall deletes one message.
func Recall(ctx context.Context, t plugin.Transport, messageID int64) error {
	_, err := t.Call(ctx, ActionDeleteMsg, map[string]any{"message_id": messageID})
	return err
}

func (s *Server) reply(ctx context.Context, conn *Conn, mc *plugin.Context, resp *plugin.Response) {
	if action, _ := resp.Extra[ExtraAction].(string); action == ActionRecallMessages {
		ids := MessageIDs(resp.Extra["message_ids"])
		s.spawn(func() { s.recallBatch(conn, mc.GroupID, ids) })
	}

	if resp.Content == "" {
		return
	}
	content := resp.Content
	if resp.QuotedMsgID != 0 {
		content = ReplyPrefix(resp.QuotedMsgID) + content
	}

	sentID, err := SendMessage(ctx, conn, mc.GroupID, mc.UserID, content)
	if err != nil {
		slog.Warn("send reply failed", "self_id", conn.SelfID(), "group_id", mc.GroupID, "user_id", mc.UserID, "error", err)
		return
	}
	slog.Debug("reply sent", "self_id", conn.SelfID(), "group_id", mc.GroupID, "message_id", sentID, "text", Preview(content, 40))

	s.emit(bus.EventMessageSent, map[string]any{
		"self_id":     conn.SelfID(),
		"group_id":    mc.GroupID,
		"user_id":     conn.SelfID(),
		"message_id":  sentID,
		"raw_message": content,
	})

	if resp.AutoRecall && sentID != 0 {
		delay := resp.RecallDelay
		if delay <= 0 {
			delay = plugin.DefaultRecallDelay
		}
		s.scheduleRecall(conn, mc.GroupID, sentID, delay)
	}
}

func (s *Server) scheduleRecall(conn *Conn, groupID, messageID int64, delay time.Duration) {
	s.spawn(func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return
		case <-conn.Done():
			return
		}
		s.recallOne(conn, groupID, messageID)
	})
}

// recallBatch deletes ids oldest first, spaced to stay under rate limits.
func (s *Server) recallBatch(conn *Conn, groupID int64, ids []int64) {
	if len(ids) == 0 {
		return
	}
	spacing := s.cfg.RecallSpacing()
	ok := 0
	for i, id := range lo.Reverse(lo.Uniq(ids)) {
		if i > 0 && spacing > 0 {
			select {
			case <-time.After(spacing):
			case <-s.ctx.Done():
				return
			case <-conn.Done():
				return
			}
		}
		if s.recallOne(conn, groupID, id) {
			ok++
		}
	}
	slog.Info("batch recall finished", "self_id", conn.SelfID(), "group_id", groupID, "requested", len(ids), "recalled", ok)
}

func (s *Server) recallOne(conn *Conn, groupID, messageID int64) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	if err := Recall(ctx, conn, messageID); err != nil {
		slog.Warn("recall failed", "self_id", conn.SelfID(), "message_id", messageID, "error", err)
		return false
	}
	s.emit(bus.EventMessageRecalled, map[string]any{
		"self_id":     conn.SelfID(),
		"group_id":    groupID,
		"message_id":  messageID,
		"operator_id": conn.SelfID(),
		"notice_type": "self_recall",
	})
	return true
}

// MessageIDs normalizes an Extra["message_ids"] value.
func MessageIDs(v any) []int64 {
	switch ids := v.(type) {
	case []int64:
		return ids
	case []int:
		return lo.Map(ids, func(n int, _ int) int64 { return int64(n) })
	case []any:
		out := make([]int64, 0, len(ids))
		for _, x := range ids {
			switch n := x.(type) {
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			case float64:
				out = append(out, int64(n))
			}
		}
		return out
	}
	return nil
}
