package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

func (s *Server) handleEvent(conn *Conn, ev *Event) {
	if ev.SelfID != 0 && conn.SelfID() == 0 {
		conn.setSelfID(ev.SelfID)
	}

	switch ev.PostType {
	case PostMetaEvent:
		switch ev.MetaEventType {
		case MetaLifecycle:
			if ev.SubType == "connect" || ev.SubType == "enable" {
				s.register(conn, ev.SelfID)
			}
		case MetaHeartbeat:
			if ev.SelfID != 0 && !s.presence.IsOnline(ev.SelfID) {
				s.register(conn, ev.SelfID)
			}
		}

	case PostMessage:
		if ev.SelfID != 0 && !s.presence.IsOnline(ev.SelfID) {
			s.register(conn, ev.SelfID)
		}
		s.emit(bus.EventMessageReceived, map[string]any{
			"self_id":      conn.SelfID(),
			"group_id":     groupOf(ev),
			"user_id":      ev.UserID,
			"message_id":   ev.MessageID,
			"raw_message":  ev.Text(),
			"message_type": ev.MessageType,
		})
		if !s.spawn(func() { s.handleMessage(conn, ev) }) {
			slog.Debug("onebot shutting down, message dropped", "self_id", conn.SelfID(), "message_id", ev.MessageID)
		}

	case PostMessageSent:
		s.emit(bus.EventMessageSent, map[string]any{
			"self_id":     ev.SelfID,
			"group_id":    groupOf(ev),
			"user_id":     ev.UserID,
			"message_id":  ev.MessageID,
			"raw_message": ev.Text(),
		})

	case PostNotice:
		if ev.NoticeType == NoticeGroupRecall || ev.NoticeType == NoticeFriendRecall {
			slog.Debug("message recalled", "message_id", ev.MessageID, "group_id", ev.GroupID, "operator_id", ev.OperatorID)
			s.emit(bus.EventMessageRecalled, map[string]any{
				"self_id":     ev.SelfID,
				"group_id":    ev.GroupID,
				"user_id":     ev.UserID,
				"message_id":  ev.MessageID,
				"operator_id": ev.OperatorID,
				"notice_type": ev.NoticeType,
			})
		}

	default:
		slog.Debug("onebot event ignored", "post_type", ev.PostType, "self_id", ev.SelfID)
	}
}

func groupOf(ev *Event) int64 {
	if ev.MessageType == "private" {
		return 0
	}
	return ev.GroupID
}

func (s *Server) handleMessage(conn *Conn, ev *Event) {
	ctx, cancel := context.WithTimeout(s.ctx, backgroundTimeout)
	defer cancel()

	text := ev.Text()
	mc := &plugin.Context{
		GroupID:    groupOf(ev),
		UserID:     ev.UserID,
		MessageID:  ev.MessageID,
		SelfID:     conn.SelfID(),
		Conn:       conn,
		RawMessage: text,
		Extra: map[string]any{
			"message_type": ev.MessageType,
			"sub_type":     ev.SubType,
		},
	}
	if ev.Sender != nil {
		mc.Extra["sender"] = *ev.Sender
	}

	slog.Debug("message received",
		"self_id", mc.SelfID,
		"group_id", mc.GroupID,
		"user_id", mc.UserID,
		"message_id", mc.MessageID,
		"text", Preview(text, 60),
	)

	resp, err := s.router.Dispatch(ctx, text, mc)
	if err != nil {
		slog.Warn("dispatch aborted", "message_id", mc.MessageID, "error", err)
		return
	}
	if resp == nil {
		return
	}
	s.reply(ctx, conn, mc, resp)
}

// refreshLoop fetches the group list now and then every GroupRefresh until
// the connection closes.
func (s *Server) refreshLoop(conn *Conn) {
	s.refreshGroups(conn)

	interval := s.cfg.GroupRefresh()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.refreshGroups(conn)
		case <-conn.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) refreshGroups(conn *Conn) {
	id := conn.SelfID()
	if id == 0 {
		return
	}
	groups, err := GroupList(s.ctx, conn)
	if err != nil {
		slog.Warn("get_group_list failed", "self_id", id, "error", err)
		return
	}
	ids := make([]int64, len(groups))
	for i, g := range groups {
		ids[i] = g.GroupID
	}
	s.presence.UpdateGroups(id, ids)
	slog.Info("group list updated", "self_id", id, "groups", len(ids))
	s.emit(bus.EventGroupListUpdated, map[string]any{"self_id": id, "count": len(ids)})
}

// GroupList calls get_group_list on t.
func GroupList(ctx context.Context, t plugin.Transport) ([]Group, error) {
	data, err := t.Call(ctx, ActionGetGroupList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var groups []Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode group list: %w", err)
	}
	return groups, nil
}
