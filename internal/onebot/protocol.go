// Package onebot implements the OneBot v11 reverse WebSocket transport:
// QQ bot implementations dial in, push events, and receive API actions.
package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Post types.
const (
	PostMessage     = "message"
	PostMessageSent = "message_sent"
	PostNotice      = "notice"
	PostMetaEvent   = "meta_event"
	PostRequest     = "request"
)

// Meta event types.
const (
	MetaLifecycle = "lifecycle"
	MetaHeartbeat = "heartbeat"
)

// Notice types that report a deleted message.
const (
	NoticeGroupRecall  = "group_recall"
	NoticeFriendRecall = "friend_recall"
)

// API actions used by the gateway.
const (
	ActionSendGroupMsg   = "send_group_msg"
	ActionSendPrivateMsg = "send_private_msg"
	ActionDeleteMsg      = "delete_msg"
	ActionGetGroupList   = "get_group_list"
)

// Sender is the author block of a message event.
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Event is the union of every OneBot event shape the gateway reads.
// Fields absent from a given post type are left zero.
type Event struct {
	Time     int64  `json:"time"`
	SelfID   int64  `json:"self_id"`
	PostType string `json:"post_type"`

	MessageType   string          `json:"message_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	MessageID     int64           `json:"message_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	Sender        *Sender         `json:"sender,omitempty"`
	NoticeType    string          `json:"notice_type,omitempty"`
	OperatorID    int64           `json:"operator_id,omitempty"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	Interval      int64           `json:"interval,omitempty"`
}

// Text returns the CQ-coded message text. Implementations that omit
// raw_message but send message as a plain string are handled too.
func (e *Event) Text() string {
	if e.RawMessage != "" {
		return e.RawMessage
	}
	var s string
	if len(e.Message) > 0 && json.Unmarshal(e.Message, &s) == nil {
		return s
	}
	return ""
}

// Request is an outbound API action.
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo,omitempty"`
}

// Response is the reply to a Request, correlated by Echo.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Echo    Echo            `json:"echo,omitempty"`
}

// OK reports whether the action succeeded.
func (r *Response) OK() bool { return r.Status == "ok" || (r.Status == "" && r.RetCode == 0) }

// APIError is returned by Call when the implementation rejects an action.
type APIError struct {
	Action  string
	RetCode int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("onebot %s failed: retcode=%d %s", e.Action, e.RetCode, e.Message)
}

func (r *Response) err(action string) error {
	msg := r.Wording
	if msg == "" {
		msg = r.Message
	}
	return &APIError{Action: action, RetCode: r.RetCode, Message: msg}
}

// Echo is an echo field that implementations may send back as a string or a number.
type Echo string

func (e *Echo) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = Echo(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("echo: %w", err)
	}
	*e = Echo(n.String())
	return nil
}

// frame is the minimal probe used to classify an inbound frame.
type frame struct {
	PostType string          `json:"post_type"`
	Echo     json.RawMessage `json:"echo"`
	Status   string          `json:"status"`
	RetCode  *int            `json:"retcode"`
}

func (f *frame) isResponse() bool {
	return f.PostType == "" && len(f.Echo) > 0 && (f.Status != "" || f.RetCode != nil)
}

// Group is one entry of a get_group_list response.
type Group struct {
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// SendResult is the data of send_*_msg.
type SendResult struct {
	MessageID int64 `json:"message_id"`
}

// ReplyPrefix is the CQ code that quotes messageID.
func ReplyPrefix(messageID int64) string {
	return "[CQ:reply,id=" + strconv.FormatInt(messageID, 10) + "]"
}
