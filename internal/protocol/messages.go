// Package protocol is the websocket wire codec: committed task events in a shared
// envelope plus the small set of control frames exchanged on a session.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/tasksync/internal/tasks"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeNotificationUpdate MessageType = MessageType(tasks.KindNotificationIssued)
	TypeCommentCreated     MessageType = MessageType(tasks.KindCommentCreated)
	TypeTaskStatusUpdated  MessageType = MessageType(tasks.KindTaskStatusChanged)
	TypeTaskReorder        MessageType = MessageType(tasks.KindTaskReordered)
	TypeActivityStream     MessageType = MessageType(tasks.KindActivityAppended)
	TypeAttachmentUploaded MessageType = MessageType(tasks.KindAttachmentUploaded)

	TypeConnected    MessageType = "connected"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeErrorEvent   MessageType = "error_event"
	TypePong         MessageType = "pong"
	TypeResync       MessageType = "resync"

	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeReauth      MessageType = "reauth"
	TypePing        MessageType = "ping"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidEvent    = errors.New("invalid event")
)

// EventFrame is the envelope shared by every committed event.
type EventFrame struct {
	Type        MessageType     `json:"type"`
	EventID     string          `json:"event_id"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	IdentityID  string          `json:"identity_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

type StatusData struct {
	TaskID    string       `json:"task_id"`
	Status    tasks.Status `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

type ReorderData struct {
	WorkspaceID string    `json:"workspace_id"`
	TaskIDs     []string  `json:"task_ids"`
	Timestamp   time.Time `json:"timestamp"`
}

type Connected struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	IdentityID string      `json:"identity_id"`
}

type Subscribed struct {
	Type        MessageType `json:"type"`
	WorkspaceID string      `json:"workspace_id"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// Resync tells the client that frames were dropped and its view must be re-fetched.
type Resync struct {
	Type    MessageType `json:"type"`
	Dropped int         `json:"dropped"`
}

type Subscribe struct {
	Type        MessageType `json:"type"`
	WorkspaceID string      `json:"workspace_id"`
}

type Reauth struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type envelope struct {
	Type MessageType `json:"type"`
}

func NewConnected(sessionID, identityID string) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID, IdentityID: identityID}
}

func NewSubscribed(workspaceID string) Subscribed {
	return Subscribed{Type: TypeSubscribed, WorkspaceID: workspaceID}
}

func NewUnsubscribed(workspaceID string) Subscribed {
	return Subscribed{Type: TypeUnsubscribed, WorkspaceID: workspaceID}
}

func NewErrorEvent(code, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, Code: code, Detail: detail}
}

// EncodeFrame marshals a control frame.
func EncodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeEvent renders ev as a wire frame.
func EncodeEvent(ev tasks.MutationEvent) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case tasks.TaskStatusChanged:
		data = StatusData{TaskID: e.TaskID, Status: e.Status, Timestamp: e.Timestamp}
	case tasks.CommentCreated:
		data = e.Comment
	case tasks.AttachmentUploaded:
		data = e.Attachment
	case tasks.TaskReordered:
		ids := e.TaskIDs
		if ids == nil {
			ids = []string{}
		}
		data = ReorderData{WorkspaceID: e.WorkspaceID, TaskIDs: ids, Timestamp: e.Timestamp}
	case tasks.ActivityAppended:
		data = e.Activity
	case tasks.NotificationIssued:
		data = e.Notification
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", ev.Kind(), err)
	}
	meta := ev.Meta()
	return json.Marshal(EventFrame{
		Type:        MessageType(ev.Kind()),
		EventID:     meta.EventID,
		WorkspaceID: meta.WorkspaceID,
		IdentityID:  meta.IdentityID,
		Timestamp:   meta.Timestamp,
		Data:        raw,
	})
}

// DecodeEvent parses and validates an event frame. Anything malformed is rejected with
// ErrInvalidEvent so it never reaches the merge layer.
func DecodeEvent(raw []byte) (tasks.MutationEvent, error) {
	var frame EventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !IsEventType(frame.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, frame.Type)
	}
	if strings.TrimSpace(frame.EventID) == "" {
		return nil, fmt.Errorf("%w: %s without event_id", ErrInvalidEvent, frame.Type)
	}
	if frame.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: %s without timestamp", ErrInvalidEvent, frame.Type)
	}
	if len(frame.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", ErrInvalidEvent, frame.Type)
	}
	meta := tasks.EventMeta{
		EventID:     frame.EventID,
		WorkspaceID: frame.WorkspaceID,
		IdentityID:  frame.IdentityID,
		Timestamp:   frame.Timestamp,
	}
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %s %s", ErrInvalidEvent, frame.Type, reason)
	}

	switch frame.Type {
	case TypeTaskStatusUpdated:
		var d StatusData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, invalid(err.Error())
		}
		if d.TaskID == "" || !d.Status.Valid() {
			return nil, invalid("needs task_id and a known status")
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = frame.Timestamp
		}
		meta.TaskID = d.TaskID
		meta.Timestamp = d.Timestamp
		return tasks.TaskStatusChanged{EventMeta: meta, Status: d.Status}, nil
	case TypeCommentCreated:
		var c tasks.Comment
		if err := json.Unmarshal(frame.Data, &c); err != nil {
			return nil, invalid(err.Error())
		}
		if c.ID == "" || c.TaskID == "" {
			return nil, invalid("needs comment_id and task_id")
		}
		meta.TaskID = c.TaskID
		return tasks.CommentCreated{EventMeta: meta, Comment: c}, nil
	case TypeAttachmentUploaded:
		var a tasks.Attachment
		if err := json.Unmarshal(frame.Data, &a); err != nil {
			return nil, invalid(err.Error())
		}
		if a.ID == "" || a.TaskID == "" {
			return nil, invalid("needs attachment_id and task_id")
		}
		meta.TaskID = a.TaskID
		return tasks.AttachmentUploaded{EventMeta: meta, Attachment: a}, nil
	case TypeTaskReorder:
		var d ReorderData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return nil, invalid(err.Error())
		}
		if d.WorkspaceID == "" {
			d.WorkspaceID = frame.WorkspaceID
		}
		if d.WorkspaceID == "" || len(d.TaskIDs) == 0 {
			return nil, invalid("needs workspace_id and task_ids")
		}
		if !d.Timestamp.IsZero() {
			meta.Timestamp = d.Timestamp
		}
		meta.WorkspaceID = d.WorkspaceID
		return tasks.TaskReordered{EventMeta: meta, TaskIDs: d.TaskIDs}, nil
	case TypeActivityStream:
		var a tasks.Activity
		if err := json.Unmarshal(frame.Data, &a); err != nil {
			return nil, invalid(err.Error())
		}
		if a.ID == "" || a.TaskID == "" {
			return nil, invalid("needs activity_id and task_id")
		}
		meta.TaskID = a.TaskID
		if meta.WorkspaceID == "" {
			meta.WorkspaceID = a.WorkspaceID
		}
		return tasks.ActivityAppended{EventMeta: meta, Activity: a}, nil
	case TypeNotificationUpdate:
		var n tasks.Notification
		if err := json.Unmarshal(frame.Data, &n); err != nil {
			return nil, invalid(err.Error())
		}
		if n.ID == "" {
			return nil, invalid("needs notification_id")
		}
		if meta.IdentityID == "" {
			meta.IdentityID = n.IdentityID
		}
		return tasks.NotificationIssued{EventMeta: meta, Notification: n}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, frame.Type)
	}
}

func IsEventType(t MessageType) bool {
	switch t {
	case TypeNotificationUpdate, TypeCommentCreated, TypeTaskStatusUpdated,
		TypeTaskReorder, TypeActivityStream, TypeAttachmentUploaded:
		return true
	default:
		return false
	}
}

// PeekType reads only the "type" field of a frame.
func PeekType(raw []byte) (MessageType, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	return env.Type, nil
}

// ParseServerMessage decodes a frame received by a client: a tasks.MutationEvent for
// event frames, otherwise one of the control frame structs.
func ParseServerMessage(raw []byte) (any, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	if IsEventType(typ) {
		return DecodeEvent(raw)
	}
	switch typ {
	case TypeConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSubscribed, TypeUnsubscribed:
		var msg Subscribed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		return Pong{Type: TypePong}, nil
	case TypeResync:
		var msg Resync
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSubscribe, TypeUnsubscribe:
		var msg Subscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.WorkspaceID) == "" {
			return nil, fmt.Errorf("invalid %s: workspace_id is required", typ)
		}
		return msg, nil
	case TypeReauth:
		var msg Reauth
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, errors.New("invalid reauth: token is required")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
