package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/tasksync/internal/tasks"
)

var at = time.Date(2026, 5, 4, 10, 30, 0, 123456000, time.UTC)

func meta() tasks.EventMeta {
	return tasks.EventMeta{EventID: "e1", WorkspaceID: "w1", TaskID: "t1", IdentityID: "u1", Timestamp: at}
}

func TestEncodeStatusEventWireShape(t *testing.T) {
	raw, err := EncodeEvent(tasks.TaskStatusChanged{EventMeta: meta(), Status: tasks.StatusCompleted})
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame["type"] != "task_status_updated" || frame["event_id"] != "e1" || frame["workspace_id"] != "w1" {
		t.Fatalf("frame = %v", frame)
	}
	data := frame["data"].(map[string]any)
	if data["task_id"] != "t1" || data["status"] != "Completed" {
		t.Fatalf("data = %v", data)
	}
	if _, ok := data["timestamp"]; !ok {
		t.Fatalf("data missing timestamp: %v", data)
	}
}

func TestEncodeDecodeEveryVariant(t *testing.T) {
	events := []tasks.MutationEvent{
		tasks.TaskStatusChanged{EventMeta: meta(), Status: tasks.StatusOnHold},
		tasks.CommentCreated{EventMeta: meta(), Comment: tasks.Comment{ID: "c1", TaskID: "t1", AuthorID: "u1", Content: "hi", CreatedAt: at}},
		tasks.AttachmentUploaded{EventMeta: meta(), Attachment: tasks.Attachment{ID: "a1", TaskID: "t1", FileName: "x.png", CreatedAt: at}},
		tasks.TaskReordered{EventMeta: tasks.EventMeta{EventID: "e2", WorkspaceID: "w1", Timestamp: at}, TaskIDs: []string{"t2", "t1"}},
		tasks.ActivityAppended{EventMeta: meta(), Activity: tasks.Activity{ID: "act1", TaskID: "t1", WorkspaceID: "w1", Action: tasks.ActivityCommentAdded, CreatedAt: at}},
		tasks.NotificationIssued{EventMeta: tasks.EventMeta{EventID: "e3", IdentityID: "u1", Timestamp: at}, Notification: tasks.Notification{ID: "n1", IdentityID: "u1", Type: "export", CreatedAt: at}},
	}
	for _, ev := range events {
		raw, err := EncodeEvent(ev)
		if err != nil {
			t.Fatalf("EncodeEvent(%s) error = %v", ev.Kind(), err)
		}
		got, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("DecodeEvent(%s) error = %v", ev.Kind(), err)
		}
		if got.Kind() != ev.Kind() {
			t.Fatalf("Kind() = %q, want %q", got.Kind(), ev.Kind())
		}
		if !got.Meta().Timestamp.Equal(at) || got.Meta().EventID != ev.Meta().EventID {
			t.Fatalf("%s meta = %+v, want %+v", ev.Kind(), got.Meta(), ev.Meta())
		}
		if scope, target := tasks.AudienceOf(got); target == "" {
			t.Fatalf("%s audience = %v/%q, want non-empty", ev.Kind(), scope, target)
		}
	}
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"no event id":     `{"type":"comment_created","timestamp":"2026-01-01T00:00:00Z","data":{"comment_id":"c","task_id":"t"}}`,
		"no timestamp":    `{"type":"comment_created","event_id":"e","data":{"comment_id":"c","task_id":"t"}}`,
		"no data":         `{"type":"comment_created","event_id":"e","timestamp":"2026-01-01T00:00:00Z"}`,
		"bad status":      `{"type":"task_status_updated","event_id":"e","timestamp":"2026-01-01T00:00:00Z","data":{"task_id":"t","status":"Done"}}`,
		"comment no task": `{"type":"comment_created","event_id":"e","timestamp":"2026-01-01T00:00:00Z","data":{"comment_id":"c"}}`,
		"empty reorder":   `{"type":"task_reorder","event_id":"e","workspace_id":"w","timestamp":"2026-01-01T00:00:00Z","data":{"task_ids":[]}}`,
	}
	for name, raw := range cases {
		if _, err := DecodeEvent([]byte(raw)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: error = %v, want ErrInvalidEvent", name, err)
		}
	}
	if _, err := DecodeEvent([]byte(`{"type":"wat","event_id":"e"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("unknown type error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","workspace_id":"w1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	sub, ok := msg.(Subscribe)
	if !ok || sub.Type != TypeSubscribe || sub.WorkspaceID != "w1" {
		t.Fatalf("message = %#v, want subscribe w1", msg)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"reauth","token":"abc"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(reauth) error = %v", err)
	}
	if r := msg.(Reauth); r.Token != "abc" {
		t.Fatalf("Token = %q, want %q", r.Token, "abc")
	}

	if _, err := ParseClientMessage([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("ParseClientMessage(ping) error = %v", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"unsubscribe"}`)); err == nil || !strings.Contains(err.Error(), "workspace_id") {
		t.Fatalf("unsubscribe without workspace error = %v", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseServerMessage(t *testing.T) {
	raw, _ := EncodeFrame(NewConnected("s1", "u1"))
	msg, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	if c := msg.(Connected); c.SessionID != "s1" || c.IdentityID != "u1" {
		t.Fatalf("connected = %+v", c)
	}

	raw, _ = EncodeFrame(NewErrorEvent("forbidden", "not a member"))
	msg, _ = ParseServerMessage(raw)
	if e := msg.(ErrorEvent); e.Code != "forbidden" {
		t.Fatalf("error event = %+v", e)
	}

	raw, _ = EncodeEvent(tasks.TaskStatusChanged{EventMeta: meta(), Status: tasks.StatusPending})
	msg, _ = ParseServerMessage(raw)
	if _, ok := msg.(tasks.TaskStatusChanged); !ok {
		t.Fatalf("message = %T, want TaskStatusChanged", msg)
	}
}
