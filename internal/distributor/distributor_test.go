package distributor

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/session"
	"github.com/ent0n29/tasksync/internal/tasks"
)

func statusEvent(id string, status tasks.Status, at time.Time) tasks.TaskStatusChanged {
	return tasks.TaskStatusChanged{
		EventMeta: tasks.EventMeta{EventID: id, WorkspaceID: "w1", TaskID: "t1", IdentityID: "u1", Timestamp: at},
		Status:    status,
	}
}

func drainEvents(t *testing.T, s *session.Session) []tasks.MutationEvent {
	t.Helper()
	frames, _ := s.Outbox.Drain()
	out := make([]tasks.MutationEvent, 0, len(frames))
	for _, f := range frames {
		ev, err := protocol.DecodeEvent(f)
		if err != nil {
			t.Fatalf("DecodeEvent() error = %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestPublishKeepsOrderPerSubscriber(t *testing.T) {
	reg := session.NewRegistry(time.Minute, 64, nil)
	a := reg.Register(auth.Identity{ID: "a"})
	b := reg.Register(auth.Identity{ID: "b"})
	outsider := reg.Register(auth.Identity{ID: "c"})
	_ = reg.Subscribe(a.ID, "w1")
	_ = reg.Subscribe(b.ID, "w1")

	d := New(reg)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := []tasks.Status{tasks.StatusInProgress, tasks.StatusOnHold, tasks.StatusCompleted}
	for i, st := range statuses {
		d.Publish(statusEvent(string(rune('x'+i)), st, base.Add(time.Duration(i)*time.Second)))
	}

	for _, s := range []*session.Session{a, b} {
		events := drainEvents(t, s)
		if len(events) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(events))
		}
		for i, ev := range events {
			if got := ev.(tasks.TaskStatusChanged).Status; got != statuses[i] {
				t.Fatalf("events[%d].Status = %q, want %q", i, got, statuses[i])
			}
		}
	}
	if outsider.Outbox.Len() != 0 {
		t.Fatalf("unsubscribed session received %d frames", outsider.Outbox.Len())
	}
}

func TestPublishNotificationOnlyToIdentity(t *testing.T) {
	reg := session.NewRegistry(time.Minute, 8, nil)
	target := reg.Register(auth.Identity{ID: "u1"})
	other := reg.Register(auth.Identity{ID: "u2"})
	_ = reg.Subscribe(other.ID, "w1")

	New(reg).Publish(tasks.NotificationIssued{
		EventMeta:    tasks.EventMeta{EventID: "n-ev", IdentityID: "u1", Timestamp: time.Now()},
		Notification: tasks.Notification{ID: "n1", IdentityID: "u1", Type: "export", Message: "ready"},
	})
	if target.Outbox.Len() != 1 || other.Outbox.Len() != 0 {
		t.Fatalf("lens = %d, %d, want 1, 0", target.Outbox.Len(), other.Outbox.Len())
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	reg := session.NewRegistry(time.Minute, 2, nil)
	slow := reg.Register(auth.Identity{ID: "slow"})
	_ = reg.Subscribe(slow.ID, "w1")
	d := New(reg)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(statusEvent("e", tasks.StatusPending, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	frames, dropped := slow.Outbox.Drain()
	if len(frames) != 2 || dropped != 98 {
		t.Fatalf("frames = %d, dropped = %d, want 2, 98", len(frames), dropped)
	}
}

func TestCloseMakesPublishNoop(t *testing.T) {
	reg := session.NewRegistry(time.Minute, 8, nil)
	s := reg.Register(auth.Identity{ID: "a"})
	_ = reg.Subscribe(s.ID, "w1")
	d := New(reg)
	d.Close()
	d.Publish(statusEvent("e", tasks.StatusPending, time.Now()))
	if s.Outbox.Len() != 0 {
		t.Fatalf("frames after Close = %d, want 0", s.Outbox.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
