package reconcile

import (
	"testing"
	"time"

	"github.com/ent0n29/tasksync/internal/tasks"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(us int) time.Time { return base.Add(time.Duration(us) * time.Microsecond) }

func statusEvent(status tasks.Status, us int) tasks.TaskStatusChanged {
	return tasks.TaskStatusChanged{
		EventMeta: tasks.EventMeta{EventID: "ev-" + string(status), WorkspaceID: "ws-1", TaskID: "task-1", Timestamp: at(us)},
		Status:    status,
	}
}

func seedTask() tasks.Task {
	return tasks.Task{
		ID:              "task-1",
		WorkspaceID:     "ws-1",
		Title:           "Ship it",
		Status:          tasks.StatusPending,
		StatusChangedAt: at(0),
		CreatedAt:       at(0),
		UpdatedAt:       at(0),
	}
}

func TestMergeEventStatusIsIdempotent(t *testing.T) {
	ev := statusEvent(tasks.StatusInProgress, 10)
	once, changed := MergeEvent(seedTask(), ev)
	if !changed {
		t.Fatalf("MergeEvent() changed = false on first apply")
	}
	twice, changed := MergeEvent(once, ev)
	if changed {
		t.Fatalf("MergeEvent() changed = true on duplicate apply")
	}
	if twice.Status != tasks.StatusInProgress || !twice.StatusChangedAt.Equal(at(10)) {
		t.Fatalf("status = %q at %v, want In Progress at %v", twice.Status, twice.StatusChangedAt, at(10))
	}
}

func TestMergeEventOutOfOrderDeliveryConverges(t *testing.T) {
	older := statusEvent(tasks.StatusInProgress, 10)
	newer := statusEvent(tasks.StatusCompleted, 20)

	inOrder, _ := MergeEvent(seedTask(), older)
	inOrder, _ = MergeEvent(inOrder, newer)

	reversed, _ := MergeEvent(seedTask(), newer)
	reversed, changed := MergeEvent(reversed, older)
	if changed {
		t.Fatalf("stale event changed the task")
	}
	if inOrder.Status != reversed.Status || inOrder.Status != tasks.StatusCompleted {
		t.Fatalf("in order = %q, reversed = %q, want Completed", inOrder.Status, reversed.Status)
	}
}

func TestStatusNewerBreaksTiesDeterministically(t *testing.T) {
	a := StatusNewer(at(5), tasks.StatusOnHold, at(5), tasks.StatusCancelled)
	b := StatusNewer(at(5), tasks.StatusCancelled, at(5), tasks.StatusOnHold)
	if a == b {
		t.Fatalf("tie break not antisymmetric: %v %v", a, b)
	}
}

func TestMergeEventCommentDedupAndOrdering(t *testing.T) {
	task := seedTask()
	late := tasks.Comment{ID: "c-2", TaskID: "task-1", Content: "second", CreatedAt: at(20)}
	early := tasks.Comment{ID: "c-1", TaskID: "task-1", Content: "first", CreatedAt: at(10)}

	task, _ = MergeEvent(task, tasks.CommentCreated{EventMeta: tasks.EventMeta{TaskID: "task-1"}, Comment: late})
	task, _ = MergeEvent(task, tasks.CommentCreated{EventMeta: tasks.EventMeta{TaskID: "task-1"}, Comment: early})
	task, changed := MergeEvent(task, tasks.CommentCreated{EventMeta: tasks.EventMeta{TaskID: "task-1"}, Comment: late})
	if changed {
		t.Fatalf("duplicate comment changed the task")
	}
	if len(task.Comments) != 2 || task.Comments[0].ID != "c-1" || task.Comments[1].ID != "c-2" {
		t.Fatalf("comments = %+v, want c-1 then c-2", task.Comments)
	}
}

func TestMergeEventActivityMostRecentFirst(t *testing.T) {
	task := seedTask()
	for i, id := range []string{"a-1", "a-3", "a-2"} {
		us := map[string]int{"a-1": 1, "a-2": 2, "a-3": 3}[id]
		var changed bool
		task, changed = MergeEvent(task, tasks.ActivityAppended{
			EventMeta: tasks.EventMeta{TaskID: "task-1"},
			Activity:  tasks.Activity{ID: id, TaskID: "task-1", CreatedAt: at(us)},
		})
		if !changed {
			t.Fatalf("apply %d: changed = false", i)
		}
	}
	got := []string{task.ActivityLog[0].ID, task.ActivityLog[1].ID, task.ActivityLog[2].ID}
	if got[0] != "a-3" || got[1] != "a-2" || got[2] != "a-1" {
		t.Fatalf("activity order = %v, want [a-3 a-2 a-1]", got)
	}
}

func TestMergeTaskIsCommutative(t *testing.T) {
	a := seedTask()
	a.Status = tasks.StatusInProgress
	a.StatusChangedAt = at(30)
	a.UpdatedAt = at(30)
	a.Comments = []tasks.Comment{{ID: "c-1", CreatedAt: at(5)}}

	b := seedTask()
	b.Title = "Ship it today"
	b.Status = tasks.StatusOnHold
	b.StatusChangedAt = at(20)
	b.UpdatedAt = at(40)
	b.Comments = []tasks.Comment{{ID: "c-2", CreatedAt: at(6)}}

	ab := MergeTask(a, b)
	ba := MergeTask(b, a)
	if ab.Status != ba.Status || ab.Status != tasks.StatusInProgress {
		t.Fatalf("status ab = %q ba = %q, want In Progress", ab.Status, ba.Status)
	}
	if ab.Title != ba.Title || ab.Title != "Ship it today" {
		t.Fatalf("title ab = %q ba = %q", ab.Title, ba.Title)
	}
	if len(ab.Comments) != 2 || len(ba.Comments) != 2 {
		t.Fatalf("comments ab = %d ba = %d, want 2", len(ab.Comments), len(ba.Comments))
	}
	if !ab.UpdatedAt.Equal(at(40)) || !ba.UpdatedAt.Equal(at(40)) {
		t.Fatalf("updated_at not the max")
	}
}

func TestMergeOrderKeepsNewest(t *testing.T) {
	older := tasks.WorkspaceOrder{WorkspaceID: "ws-1", TaskIDs: []string{"a", "b"}, UpdatedAt: at(1)}
	newer := tasks.WorkspaceOrder{WorkspaceID: "ws-1", TaskIDs: []string{"b", "a"}, UpdatedAt: at(2)}
	if got := MergeOrder(newer, older); got.TaskIDs[0] != "b" {
		t.Fatalf("MergeOrder() regressed to %v", got.TaskIDs)
	}
	if got := MergeOrder(older, newer); got.TaskIDs[0] != "b" {
		t.Fatalf("MergeOrder() = %v, want [b a]", got.TaskIDs)
	}
}

func TestMergeNotificationStaysRead(t *testing.T) {
	read := tasks.Notification{ID: "n-1", Message: "hi", IsRead: true, CreatedAt: at(1)}
	unread := tasks.Notification{ID: "n-1", Message: "hi", CreatedAt: at(1)}
	if got := MergeNotification(read, unread); !got.IsRead {
		t.Fatalf("MergeNotification() flipped back to unread")
	}
	if got := MergeNotification(unread, read); !got.IsRead {
		t.Fatalf("MergeNotification() ignored read flag")
	}
}
