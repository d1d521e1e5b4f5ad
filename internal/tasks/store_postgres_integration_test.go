//go:build integration

package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/policy"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tasksync"),
		tcpostgres.WithUsername("tasksync"),
		tcpostgres.WithPassword("tasksync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	mgr := NewManager(store, nil)
	ws, err := mgr.CreateWorkspace(ctx, owner, "Integration")
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	if err := mgr.AddMember(ctx, owner, ws.ID, member.ID); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	rel, err := store.Relationship(ctx, ws.ID, member.ID)
	if err != nil || rel != policy.RelationMember {
		t.Fatalf("Relationship() = %q, %v, want member", rel, err)
	}

	task, err := mgr.CreateTask(ctx, member, ws.ID, TaskInput{Title: "Persist me", Tags: []string{"db"}})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	changed, err := mgr.ChangeStatus(ctx, member, task.ID, "In Progress")
	if err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	comment, err := mgr.AddComment(ctx, member, task.ID, CommentInput{Content: "first"})
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if _, err := mgr.ToggleFavorite(ctx, member, task.ID); err != nil {
		t.Fatalf("ToggleFavorite() error = %v", err)
	}

	stored, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Status != StatusInProgress || !stored.StatusChangedAt.Equal(changed.StatusChangedAt) {
		t.Fatalf("stored status = %q@%v, want In Progress@%v", stored.Status, stored.StatusChangedAt, changed.StatusChangedAt)
	}
	if len(stored.Comments) != 1 || stored.Comments[0].ID != comment.ID {
		t.Fatalf("comments = %+v", stored.Comments)
	}
	if len(stored.ActivityLog) != 4 || stored.ActivityLog[0].Action != ActivityFavorited {
		t.Fatalf("activity = %+v, want 4 entries newest first", stored.ActivityLog)
	}
	if len(stored.Tags) != 1 || stored.Tags[0] != "db" {
		t.Fatalf("tags = %v", stored.Tags)
	}

	order, err := mgr.Reorder(ctx, member, ws.ID, []string{task.ID})
	if err != nil {
		t.Fatalf("Reorder() error = %v", err)
	}
	got, err := store.GetOrder(ctx, ws.ID)
	if err != nil || !got.UpdatedAt.Equal(order.UpdatedAt) || got.TaskIDs[0] != task.ID {
		t.Fatalf("GetOrder() = %+v, %v", got, err)
	}

	if _, err := mgr.ChangeStatus(ctx, member, "missing", "Completed"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("ChangeStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreNotifications(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	mgr := NewManager(store, nil)

	n, err := mgr.IssueNotification(ctx, admin, member.ID, NotificationInput{Type: "export", Message: "ready"})
	if err != nil {
		t.Fatalf("IssueNotification() error = %v", err)
	}
	if _, err := mgr.MarkNotificationRead(ctx, member, n.ID); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	list, err := store.ListNotifications(ctx, member.ID, 10)
	if err != nil || len(list) != 1 || !list[0].IsRead {
		t.Fatalf("ListNotifications() = %+v, %v", list, err)
	}
}
