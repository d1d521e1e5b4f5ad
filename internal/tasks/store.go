package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/tasksync/internal/policy"
)

var ErrStoreNotFound = errors.New("record not found in store")

// Store is the storage collaborator. Every write that takes an Activity commits the
// change, the activity row and the task's updated_at bump as one unit.
type Store interface {
	CreateWorkspace(ctx context.Context, ws Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	AddMember(ctx context.Context, workspaceID, identityID string) error
	Relationship(ctx context.Context, workspaceID, identityID string) (policy.Relationship, error)

	CreateTask(ctx context.Context, task Task, act Activity) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, workspaceID string) ([]Task, error)
	TaskIDs(ctx context.Context, workspaceID string) ([]string, error)
	UpdateStatus(ctx context.Context, taskID string, status Status, at time.Time, act Activity) error

	FindComment(ctx context.Context, commentID string) (Comment, error)
	InsertComment(ctx context.Context, c Comment, act Activity) error
	FindAttachment(ctx context.Context, attachmentID string) (Attachment, error)
	InsertAttachment(ctx context.Context, a Attachment, act Activity) error
	IsFavorite(ctx context.Context, taskID, identityID string) (bool, error)
	SetFavorite(ctx context.Context, taskID, identityID string, favorite bool, act Activity) error

	GetOrder(ctx context.Context, workspaceID string) (WorkspaceOrder, error)
	SaveOrder(ctx context.Context, order WorkspaceOrder) error

	GetNotification(ctx context.Context, notificationID string) (Notification, error)
	SaveNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, identityID string, limit int) ([]Notification, error)

	Close() error
}
