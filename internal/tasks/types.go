package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/tasksync/internal/apperr"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusOnHold     Status = "On Hold"
	StatusCancelled  Status = "Cancelled"
)

var validStatuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusOnHold, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range validStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus accepts only the exact members of the closed status set.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("%w: status %q is not one of Pending, In Progress, Completed, On Hold, Cancelled", apperr.ErrValidation, raw)
	}
	return s, nil
}

type ActivityAction string

const (
	ActivityTaskCreated        ActivityAction = "task_created"
	ActivityStatusChanged      ActivityAction = "status_changed"
	ActivityCommentAdded       ActivityAction = "comment_added"
	ActivityAttachmentUploaded ActivityAction = "attachment_uploaded"
	ActivityFavorited          ActivityAction = "favorited"
	ActivityUnfavorited        ActivityAction = "unfavorited"
)

type Workspace struct {
	ID        string    `json:"workspace_id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID              string       `json:"task_id"`
	WorkspaceID     string       `json:"workspace_id"`
	Title           string       `json:"title"`
	Status          Status       `json:"status"`
	Priority        string       `json:"priority,omitempty"`
	AssignedTo      string       `json:"assigned_to,omitempty"`
	Tags            []string     `json:"tags"`
	Comments        []Comment    `json:"comments"`
	Attachments     []Attachment `json:"attachments"`
	ActivityLog     []Activity   `json:"activity_log"`
	StatusChangedAt time.Time    `json:"status_changed_at"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type Comment struct {
	ID        string    `json:"comment_id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Attachment struct {
	ID          string    `json:"attachment_id"`
	TaskID      string    `json:"task_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	StorageKey  string    `json:"storage_key,omitempty"`
	UploadedBy  string    `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type Activity struct {
	ID          string         `json:"activity_id"`
	TaskID      string         `json:"task_id"`
	WorkspaceID string         `json:"workspace_id"`
	ActorID     string         `json:"actor_id"`
	Action      ActivityAction `json:"action"`
	Detail      string         `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Notification struct {
	ID         string    `json:"notification_id"`
	IdentityID string    `json:"identity_id,omitempty"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkspaceOrder is the last committed manual ordering of a workspace view.
type WorkspaceOrder struct {
	WorkspaceID string    `json:"workspace_id"`
	TaskIDs     []string  `json:"task_ids"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is the full re-fetch payload for one workspace.
type Snapshot struct {
	Workspace Workspace      `json:"workspace"`
	Order     WorkspaceOrder `json:"order"`
	Tasks     []Task         `json:"tasks"`
	FetchedAt time.Time      `json:"fetched_at"`
}

type TaskInput struct {
	Title      string   `json:"title"`
	Priority   string   `json:"priority,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type CommentInput struct {
	ID      string `json:"comment_id,omitempty"`
	Content string `json:"content"`
}

type AttachmentInput struct {
	ID          string `json:"attachment_id,omitempty"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageKey  string `json:"storage_key,omitempty"`
}

type NotificationInput struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (t Task) Clone() Task {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	out.Comments = append([]Comment(nil), t.Comments...)
	out.Attachments = append([]Attachment(nil), t.Attachments...)
	out.ActivityLog = append([]Activity(nil), t.ActivityLog...)
	return out
}

func (o WorkspaceOrder) Clone() WorkspaceOrder {
	out := o
	out.TaskIDs = append([]string(nil), o.TaskIDs...)
	return out
}

// normalizeTags trims, drops empties and keeps the first occurrence of each tag.
func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, tag := range in {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
