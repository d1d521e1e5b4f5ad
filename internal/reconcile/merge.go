// Package reconcile holds the client-side view of tasks and the merge rules that make
// applying results, events and snapshots idempotent and order independent.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/ent0n29/tasksync/internal/tasks"
)

// StatusNewer reports whether (bAt, b) wins over (aAt, a). Equal timestamps are
// broken by the status string so that every replica picks the same winner.
func StatusNewer(aAt time.Time, a tasks.Status, bAt time.Time, b tasks.Status) bool {
	if bAt.Equal(aAt) {
		return b > a
	}
	return bAt.After(aAt)
}

// MergeTask combines two copies of the same task.
func MergeTask(local, incoming tasks.Task) tasks.Task {
	if local.ID == "" {
		out := incoming.Clone()
		out.Comments = unionComments(nil, incoming.Comments)
		out.Attachments = unionAttachments(nil, incoming.Attachments)
		out.ActivityLog = unionActivity(nil, incoming.ActivityLog)
		return out
	}
	out := local.Clone()
	if !incoming.UpdatedAt.Before(local.UpdatedAt) && incoming.ID != "" {
		out.Title = incoming.Title
		out.Priority = incoming.Priority
		out.AssignedTo = incoming.AssignedTo
		out.Tags = append([]string(nil), incoming.Tags...)
		if out.WorkspaceID == "" {
			out.WorkspaceID = incoming.WorkspaceID
		}
	}
	if StatusNewer(local.StatusChangedAt, local.Status, incoming.StatusChangedAt, incoming.Status) {
		out.Status = incoming.Status
		out.StatusChangedAt = incoming.StatusChangedAt
	}
	out.Comments = unionComments(local.Comments, incoming.Comments)
	out.Attachments = unionAttachments(local.Attachments, incoming.Attachments)
	out.ActivityLog = unionActivity(local.ActivityLog, incoming.ActivityLog)
	out.UpdatedAt = maxTime(local.UpdatedAt, incoming.UpdatedAt)
	if out.CreatedAt.IsZero() || (!incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = incoming.CreatedAt
	}
	return out
}

// MergeEvent applies one task-scoped event to task and reports whether anything
// changed. Reorder and notification events do not touch a task.
func MergeEvent(task tasks.Task, ev tasks.MutationEvent) (tasks.Task, bool) {
	out := task.Clone()
	switch e := ev.(type) {
	case tasks.TaskStatusChanged:
		if !StatusNewer(out.StatusChangedAt, out.Status, e.Timestamp, e.Status) {
			return task, false
		}
		out.Status = e.Status
		out.StatusChangedAt = e.Timestamp
		out.UpdatedAt = maxTime(out.UpdatedAt, e.Timestamp)
	case tasks.CommentCreated:
		if containsComment(out.Comments, e.Comment.ID) {
			return task, false
		}
		out.Comments = unionComments(out.Comments, []tasks.Comment{e.Comment})
		out.UpdatedAt = maxTime(out.UpdatedAt, e.Comment.CreatedAt)
	case tasks.AttachmentUploaded:
		if containsAttachment(out.Attachments, e.Attachment.ID) {
			return task, false
		}
		out.Attachments = unionAttachments(out.Attachments, []tasks.Attachment{e.Attachment})
		out.UpdatedAt = maxTime(out.UpdatedAt, e.Attachment.CreatedAt)
	case tasks.ActivityAppended:
		for _, a := range out.ActivityLog {
			if a.ID == e.Activity.ID {
				return task, false
			}
		}
		out.ActivityLog = unionActivity(out.ActivityLog, []tasks.Activity{e.Activity})
		out.UpdatedAt = maxTime(out.UpdatedAt, e.Activity.CreatedAt)
	default:
		return task, false
	}
	return out, true
}

// MergeOrder keeps the most recently committed order.
func MergeOrder(local, incoming tasks.WorkspaceOrder) tasks.WorkspaceOrder {
	if local.WorkspaceID == "" {
		return incoming.Clone()
	}
	if incoming.UpdatedAt.After(local.UpdatedAt) {
		return incoming.Clone()
	}
	if incoming.UpdatedAt.Equal(local.UpdatedAt) &&
		strings.Join(incoming.TaskIDs, ",") > strings.Join(local.TaskIDs, ",") {
		return incoming.Clone()
	}
	return local.Clone()
}

// MergeNotification upserts by id. Once read, a notification stays read.
func MergeNotification(local, incoming tasks.Notification) tasks.Notification {
	if local.ID == "" {
		return incoming
	}
	out := incoming
	if out.Type == "" {
		out.Type = local.Type
	}
	if out.Message == "" {
		out.Message = local.Message
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.IdentityID == "" {
		out.IdentityID = local.IdentityID
	}
	out.IsRead = local.IsRead || incoming.IsRead
	return out
}

func unionComments(a, b []tasks.Comment) []tasks.Comment {
	byID := make(map[string]tasks.Comment, len(a)+len(b))
	for _, c := range a {
		byID[c.ID] = c
	}
	for _, c := range b {
		if _, ok := byID[c.ID]; !ok {
			byID[c.ID] = c
		}
	}
	out := make([]tasks.Comment, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return ascending(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out
}

func unionAttachments(a, b []tasks.Attachment) []tasks.Attachment {
	byID := make(map[string]tasks.Attachment, len(a)+len(b))
	for _, x := range a {
		byID[x.ID] = x
	}
	for _, x := range b {
		if _, ok := byID[x.ID]; !ok {
			byID[x.ID] = x
		}
	}
	out := make([]tasks.Attachment, 0, len(byID))
	for _, x := range byID {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool {
		return ascending(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out
}

// unionActivity keeps the log most recent first.
func unionActivity(a, b []tasks.Activity) []tasks.Activity {
	byID := make(map[string]tasks.Activity, len(a)+len(b))
	for _, x := range a {
		byID[x.ID] = x
	}
	for _, x := range b {
		if _, ok := byID[x.ID]; !ok {
			byID[x.ID] = x
		}
	}
	out := make([]tasks.Activity, 0, len(byID))
	for _, x := range byID {
		out = append(out, x)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func containsComment(list []tasks.Comment, id string) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}

func containsAttachment(list []tasks.Attachment, id string) bool {
	for _, a := range list {
		if a.ID == id {
			return true
		}
	}
	return false
}

func ascending(at time.Time, aid string, bt time.Time, bid string) bool {
	if at.Equal(bt) {
		return aid < bid
	}
	return at.Before(bt)
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
