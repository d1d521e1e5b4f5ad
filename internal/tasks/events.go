package tasks

import "time"

// EventKind doubles as the wire event name.
type EventKind string

const (
	KindTaskStatusChanged  EventKind = "task_status_updated"
	KindCommentCreated     EventKind = "comment_created"
	KindAttachmentUploaded EventKind = "attachment_uploaded"
	KindTaskReordered      EventKind = "task_reorder"
	KindActivityAppended   EventKind = "activity/stream"
	KindNotificationIssued EventKind = "notification_update"
)

// EventMeta is carried by every committed event. WorkspaceID addresses task-scoped
// events, IdentityID addresses identity-scoped ones.
type EventMeta struct {
	EventID     string
	WorkspaceID string
	TaskID      string
	IdentityID  string
	Timestamp   time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// MutationEvent is the closed set of committed mutations published to subscribers.
// Values are immutable once published.
type MutationEvent interface {
	Kind() EventKind
	Meta() EventMeta
	mutationEvent()
}

type TaskStatusChanged struct {
	EventMeta
	Status Status
}

type CommentCreated struct {
	EventMeta
	Comment Comment
}

type AttachmentUploaded struct {
	EventMeta
	Attachment Attachment
}

// TaskReordered carries the complete ordered id list so every receiver reproduces
// the same order without prior state.
type TaskReordered struct {
	EventMeta
	TaskIDs []string
}

type ActivityAppended struct {
	EventMeta
	Activity Activity
}

type NotificationIssued struct {
	EventMeta
	Notification Notification
}

func (TaskStatusChanged) Kind() EventKind  { return KindTaskStatusChanged }
func (CommentCreated) Kind() EventKind     { return KindCommentCreated }
func (AttachmentUploaded) Kind() EventKind { return KindAttachmentUploaded }
func (TaskReordered) Kind() EventKind      { return KindTaskReordered }
func (ActivityAppended) Kind() EventKind   { return KindActivityAppended }
func (NotificationIssued) Kind() EventKind { return KindNotificationIssued }

func (TaskStatusChanged) mutationEvent()  {}
func (CommentCreated) mutationEvent()     {}
func (AttachmentUploaded) mutationEvent() {}
func (TaskReordered) mutationEvent()      {}
func (ActivityAppended) mutationEvent()   {}
func (NotificationIssued) mutationEvent() {}

type Scope int

const (
	ScopeWorkspace Scope = iota
	ScopeIdentity
)

// AudienceOf reports who receives ev: workspace subscribers, or the sessions of one identity.
func AudienceOf(ev MutationEvent) (Scope, string) {
	if _, ok := ev.(NotificationIssued); ok {
		return ScopeIdentity, ev.Meta().IdentityID
	}
	return ScopeWorkspace, ev.Meta().WorkspaceID
}

// Publisher receives committed events. Implementations must not block on subscribers.
type Publisher interface {
	Publish(ev MutationEvent)
}

type PublisherFunc func(ev MutationEvent)

func (f PublisherFunc) Publish(ev MutationEvent) { f(ev) }
