package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/policy"
)

const (
	tracerName = "github.com/ent0n29/tasksync/internal/tasks"

	maxCommentRunes  = 5000
	maxTitleRunes    = 200
	maxFileNameRunes = 255
	activityExcerpt  = 80
)

// Manager is the single authority for task mutations. Each mutation is authorized,
// validated, written as one unit and then published, all while holding the lock for
// the key it touches.
type Manager struct {
	store     Store
	publisher Publisher
	metrics   *observability.Metrics
	tracer    trace.Tracer
	locks     *keyedLocks
	now       func() time.Time
}

type Option func(*Manager)

func WithMetrics(m *observability.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(mgr *Manager) { mgr.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the wall clock. Tests use it to force timestamp collisions.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

func NewManager(store Store, publisher Publisher, opts ...Option) *Manager {
	if publisher == nil {
		publisher = PublisherFunc(func(MutationEvent) {})
	}
	m := &Manager{
		store:     store,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
		locks:     newKeyedLocks(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) ChangeStatus(ctx context.Context, id auth.Identity, taskID, rawStatus string) (task Task, err error) {
	ctx, done := m.begin(ctx, string(KindTaskStatusChanged), attribute.String("task.id", taskID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "task:"+taskID)
	if err != nil {
		return Task{}, err
	}
	defer unlock()

	task, err = m.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if err := m.authorize(ctx, id, task.WorkspaceID, policy.ActionChangeStatus); err != nil {
		return Task{}, err
	}
	status, err := ParseStatus(rawStatus)
	if err != nil {
		return Task{}, err
	}

	at := m.stamp(task.UpdatedAt)
	act := m.activity(task, id, ActivityStatusChanged, fmt.Sprintf("%s -> %s", task.Status, status), at)
	started := time.Now()
	if err := m.store.UpdateStatus(ctx, task.ID, status, at, act); err != nil {
		return Task{}, m.writeErr("update status", err)
	}
	m.metrics.ObserveStage("commit", time.Since(started))

	task.Status = status
	task.StatusChangedAt = at
	task.UpdatedAt = at
	task.ActivityLog = append([]Activity{act}, task.ActivityLog...)

	meta := m.meta(task.WorkspaceID, task.ID, id.ID, at)
	m.publish(TaskStatusChanged{EventMeta: meta, Status: status})
	m.publish(ActivityAppended{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Activity: act})

	log.WithFields(log.Fields{
		"task_id":     task.ID,
		"identity_id": id.ID,
		"status":      status,
	}).Debug("task status changed")
	return task, nil
}

// AddComment stores a comment. A repeated client-supplied comment id returns the stored
// comment without writing or publishing again.
func (m *Manager) AddComment(ctx context.Context, id auth.Identity, taskID string, in CommentInput) (c Comment, err error) {
	ctx, done := m.begin(ctx, string(KindCommentCreated), attribute.String("task.id", taskID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "task:"+taskID)
	if err != nil {
		return Comment{}, err
	}
	defer unlock()

	task, err := m.loadTask(ctx, taskID)
	if err != nil {
		return Comment{}, err
	}
	if err := m.authorize(ctx, id, task.WorkspaceID, policy.ActionComment); err != nil {
		return Comment{}, err
	}
	commentID, err := clientID(in.ID, "comment_id")
	if err != nil {
		return Comment{}, err
	}
	content := strings.TrimSpace(in.Content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxCommentRunes {
		return Comment{}, fmt.Errorf("%w: content must be 1..%d characters", apperr.ErrValidation, maxCommentRunes)
	}
	if existing, found, err := m.findComment(ctx, commentID, task.ID); err != nil || found {
		return existing, err
	}

	at := m.stamp(task.UpdatedAt)
	c = Comment{
		ID:        commentID,
		TaskID:    task.ID,
		AuthorID:  id.ID,
		Content:   content,
		CreatedAt: at,
	}
	act := m.activity(task, id, ActivityCommentAdded, policy.Excerpt(content, activityExcerpt), at)
	started := time.Now()
	if err := m.store.InsertComment(ctx, c, act); err != nil {
		return Comment{}, m.writeErr("insert comment", err)
	}
	m.metrics.ObserveStage("commit", time.Since(started))

	m.publish(CommentCreated{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Comment: c})
	m.publish(ActivityAppended{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Activity: act})
	return c, nil
}

// AddAttachment records attachment metadata. The bytes live elsewhere under StorageKey.
func (m *Manager) AddAttachment(ctx context.Context, id auth.Identity, taskID string, in AttachmentInput) (a Attachment, err error) {
	ctx, done := m.begin(ctx, string(KindAttachmentUploaded), attribute.String("task.id", taskID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "task:"+taskID)
	if err != nil {
		return Attachment{}, err
	}
	defer unlock()

	task, err := m.loadTask(ctx, taskID)
	if err != nil {
		return Attachment{}, err
	}
	if err := m.authorize(ctx, id, task.WorkspaceID, policy.ActionAttach); err != nil {
		return Attachment{}, err
	}
	attachmentID, err := clientID(in.ID, "attachment_id")
	if err != nil {
		return Attachment{}, err
	}
	name := strings.TrimSpace(in.FileName)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxFileNameRunes {
		return Attachment{}, fmt.Errorf("%w: file_name must be 1..%d characters", apperr.ErrValidation, maxFileNameRunes)
	}
	if in.SizeBytes < 0 {
		return Attachment{}, fmt.Errorf("%w: size_bytes must not be negative", apperr.ErrValidation)
	}
	if existing, found, err := m.findAttachment(ctx, attachmentID, task.ID); err != nil || found {
		return existing, err
	}

	at := m.stamp(task.UpdatedAt)
	a = Attachment{
		ID:          attachmentID,
		TaskID:      task.ID,
		FileName:    name,
		ContentType: strings.TrimSpace(in.ContentType),
		SizeBytes:   in.SizeBytes,
		StorageKey:  strings.TrimSpace(in.StorageKey),
		UploadedBy:  id.ID,
		CreatedAt:   at,
	}
	act := m.activity(task, id, ActivityAttachmentUploaded, name, at)
	if err := m.store.InsertAttachment(ctx, a, act); err != nil {
		return Attachment{}, m.writeErr("insert attachment", err)
	}

	m.publish(AttachmentUploaded{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Attachment: a})
	m.publish(ActivityAppended{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Activity: act})
	return a, nil
}

// ToggleFavorite flips the caller's favorite flag on a task and reports the new value.
// Favorites are per identity, so only the activity entry is broadcast.
func (m *Manager) ToggleFavorite(ctx context.Context, id auth.Identity, taskID string) (favorite bool, err error) {
	ctx, done := m.begin(ctx, "favorite", attribute.String("task.id", taskID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "task:"+taskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	task, err := m.loadTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if err := m.authorize(ctx, id, task.WorkspaceID, policy.ActionFavorite); err != nil {
		return false, err
	}
	current, err := m.store.IsFavorite(ctx, task.ID, id.ID)
	if err != nil {
		return false, m.readErr("lookup favorite", err)
	}
	favorite = !current
	action := ActivityFavorited
	if !favorite {
		action = ActivityUnfavorited
	}

	at := m.stamp(task.UpdatedAt)
	act := m.activity(task, id, action, "", at)
	if err := m.store.SetFavorite(ctx, task.ID, id.ID, favorite, act); err != nil {
		return false, m.writeErr("set favorite", err)
	}
	m.publish(ActivityAppended{EventMeta: m.meta(task.WorkspaceID, task.ID, id.ID, at), Activity: act})
	return favorite, nil
}

// Reorder replaces the workspace's manual order. Every id must belong to the workspace
// and appear once.
func (m *Manager) Reorder(ctx context.Context, id auth.Identity, workspaceID string, taskIDs []string) (order WorkspaceOrder, err error) {
	ctx, done := m.begin(ctx, string(KindTaskReordered), attribute.String("workspace.id", workspaceID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "workspace:"+workspaceID)
	if err != nil {
		return WorkspaceOrder{}, err
	}
	defer unlock()

	if err := m.authorize(ctx, id, workspaceID, policy.ActionReorder); err != nil {
		return WorkspaceOrder{}, err
	}
	if len(taskIDs) == 0 {
		return WorkspaceOrder{}, fmt.Errorf("%w: task_ids must not be empty", apperr.ErrValidation)
	}
	known, err := m.store.TaskIDs(ctx, workspaceID)
	if err != nil {
		return WorkspaceOrder{}, m.readErr("list task ids", err)
	}
	members := make(map[string]struct{}, len(known))
	for _, tid := range known {
		members[tid] = struct{}{}
	}
	seen := make(map[string]struct{}, len(taskIDs))
	for _, tid := range taskIDs {
		if _, dup := seen[tid]; dup {
			return WorkspaceOrder{}, fmt.Errorf("%w: task %q listed twice", apperr.ErrValidation, tid)
		}
		seen[tid] = struct{}{}
		if _, ok := members[tid]; !ok {
			return WorkspaceOrder{}, fmt.Errorf("%w: task %q is not in workspace", apperr.ErrValidation, tid)
		}
	}

	var floor time.Time
	prev, err := m.store.GetOrder(ctx, workspaceID)
	switch {
	case err == nil:
		floor = prev.UpdatedAt
	case errors.Is(err, ErrStoreNotFound):
	default:
		return WorkspaceOrder{}, m.readErr("get order", err)
	}

	at := m.stamp(floor)
	order = WorkspaceOrder{
		WorkspaceID: workspaceID,
		TaskIDs:     append([]string(nil), taskIDs...),
		UpdatedAt:   at,
	}
	if err := m.store.SaveOrder(ctx, order); err != nil {
		return WorkspaceOrder{}, m.writeErr("save order", err)
	}
	m.publish(TaskReordered{EventMeta: m.meta(workspaceID, "", id.ID, at), TaskIDs: order.Clone().TaskIDs})
	return order, nil
}

func (m *Manager) CreateTask(ctx context.Context, id auth.Identity, workspaceID string, in TaskInput) (task Task, err error) {
	ctx, done := m.begin(ctx, "task_created", attribute.String("workspace.id", workspaceID))
	defer func() { done(err) }()

	if err := m.authorize(ctx, id, workspaceID, policy.ActionCreateTask); err != nil {
		return Task{}, err
	}
	title := strings.TrimSpace(in.Title)
	if n := utf8.RuneCountInString(title); n == 0 || n > maxTitleRunes {
		return Task{}, fmt.Errorf("%w: title must be 1..%d characters", apperr.ErrValidation, maxTitleRunes)
	}

	at := m.stamp(time.Time{})
	task = Task{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		Title:           title,
		Status:          StatusPending,
		Priority:        strings.TrimSpace(in.Priority),
		AssignedTo:      strings.TrimSpace(in.AssignedTo),
		Tags:            normalizeTags(in.Tags),
		Comments:        []Comment{},
		Attachments:     []Attachment{},
		StatusChangedAt: at,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	act := m.activity(task, id, ActivityTaskCreated, policy.Excerpt(title, activityExcerpt), at)
	if err := m.store.CreateTask(ctx, task, act); err != nil {
		return Task{}, m.writeErr("create task", err)
	}
	task.ActivityLog = []Activity{act}
	m.publish(ActivityAppended{EventMeta: m.meta(workspaceID, task.ID, id.ID, at), Activity: act})
	return task, nil
}

func (m *Manager) CreateWorkspace(ctx context.Context, id auth.Identity, name string) (Workspace, error) {
	if strings.TrimSpace(id.ID) == "" {
		return Workspace{}, fmt.Errorf("%w: anonymous caller", apperr.ErrAuthorization)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, fmt.Errorf("%w: name is required", apperr.ErrValidation)
	}
	ws := Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   id.ID,
		CreatedAt: m.stamp(time.Time{}),
	}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		return Workspace{}, m.writeErr("create workspace", err)
	}
	log.WithFields(log.Fields{"workspace_id": ws.ID, "owner_id": id.ID}).Info("workspace created")
	return ws, nil
}

func (m *Manager) AddMember(ctx context.Context, id auth.Identity, workspaceID, memberID string) error {
	if err := m.authorize(ctx, id, workspaceID, policy.ActionManageMembers); err != nil {
		return err
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return fmt.Errorf("%w: identity_id is required", apperr.ErrValidation)
	}
	if err := m.store.AddMember(ctx, workspaceID, memberID); err != nil {
		return m.writeErr("add member", err)
	}
	return nil
}

// IssueNotification stores a notification for target and pushes it to that identity's
// sessions only. Background jobs call it with an admin identity.
func (m *Manager) IssueNotification(ctx context.Context, id auth.Identity, target string, in NotificationInput) (n Notification, err error) {
	ctx, done := m.begin(ctx, string(KindNotificationIssued), attribute.String("identity.target", target))
	defer func() { done(err) }()

	if d := policy.Decide(id, policy.RelationNone, policy.ActionIssueBroadcast); !d.Allowed {
		return Notification{}, fmt.Errorf("%w: %s", apperr.ErrAuthorization, d.Reason)
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Notification{}, fmt.Errorf("%w: identity_id is required", apperr.ErrValidation)
	}
	if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.Message) == "" {
		return Notification{}, fmt.Errorf("%w: type and message are required", apperr.ErrValidation)
	}

	unlock, err := m.lock(ctx, "identity:"+target)
	if err != nil {
		return Notification{}, err
	}
	defer unlock()

	at := m.stamp(time.Time{})
	n = Notification{
		ID:         uuid.NewString(),
		IdentityID: target,
		Type:       strings.TrimSpace(in.Type),
		Message:    strings.TrimSpace(in.Message),
		CreatedAt:  at,
	}
	if err := m.store.SaveNotification(ctx, n); err != nil {
		return Notification{}, m.writeErr("save notification", err)
	}
	m.publish(NotificationIssued{EventMeta: m.meta("", "", target, at), Notification: n})
	return n, nil
}

// MarkNotificationRead sets is_read and pushes the updated record to the owner's sessions.
func (m *Manager) MarkNotificationRead(ctx context.Context, id auth.Identity, notificationID string) (n Notification, err error) {
	ctx, done := m.begin(ctx, "notification_read", attribute.String("notification.id", notificationID))
	defer func() { done(err) }()

	unlock, err := m.lock(ctx, "identity:"+id.ID)
	if err != nil {
		return Notification{}, err
	}
	defer unlock()

	n, err = m.store.GetNotification(ctx, notificationID)
	if err != nil {
		return Notification{}, m.readErr("get notification", err)
	}
	if n.IdentityID != id.ID {
		return Notification{}, fmt.Errorf("%w: notification belongs to another identity", apperr.ErrAuthorization)
	}
	if n.IsRead {
		return n, nil
	}
	n.IsRead = true
	if err := m.store.SaveNotification(ctx, n); err != nil {
		return Notification{}, m.writeErr("save notification", err)
	}
	m.publish(NotificationIssued{EventMeta: m.meta("", "", n.IdentityID, m.stamp(time.Time{})), Notification: n})
	return n, nil
}

func (m *Manager) GetTask(ctx context.Context, id auth.Identity, taskID string) (Task, error) {
	task, err := m.loadTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if err := m.authorize(ctx, id, task.WorkspaceID, policy.ActionRead); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WorkspaceSnapshot returns every task of the workspace, manually ordered ids first and
// the rest by creation time.
func (m *Manager) WorkspaceSnapshot(ctx context.Context, id auth.Identity, workspaceID string) (Snapshot, error) {
	if err := m.authorize(ctx, id, workspaceID, policy.ActionRead); err != nil {
		return Snapshot{}, err
	}
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Snapshot{}, m.readErr("get workspace", err)
	}
	list, err := m.store.ListTasks(ctx, workspaceID)
	if err != nil {
		return Snapshot{}, m.readErr("list tasks", err)
	}
	order, err := m.store.GetOrder(ctx, workspaceID)
	switch {
	case err == nil:
	case errors.Is(err, ErrStoreNotFound):
		order = WorkspaceOrder{WorkspaceID: workspaceID, TaskIDs: []string{}}
	default:
		return Snapshot{}, m.readErr("get order", err)
	}
	sortByOrder(list, order.TaskIDs)
	return Snapshot{
		Workspace: ws,
		Order:     order,
		Tasks:     list,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) ListNotifications(ctx context.Context, id auth.Identity, limit int) ([]Notification, error) {
	if strings.TrimSpace(id.ID) == "" {
		return nil, fmt.Errorf("%w: anonymous caller", apperr.ErrAuthorization)
	}
	list, err := m.store.ListNotifications(ctx, id.ID, limit)
	if err != nil {
		return nil, m.readErr("list notifications", err)
	}
	return list, nil
}

// AuthorizeSubscribe checks that id may receive events for workspaceID.
func (m *Manager) AuthorizeSubscribe(ctx context.Context, id auth.Identity, workspaceID string) error {
	return m.authorize(ctx, id, workspaceID, policy.ActionSubscribe)
}

func (m *Manager) authorize(ctx context.Context, id auth.Identity, workspaceID string, action policy.Action) error {
	started := time.Now()
	defer func() { m.metrics.ObserveStage("authorize", time.Since(started)) }()

	rel, err := m.store.Relationship(ctx, workspaceID, id.ID)
	if err != nil {
		return m.readErr("workspace "+workspaceID, err)
	}
	if d := policy.Decide(id, rel, action); !d.Allowed {
		log.WithFields(log.Fields{
			"identity_id":  id.ID,
			"workspace_id": workspaceID,
			"action":       action,
		}).Info("mutation rejected: " + d.Reason)
		return fmt.Errorf("%w: %s", apperr.ErrAuthorization, d.Reason)
	}
	return nil
}

func (m *Manager) loadTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, fmt.Errorf("%w: task_id is required", apperr.ErrValidation)
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, m.readErr("task "+taskID, err)
	}
	return task, nil
}

func (m *Manager) findComment(ctx context.Context, commentID, taskID string) (Comment, bool, error) {
	c, err := m.store.FindComment(ctx, commentID)
	switch {
	case errors.Is(err, ErrStoreNotFound):
		return Comment{}, false, nil
	case err != nil:
		return Comment{}, false, m.readErr("find comment", err)
	case c.TaskID != taskID:
		return Comment{}, false, fmt.Errorf("%w: comment_id %s is used by another task", apperr.ErrValidation, commentID)
	default:
		return c, true, nil
	}
}

func (m *Manager) findAttachment(ctx context.Context, attachmentID, taskID string) (Attachment, bool, error) {
	a, err := m.store.FindAttachment(ctx, attachmentID)
	switch {
	case errors.Is(err, ErrStoreNotFound):
		return Attachment{}, false, nil
	case err != nil:
		return Attachment{}, false, m.readErr("find attachment", err)
	case a.TaskID != taskID:
		return Attachment{}, false, fmt.Errorf("%w: attachment_id %s is used by another task", apperr.ErrValidation, attachmentID)
	default:
		return a, true, nil
	}
}

func (m *Manager) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for %s: %v", apperr.ErrTimeout, key, err)
	}
	return unlock, nil
}

// stamp returns a timestamp strictly after floor, truncated to microseconds.
func (m *Manager) stamp(floor time.Time) time.Time {
	at := m.now().UTC().Truncate(time.Microsecond)
	if !floor.IsZero() {
		if next := floor.UTC().Truncate(time.Microsecond).Add(time.Microsecond); at.Before(next) {
			at = next
		}
	}
	return at
}

func (m *Manager) activity(task Task, id auth.Identity, action ActivityAction, detail string, at time.Time) Activity {
	return Activity{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		WorkspaceID: task.WorkspaceID,
		ActorID:     id.ID,
		Action:      action,
		Detail:      detail,
		CreatedAt:   at,
	}
}

func (m *Manager) meta(workspaceID, taskID, identityID string, at time.Time) EventMeta {
	return EventMeta{
		EventID:     uuid.NewString(),
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		IdentityID:  identityID,
		Timestamp:   at,
	}
}

func (m *Manager) publish(ev MutationEvent) {
	started := time.Now()
	m.publisher.Publish(ev)
	m.metrics.ObserveStage("publish", time.Since(started))
	m.metrics.EventPublished(string(ev.Kind()))
}

func (m *Manager) begin(ctx context.Context, kind string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "tasks."+kind, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = apperr.Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("mutation.result", result))
		span.End()
		m.metrics.ObserveMutation(kind, result, time.Since(started))
	}
}

func (m *Manager) readErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrStoreNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", apperr.ErrTimeout, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (m *Manager) writeErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrStoreNotFound):
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", apperr.ErrTimeout, op, err)
	default:
		log.WithError(err).WithField("op", op).Warn("store write failed")
		return fmt.Errorf("%w: %s: %v", apperr.ErrDurability, op, err)
	}
}

// clientID validates an optional client-supplied uuid, generating one when absent.
func clientID(raw, field string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.NewString(), nil
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s must be a uuid", apperr.ErrValidation, field)
	}
	return parsed.String(), nil
}

func sortByOrder(list []Task, order []string) {
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	sort.SliceStable(list, func(i, j int) bool {
		ri, iok := rank[list[i].ID]
		rj, jok := rank[list[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
	})
}
