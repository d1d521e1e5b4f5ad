package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/tasksync/internal/tasks"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrInvalidTransition = errors.New("invalid connection state transition")

// Fetcher loads authoritative state from the server.
type Fetcher interface {
	FetchWorkspace(ctx context.Context, workspaceID string) (tasks.Snapshot, error)
	FetchTask(ctx context.Context, taskID string) (tasks.Task, error)
	FetchNotifications(ctx context.Context) ([]tasks.Notification, error)
}

type ChangeKind string

const (
	ChangeEvent        ChangeKind = "event"
	ChangeSnapshot     ChangeKind = "snapshot"
	ChangeTask         ChangeKind = "task"
	ChangeNotification ChangeKind = "notification"
	ChangeOverlay      ChangeKind = "overlay"
	ChangeState        ChangeKind = "state"
)

// Change tells the UI layer which part of the view moved.
type Change struct {
	Kind        ChangeKind
	WorkspaceID string
	TaskID      string
	Event       tasks.MutationEvent
	State       State
}

type overlay struct {
	taskID     string
	status     tasks.Status
	hasStatus  bool
	comment    *tasks.Comment
	attachment *tasks.Attachment
}

// Store is the client's cache. The confirmed view only ever moves forward through the
// merge functions; optimistic overlays sit on top of it until confirmed or discarded.
type Store struct {
	mu            sync.RWMutex
	state         State
	fetcher       Fetcher
	fetchTimeout  time.Duration
	tasks         map[string]tasks.Task
	orders        map[string]tasks.WorkspaceOrder
	workspaces    map[string]tasks.Workspace
	notifications map[string]tasks.Notification
	watched       map[string]struct{}
	overlays      map[string]overlay
	overlayOrder  []string

	subs      map[int]chan Change
	nextSubID int

	fetches singleflight.Group
}

type Option func(*Store)

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.fetchTimeout = d }
}

func NewStore(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		fetcher:       fetcher,
		fetchTimeout:  10 * time.Second,
		tasks:         make(map[string]tasks.Task),
		orders:        make(map[string]tasks.WorkspaceOrder),
		workspaces:    make(map[string]tasks.Workspace),
		notifications: make(map[string]tasks.Notification),
		watched:       make(map[string]struct{}),
		overlays:      make(map[string]overlay),
		subs:          make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// BeginConnect moves Disconnected to Connecting. Any other starting state is an error.
func (s *Store) BeginConnect() error {
	s.mu.Lock()
	if s.state != Disconnected {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: begin connect from %s", ErrInvalidTransition, cur)
	}
	s.state = Connecting
	s.notifyLocked(Change{Kind: ChangeState, State: Connecting})
	s.mu.Unlock()
	return nil
}

// MarkConnected moves Connecting to Connected and re-fetches everything watched, since
// events may have been missed while disconnected.
func (s *Store) MarkConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Connecting {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: mark connected from %s", ErrInvalidTransition, cur)
	}
	s.state = Connected
	s.notifyLocked(Change{Kind: ChangeState, State: Connected})
	s.mu.Unlock()
	return s.Refetch(ctx)
}

func (s *Store) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return
	}
	s.state = Disconnected
	s.notifyLocked(Change{Kind: ChangeState, State: Disconnected})
}

// Watch starts tracking a workspace. When connected its snapshot is fetched right away.
func (s *Store) Watch(ctx context.Context, workspaceID string) error {
	s.Track(workspaceID)
	if s.State() != Connected {
		return nil
	}
	return s.RefetchWorkspace(ctx, workspaceID)
}

// Track marks a workspace as watched without fetching it. Callers that learn when the
// server starts routing the workspace's events fetch the snapshot at that point.
func (s *Store) Track(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[workspaceID] = struct{}{}
}

// Unwatch stops tracking a workspace and drops its cached tasks.
func (s *Store) Unwatch(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, workspaceID)
	delete(s.orders, workspaceID)
	delete(s.workspaces, workspaceID)
	for id, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			delete(s.tasks, id)
		}
	}
}

func (s *Store) Watched() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.watched))
	for id := range s.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Refetch reloads every watched workspace and the notification list.
func (s *Store) Refetch(ctx context.Context) error {
	var errs []error
	for _, ws := range s.Watched() {
		if err := s.RefetchWorkspace(ctx, ws); err != nil {
			errs = append(errs, fmt.Errorf("workspace %s: %w", ws, err))
		}
	}
	if s.fetcher != nil {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		list, err := s.fetcher.FetchNotifications(fctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("notifications: %w", err))
		} else {
			s.ApplyNotifications(list)
		}
	}
	return errors.Join(errs...)
}

// RefetchWorkspace reloads one watched workspace. Unwatched workspaces are ignored.
func (s *Store) RefetchWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.RLock()
	_, watched := s.watched[workspaceID]
	s.mu.RUnlock()
	if s.fetcher == nil || !watched {
		return nil
	}
	v, err, _ := s.fetches.Do("workspace:"+workspaceID, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
		return s.fetcher.FetchWorkspace(fctx, workspaceID)
	})
	if err != nil {
		return err
	}
	s.ApplySnapshot(v.(tasks.Snapshot))
	return nil
}

// ApplySnapshot merges a full re-fetch into the confirmed view.
func (s *Store) ApplySnapshot(snap tasks.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wsID := snap.Workspace.ID
	if wsID == "" {
		wsID = snap.Order.WorkspaceID
	}
	if snap.Workspace.ID != "" {
		s.workspaces[wsID] = snap.Workspace
	}
	for _, t := range snap.Tasks {
		s.tasks[t.ID] = MergeTask(s.tasks[t.ID], t)
	}
	if snap.Order.WorkspaceID != "" {
		s.orders[wsID] = MergeOrder(s.orders[wsID], snap.Order)
	}
	s.notifyLocked(Change{Kind: ChangeSnapshot, WorkspaceID: wsID})
}

// ApplyTask merges a task returned directly by a request.
func (s *Store) ApplyTask(t tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = MergeTask(s.tasks[t.ID], t)
	s.notifyLocked(Change{Kind: ChangeTask, WorkspaceID: t.WorkspaceID, TaskID: t.ID})
}

func (s *Store) ApplyComment(c tasks.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[c.TaskID]
	if !ok {
		return
	}
	t, _ = MergeEvent(t, tasks.CommentCreated{EventMeta: tasks.EventMeta{TaskID: c.TaskID, Timestamp: c.CreatedAt}, Comment: c})
	s.tasks[c.TaskID] = t
	s.notifyLocked(Change{Kind: ChangeTask, WorkspaceID: t.WorkspaceID, TaskID: t.ID})
}

func (s *Store) ApplyAttachment(a tasks.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[a.TaskID]
	if !ok {
		return
	}
	t, _ = MergeEvent(t, tasks.AttachmentUploaded{EventMeta: tasks.EventMeta{TaskID: a.TaskID, Timestamp: a.CreatedAt}, Attachment: a})
	s.tasks[a.TaskID] = t
	s.notifyLocked(Change{Kind: ChangeTask, WorkspaceID: t.WorkspaceID, TaskID: t.ID})
}

func (s *Store) ApplyOrder(o tasks.WorkspaceOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.WorkspaceID] = MergeOrder(s.orders[o.WorkspaceID], o)
	s.notifyLocked(Change{Kind: ChangeSnapshot, WorkspaceID: o.WorkspaceID})
}

func (s *Store) ApplyNotification(n tasks.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = MergeNotification(s.notifications[n.ID], n)
	s.notifyLocked(Change{Kind: ChangeNotification})
}

func (s *Store) ApplyNotifications(list []tasks.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range list {
		s.notifications[n.ID] = MergeNotification(s.notifications[n.ID], n)
	}
	s.notifyLocked(Change{Kind: ChangeNotification})
}

// ApplyEvent merges a pushed event. Events about a task this store has never seen, in
// a watched workspace, trigger a one-off fetch of that task.
func (s *Store) ApplyEvent(ctx context.Context, ev tasks.MutationEvent) bool {
	meta := ev.Meta()
	switch e := ev.(type) {
	case tasks.NotificationIssued:
		s.ApplyNotification(e.Notification)
		return true
	case tasks.TaskReordered:
		s.mu.Lock()
		defer s.mu.Unlock()
		before := s.orders[meta.WorkspaceID]
		after := MergeOrder(before, tasks.WorkspaceOrder{WorkspaceID: meta.WorkspaceID, TaskIDs: e.TaskIDs, UpdatedAt: meta.Timestamp})
		s.orders[meta.WorkspaceID] = after
		changed := before.WorkspaceID == "" || !after.UpdatedAt.Equal(before.UpdatedAt) || !slices.Equal(after.TaskIDs, before.TaskIDs)
		if changed {
			s.notifyLocked(Change{Kind: ChangeEvent, WorkspaceID: meta.WorkspaceID, Event: ev})
		}
		return changed
	}

	s.mu.Lock()
	t, known := s.tasks[meta.TaskID]
	_, watched := s.watched[meta.WorkspaceID]
	if known {
		merged, changed := MergeEvent(t, ev)
		if changed {
			s.tasks[meta.TaskID] = merged
			s.notifyLocked(Change{Kind: ChangeEvent, WorkspaceID: meta.WorkspaceID, TaskID: meta.TaskID, Event: ev})
		}
		s.mu.Unlock()
		return changed
	}
	s.mu.Unlock()
	if !watched || s.fetcher == nil {
		return false
	}

	fetched, err := s.fetchTask(ctx, meta.TaskID)
	if err != nil {
		log.WithError(err).WithField("task_id", meta.TaskID).Warn("fetch unknown task")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := MergeTask(s.tasks[meta.TaskID], fetched)
	merged, _ = MergeEvent(merged, ev)
	s.tasks[meta.TaskID] = merged
	s.notifyLocked(Change{Kind: ChangeEvent, WorkspaceID: meta.WorkspaceID, TaskID: meta.TaskID, Event: ev})
	return true
}

func (s *Store) fetchTask(ctx context.Context, taskID string) (tasks.Task, error) {
	v, err, _ := s.fetches.Do("task:"+taskID, func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
		return s.fetcher.FetchTask(fctx, taskID)
	})
	if err != nil {
		return tasks.Task{}, err
	}
	return v.(tasks.Task), nil
}

// OptimisticStatus shows status on taskID until the returned request is confirmed or
// discarded.
func (s *Store) OptimisticStatus(taskID string, status tasks.Status) string {
	return s.addOverlay(overlay{taskID: taskID, status: status, hasStatus: true})
}

// OptimisticComment shows a pending comment. The comment must carry the client id sent
// with the request so the echoed event de-duplicates against it.
func (s *Store) OptimisticComment(c tasks.Comment) string {
	return s.addOverlay(overlay{taskID: c.TaskID, comment: &c})
}

func (s *Store) OptimisticAttachment(a tasks.Attachment) string {
	return s.addOverlay(overlay{taskID: a.TaskID, attachment: &a})
}

// Confirm drops an overlay after the server result has been applied.
func (s *Store) Confirm(requestID string) {
	s.dropOverlay(requestID)
}

// Discard drops an overlay whose request failed. The view falls back to the last
// confirmed state; callers re-fetch to catch anything else that moved.
func (s *Store) Discard(requestID string) {
	s.dropOverlay(requestID)
}

func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlays)
}

func (s *Store) addOverlay(o overlay) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlays[id] = o
	s.overlayOrder = append(s.overlayOrder, id)
	s.notifyLocked(Change{Kind: ChangeOverlay, WorkspaceID: s.tasks[o.taskID].WorkspaceID, TaskID: o.taskID})
	return id
}

func (s *Store) dropOverlay(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overlays[requestID]
	if !ok {
		return
	}
	delete(s.overlays, requestID)
	for i, id := range s.overlayOrder {
		if id == requestID {
			s.overlayOrder = append(s.overlayOrder[:i], s.overlayOrder[i+1:]...)
			break
		}
	}
	s.notifyLocked(Change{Kind: ChangeOverlay, WorkspaceID: s.tasks[o.taskID].WorkspaceID, TaskID: o.taskID})
}

// Task returns the visible task: confirmed state with pending overlays applied.
func (s *Store) Task(taskID string) (tasks.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return tasks.Task{}, false
	}
	return s.visibleLocked(t), true
}

// Confirmed returns the task without overlays.
func (s *Store) Confirmed(taskID string) (tasks.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	return t.Clone(), ok
}

// Tasks lists the visible tasks of a workspace, manually ordered ids first.
func (s *Store) Tasks(workspaceID string) []tasks.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tasks.Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			out = append(out, s.visibleLocked(t))
		}
	}
	rank := make(map[string]int)
	for i, id := range s.orders[workspaceID].TaskIDs {
		rank[id] = i
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i].ID]
		rj, jok := rank[out[j].ID]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return ascending(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
		}
	})
	return out
}

func (s *Store) Order(workspaceID string) tasks.WorkspaceOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[workspaceID].Clone()
}

// Notifications lists notifications newest first.
func (s *Store) Notifications() []tasks.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tasks.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Subscribe streams changes. Slow readers miss changes rather than block the store.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) visibleLocked(t tasks.Task) tasks.Task {
	out := t.Clone()
	for _, id := range s.overlayOrder {
		o := s.overlays[id]
		if o.taskID != t.ID {
			continue
		}
		if o.hasStatus {
			out.Status = o.status
		}
		if o.comment != nil && !containsComment(out.Comments, o.comment.ID) {
			out.Comments = append(out.Comments, *o.comment)
		}
		if o.attachment != nil && !containsAttachment(out.Attachments, o.attachment.ID) {
			out.Attachments = append(out.Attachments, *o.attachment)
		}
	}
	return out
}

func (s *Store) notifyLocked(c Change) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
