package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/tasksync/internal/policy"
)

// MemoryStore is an in-process store for local/dev use and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	workspaces    map[string]Workspace
	members       map[string]map[string]struct{}
	tasks         map[string]Task
	comments      map[string]Comment
	attachments   map[string]Attachment
	activity      map[string][]Activity
	favorites     map[string]map[string]struct{}
	orders        map[string]WorkspaceOrder
	notifications map[string]Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    make(map[string]Workspace),
		members:       make(map[string]map[string]struct{}),
		tasks:         make(map[string]Task),
		comments:      make(map[string]Comment),
		attachments:   make(map[string]Attachment),
		activity:      make(map[string][]Activity),
		favorites:     make(map[string]map[string]struct{}),
		orders:        make(map[string]WorkspaceOrder),
		notifications: make(map[string]Notification),
	}
}

func (s *MemoryStore) CreateWorkspace(_ context.Context, ws Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return fmt.Errorf("workspace %s already exists", ws.ID)
	}
	s.workspaces[ws.ID] = ws
	s.members[ws.ID] = make(map[string]struct{})
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, workspaceID string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, ErrStoreNotFound
	}
	return ws, nil
}

func (s *MemoryStore) AddMember(_ context.Context, workspaceID, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[workspaceID]
	if !ok {
		return ErrStoreNotFound
	}
	members[identityID] = struct{}{}
	return nil
}

func (s *MemoryStore) Relationship(_ context.Context, workspaceID, identityID string) (policy.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return policy.RelationNone, ErrStoreNotFound
	}
	if ws.OwnerID == identityID {
		return policy.RelationOwner, nil
	}
	if _, ok := s.members[workspaceID][identityID]; ok {
		return policy.RelationMember, nil
	}
	return policy.RelationNone, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task, act Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[task.WorkspaceID]; !ok {
		return ErrStoreNotFound
	}
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	row := task.Clone()
	row.Comments, row.Attachments, row.ActivityLog = nil, nil, nil
	s.tasks[task.ID] = row
	s.activity[task.ID] = append(s.activity[task.ID], act)
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return Task{}, ErrStoreNotFound
	}
	return s.assembleLocked(taskID), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, workspaceID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return nil, ErrStoreNotFound
	}
	out := make([]Task, 0)
	for _, id := range s.taskIDsLocked(workspaceID) {
		out = append(out, s.assembleLocked(id))
	}
	return out, nil
}

func (s *MemoryStore) TaskIDs(_ context.Context, workspaceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return nil, ErrStoreNotFound
	}
	return s.taskIDsLocked(workspaceID), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, taskID string, status Status, at time.Time, act Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	task.Status = status
	task.StatusChangedAt = at
	task.UpdatedAt = at
	s.tasks[taskID] = task
	s.activity[taskID] = append(s.activity[taskID], act)
	return nil
}

func (s *MemoryStore) FindComment(_ context.Context, commentID string) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrStoreNotFound
	}
	return c, nil
}

func (s *MemoryStore) InsertComment(_ context.Context, c Comment, act Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.touchLocked(c.TaskID, c.CreatedAt); err != nil {
		return err
	}
	s.comments[c.ID] = c
	s.activity[c.TaskID] = append(s.activity[c.TaskID], act)
	return nil
}

func (s *MemoryStore) FindAttachment(_ context.Context, attachmentID string) (Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[attachmentID]
	if !ok {
		return Attachment{}, ErrStoreNotFound
	}
	return a, nil
}

func (s *MemoryStore) InsertAttachment(_ context.Context, a Attachment, act Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.touchLocked(a.TaskID, a.CreatedAt); err != nil {
		return err
	}
	s.attachments[a.ID] = a
	s.activity[a.TaskID] = append(s.activity[a.TaskID], act)
	return nil
}

func (s *MemoryStore) IsFavorite(_ context.Context, taskID, identityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return false, ErrStoreNotFound
	}
	_, fav := s.favorites[taskID][identityID]
	return fav, nil
}

func (s *MemoryStore) SetFavorite(_ context.Context, taskID, identityID string, favorite bool, act Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.touchLocked(taskID, act.CreatedAt); err != nil {
		return err
	}
	set := s.favorites[taskID]
	if set == nil {
		set = make(map[string]struct{})
		s.favorites[taskID] = set
	}
	if favorite {
		set[identityID] = struct{}{}
	} else {
		delete(set, identityID)
	}
	s.activity[taskID] = append(s.activity[taskID], act)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, workspaceID string) (WorkspaceOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[workspaceID]
	if !ok {
		return WorkspaceOrder{}, ErrStoreNotFound
	}
	return order.Clone(), nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, order WorkspaceOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[order.WorkspaceID]; !ok {
		return ErrStoreNotFound
	}
	s.orders[order.WorkspaceID] = order.Clone()
	return nil
}

func (s *MemoryStore) GetNotification(_ context.Context, notificationID string) (Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return Notification{}, ErrStoreNotFound
	}
	return n, nil
}

func (s *MemoryStore) SaveNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = n
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, identityID string, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0)
	for _, n := range s.notifications {
		if n.IdentityID == identityID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) touchLocked(taskID string, at time.Time) error {
	task, ok := s.tasks[taskID]
	if !ok {
		return ErrStoreNotFound
	}
	if at.After(task.UpdatedAt) {
		task.UpdatedAt = at
		s.tasks[taskID] = task
	}
	return nil
}

func (s *MemoryStore) taskIDsLocked(workspaceID string) []string {
	rows := make([]Task, 0)
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID {
			rows = append(rows, t)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	ids := make([]string, 0, len(rows))
	for _, t := range rows {
		ids = append(ids, t.ID)
	}
	return ids
}

// assembleLocked joins a task row with its children. Comments and attachments are
// oldest first, activity most recent first.
func (s *MemoryStore) assembleLocked(taskID string) Task {
	task := s.tasks[taskID].Clone()
	task.Comments = make([]Comment, 0)
	for _, c := range s.comments {
		if c.TaskID == taskID {
			task.Comments = append(task.Comments, c)
		}
	}
	sort.Slice(task.Comments, func(i, j int) bool {
		return lessByTime(task.Comments[i].CreatedAt, task.Comments[i].ID, task.Comments[j].CreatedAt, task.Comments[j].ID)
	})
	task.Attachments = make([]Attachment, 0)
	for _, a := range s.attachments {
		if a.TaskID == taskID {
			task.Attachments = append(task.Attachments, a)
		}
	}
	sort.Slice(task.Attachments, func(i, j int) bool {
		return lessByTime(task.Attachments[i].CreatedAt, task.Attachments[i].ID, task.Attachments[j].CreatedAt, task.Attachments[j].ID)
	})
	acts := s.activity[taskID]
	task.ActivityLog = make([]Activity, 0, len(acts))
	for i := len(acts) - 1; i >= 0; i-- {
		task.ActivityLog = append(task.ActivityLog, acts[i])
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}
	return task
}

func lessByTime(at time.Time, id string, bt time.Time, bid string) bool {
	if at.Equal(bt) {
		return id < bid
	}
	return at.Before(bt)
}
