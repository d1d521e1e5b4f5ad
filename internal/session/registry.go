package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/observability"
)

var ErrNotFound = errors.New("session not found")

// Session is the handle a connection holds. Its outbox is the only delivery path.
type Session struct {
	ID     string
	Outbox *Outbox

	identity     auth.Identity
	connectedAt  time.Time
	lastActivity time.Time
	workspaces   map[string]struct{}
}

// Info is a point-in-time copy of a session's state.
type Info struct {
	ID             string        `json:"session_id"`
	Identity       auth.Identity `json:"identity"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Workspaces     []string      `json:"subscribed_workspace_ids"`
}

// Delivery counts the outcome of one fan-out.
type Delivery struct {
	Delivered int
	Dropped   int
}

type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byIdentity  map[string]map[string]*Session
	byWorkspace map[string]map[string]*Session
	idleTimeout time.Duration
	capacity    int
	onExpire    func(Info)
	metrics     *observability.Metrics
}

func NewRegistry(idleTimeout time.Duration, outboxCapacity int, metrics *observability.Metrics) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		byIdentity:  make(map[string]map[string]*Session),
		byWorkspace: make(map[string]map[string]*Session),
		idleTimeout: idleTimeout,
		capacity:    outboxCapacity,
		metrics:     metrics,
	}
}

func (r *Registry) SetExpireHook(hook func(Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register creates a session for an already verified identity.
func (r *Registry) Register(id auth.Identity) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		Outbox:       NewOutbox(r.capacity),
		identity:     id,
		connectedAt:  now,
		lastActivity: now,
		workspaces:   make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	addIndex(r.byIdentity, id.ID, s)
	r.mu.Unlock()

	r.metrics.SessionOpened()
	log.WithFields(log.Fields{"session_id": s.ID, "identity_id": id.ID}).Debug("session registered")
	return s
}

// Unregister removes the session from every index and closes its outbox. No frame is
// delivered to it afterwards.
func (r *Registry) Unregister(sessionID string) (Info, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Info{}, ErrNotFound
	}
	info := s.info()
	r.removeLocked(s)
	r.mu.Unlock()

	r.metrics.SessionClosed()
	r.metrics.SubscriptionsChanged(-len(info.Workspaces))
	log.WithFields(log.Fields{"session_id": sessionID, "identity_id": info.Identity.ID}).Debug("session unregistered")
	return info, nil
}

func (r *Registry) Get(sessionID string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return s.info(), nil
}

// LookupSessions returns every live session of an identity.
func (r *Registry) LookupSessions(identityID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.byIdentity[identityID]))
	for _, s := range r.byIdentity[identityID] {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe adds workspaceID to the session's set. Callers authorize first.
func (r *Registry) Subscribe(sessionID, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if _, already := s.workspaces[workspaceID]; already {
		return nil
	}
	s.workspaces[workspaceID] = struct{}{}
	addIndex(r.byWorkspace, workspaceID, s)
	r.metrics.SubscriptionsChanged(1)
	return nil
}

func (r *Registry) Unsubscribe(sessionID, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if _, subscribed := s.workspaces[workspaceID]; !subscribed {
		return nil
	}
	delete(s.workspaces, workspaceID)
	removeIndex(r.byWorkspace, workspaceID, s.ID)
	r.metrics.SubscriptionsChanged(-1)
	return nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.lastActivity = time.Now().UTC()
	return nil
}

// Reauthenticate swaps in a freshly verified identity. The identity id must not change:
// subscriptions were authorized for it.
func (r *Registry) Reauthenticate(sessionID string, id auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.identity.ID != id.ID {
		return fmt.Errorf("%w: credential belongs to a different identity", apperr.ErrAuthentication)
	}
	s.identity = id
	s.lastActivity = time.Now().UTC()
	return nil
}

// BroadcastToWorkspace enqueues frame on every session subscribed to workspaceID.
func (r *Registry) BroadcastToWorkspace(workspaceID string, frame []byte) Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliverLocked(r.byWorkspace[workspaceID], frame)
}

// SendToIdentity enqueues frame on every session of identityID.
func (r *Registry) SendToIdentity(identityID string, frame []byte) Delivery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deliverLocked(r.byIdentity[identityID], frame)
}

// Send enqueues a frame for one session, typically a control frame.
func (r *Registry) Send(sessionID string, frame []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	err := s.Outbox.Push(frame)
	if errors.Is(err, apperr.ErrTransientDelivery) {
		r.metrics.DeliveryDropped("outbox_full")
		return nil
	}
	return err
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []Info

	r.mu.Lock()
	for _, s := range r.sessions {
		if now.Sub(s.lastActivity) < r.idleTimeout {
			continue
		}
		expired = append(expired, s.info())
		r.removeLocked(s)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, info := range expired {
		r.metrics.SessionClosed()
		r.metrics.SubscriptionsChanged(-len(info.Workspaces))
		log.WithFields(log.Fields{"session_id": info.ID, "identity_id": info.Identity.ID}).Info("session expired after inactivity")
		if hook != nil {
			hook(info)
		}
	}
}

func (r *Registry) deliverLocked(targets map[string]*Session, frame []byte) Delivery {
	var d Delivery
	for _, s := range targets {
		err := s.Outbox.Push(frame)
		switch {
		case err == nil:
			d.Delivered++
		case errors.Is(err, apperr.ErrTransientDelivery):
			d.Delivered++
			d.Dropped++
			r.metrics.DeliveryDropped("outbox_full")
			log.WithField("session_id", s.ID).Debug(err.Error())
		default:
			r.metrics.DeliveryDropped("closed")
		}
	}
	return d
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)
	removeIndex(r.byIdentity, s.identity.ID, s.ID)
	for ws := range s.workspaces {
		removeIndex(r.byWorkspace, ws, s.ID)
	}
	s.Outbox.Close()
}

func (s *Session) info() Info {
	ws := make([]string, 0, len(s.workspaces))
	for id := range s.workspaces {
		ws = append(ws, id)
	}
	sort.Strings(ws)
	return Info{
		ID:             s.ID,
		Identity:       s.identity,
		ConnectedAt:    s.connectedAt,
		LastActivityAt: s.lastActivity,
		Workspaces:     ws,
	}
}

func addIndex(index map[string]map[string]*Session, key string, s *Session) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Session)
		index[key] = set
	}
	set[s.ID] = s
}

func removeIndex(index map[string]map[string]*Session, key, sessionID string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(index, key)
	}
}
