package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/reconcile"
	"github.com/ent0n29/tasksync/internal/reliability"
	"github.com/ent0n29/tasksync/internal/tasks"
)

const (
	streamWriteWait = 5 * time.Second
	streamReadWait  = 120 * time.Second
)

var ErrNotConnected = errors.New("stream not connected")

// stream owns the websocket. Writes are serialized by mu; reads happen only in Run.
type stream struct {
	c *Client

	mu         sync.Mutex
	conn       *websocket.Conn
	identity   string
	subscribed map[string]bool
	changed    chan struct{}
}

func newStream(c *Client) *stream {
	return &stream{
		c:          c,
		subscribed: make(map[string]bool),
		changed:    make(chan struct{}),
	}
}

func (s *stream) identityID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Run keeps the event stream connected until ctx ends, reconnecting with capped
// exponential backoff. Every successful connect re-fetches the watched workspaces.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		} else {
			attempt++
		}
		delay := reliability.ExponentialBackoff(attempt, c.backoffBase, c.backoffCap)
		log.WithError(err).WithField("retry_in", delay).Info("event stream disconnected")
		if !reliability.Sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	if c.store.State() == reconcile.Disconnected {
		_ = c.store.BeginConnect()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.credential())
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), headers)
	if err != nil {
		c.store.MarkDisconnected()
		if resp != nil {
			return false, fmt.Errorf("event stream dial failed (%s): %w", resp.Status, err)
		}
		return false, fmt.Errorf("event stream dial failed: %w", err)
	}
	s := c.stream
	s.attach(conn)
	defer func() {
		s.detach()
		_ = conn.Close()
		c.store.MarkDisconnected()
	}()

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-readCtx.Done()
		_ = conn.Close()
	}()

	for _, ws := range c.store.Watched() {
		if err := s.write(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: ws}); err != nil {
			return true, err
		}
	}
	if err := c.store.MarkConnected(ctx); err != nil {
		log.WithError(err).Warn("refetch after connect")
	}

	_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(streamWriteWait))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadWait))
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.WithError(err).Warn("discarding server frame")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case tasks.MutationEvent:
		c.store.ApplyEvent(ctx, m)
	case protocol.Connected:
		c.stream.mu.Lock()
		c.stream.identity = m.IdentityID
		c.stream.mu.Unlock()
	case protocol.Subscribed:
		if m.Type == protocol.TypeSubscribed {
			// Events from here on are routed to us, so the snapshot cannot miss a change.
			if err := c.store.RefetchWorkspace(ctx, m.WorkspaceID); err != nil {
				log.WithError(err).WithField("workspace_id", m.WorkspaceID).Warn("refetch after subscribe")
			}
		}
		c.stream.setSubscribed(m.WorkspaceID, m.Type == protocol.TypeSubscribed)
	case protocol.Resync:
		log.WithField("dropped", m.Dropped).Info("server dropped frames, re-fetching")
		if err := c.store.Refetch(ctx); err != nil {
			log.WithError(err).Warn("resync refetch")
		}
	case protocol.ErrorEvent:
		log.WithFields(log.Fields{"code": m.Code, "detail": m.Detail}).Warn("server reported error")
	}
}

// Watch tracks a workspace in the store and subscribes to its events. The snapshot is
// fetched when the server acknowledges the subscription; WaitSubscribed returns after it
// has been applied.
func (c *Client) Watch(ctx context.Context, workspaceID string) error {
	c.store.Track(workspaceID)
	err := c.stream.write(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: workspaceID})
	if errors.Is(err, ErrNotConnected) {
		// Subscribed on the next connect.
		return nil
	}
	return err
}

func (c *Client) Unwatch(workspaceID string) error {
	c.store.Unwatch(workspaceID)
	err := c.stream.write(protocol.Subscribe{Type: protocol.TypeUnsubscribe, WorkspaceID: workspaceID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Reauthenticate presents a fresh credential for the same identity on the open stream
// and uses it for later requests.
func (c *Client) Reauthenticate(token string) error {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
	err := c.stream.write(protocol.Reauth{Type: protocol.TypeReauth, Token: token})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// WaitSubscribed blocks until the server has confirmed the subscription.
func (c *Client) WaitSubscribed(ctx context.Context, workspaceID string) error {
	for {
		c.stream.mu.Lock()
		ok := c.stream.subscribed[workspaceID]
		changed := c.stream.changed
		c.stream.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/v1/ws"
	return u.String()
}

func (s *stream) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.subscribed = make(map[string]bool)
	s.broadcastLocked()
}

func (s *stream) setSubscribed(workspaceID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.subscribed[workspaceID] = true
	} else {
		delete(s.subscribed, workspaceID)
	}
	s.broadcastLocked()
}

func (s *stream) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *stream) write(v any) error {
	frame, err := protocol.EncodeFrame(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}
