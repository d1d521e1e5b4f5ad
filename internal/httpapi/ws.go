package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/apperr"
	"github.com/ent0n29/tasksync/internal/auth"
	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 120 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 1 << 20
)

// handleWS verifies the credential before upgrading, so a bad token gets a plain 401.
// After the upgrade one goroutine reads client frames and one drains the session outbox.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.verify(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := s.sessions.Register(id)
	logger := log.WithFields(log.Fields{"session_id": sess.ID, "identity_id": id.ID})
	logger.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.sendControl(sess.ID, protocol.NewConnected(sess.ID, id.ID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := s.writeLoop(ctx, conn, sess); err != nil {
			logger.WithError(err).Debug("websocket writer stopped")
		}
		cancel()
		// Unblocks the reader.
		_ = conn.Close()
	}()

	if closing := s.readLoop(ctx, conn, sess, id); closing {
		// The outbox is closed; the writer flushes what is queued and exits.
		<-writerDone
	}
	cancel()
	<-writerDone
	if _, err := s.sessions.Unregister(sess.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.WithError(err).Warn("unregister session")
	}
	logger.Info("websocket disconnected")
}

// readLoop handles client frames until the connection fails. It reports true when it
// ended the session itself, after queueing a final frame for the writer to flush.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, id auth.Identity) bool {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = s.sessions.Touch(sess.ID)
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if err := s.sessions.Touch(sess.ID); err != nil {
			// Expired by the janitor.
			return false
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.WSMessage("inbound", "invalid")
			s.sendControl(sess.ID, protocol.NewErrorEvent(apperr.CodeInvalidRequest, err.Error()))
			continue
		}

		switch msg := parsed.(type) {
		case protocol.Subscribe:
			s.metrics.WSMessage("inbound", string(msg.Type))
			wsID := strings.TrimSpace(msg.WorkspaceID)
			if msg.Type == protocol.TypeUnsubscribe {
				if err := s.sessions.Unsubscribe(sess.ID, wsID); err != nil {
					return false
				}
				s.sendControl(sess.ID, protocol.NewUnsubscribed(wsID))
				continue
			}
			if err := s.manager.AuthorizeSubscribe(ctx, id, wsID); err != nil {
				s.sendControl(sess.ID, protocol.NewErrorEvent(apperr.Code(err), err.Error()))
				continue
			}
			if err := s.sessions.Subscribe(sess.ID, wsID); err != nil {
				return false
			}
			s.sendControl(sess.ID, protocol.NewSubscribed(wsID))
		case protocol.Reauth:
			s.metrics.WSMessage("inbound", string(msg.Type))
			next, err := s.verifier.VerifyCredential(msg.Token)
			if err == nil {
				err = s.sessions.Reauthenticate(sess.ID, next)
			}
			if err != nil {
				// A failed re-authentication ends the session.
				s.sendControl(sess.ID, protocol.NewErrorEvent(apperr.CodeUnauthenticated, err.Error()))
				if _, uerr := s.sessions.Unregister(sess.ID); uerr != nil && !errors.Is(uerr, session.ErrNotFound) {
					log.WithError(uerr).WithField("session_id", sess.ID).Warn("unregister session")
				}
				log.WithFields(log.Fields{"session_id": sess.ID, "identity_id": id.ID}).Info("re-authentication failed, closing session")
				return true
			}
			id = next
		case protocol.Ping:
			s.metrics.WSMessage("inbound", string(msg.Type))
			s.sendControl(sess.ID, protocol.Pong{Type: protocol.TypePong})
		}
	}
}

// writeLoop is the only writer on conn. A drain that reports dropped frames is
// followed by a resync frame so the client re-fetches what it missed.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Outbox.Done():
			frames, _ := sess.Outbox.Drain()
			for _, frame := range frames {
				if err := s.writeFrame(conn, frame); err != nil {
					return err
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(wsWriteWait))
			return session.ErrClosed
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		case <-sess.Outbox.Ready():
			frames, dropped := sess.Outbox.Drain()
			for _, frame := range frames {
				if err := s.writeFrame(conn, frame); err != nil {
					return err
				}
			}
			if dropped > 0 {
				s.metrics.ResyncRequested()
				frame, err := protocol.EncodeFrame(protocol.Resync{Type: protocol.TypeResync, Dropped: dropped})
				if err != nil {
					return err
				}
				if err := s.writeFrame(conn, frame); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return err
	}
	if typ, err := protocol.PeekType(frame); err == nil {
		s.metrics.WSMessage("outbound", string(typ))
	}
	return nil
}

func (s *Server) sendControl(sessionID string, msg any) {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		log.WithError(err).Error("encode control frame")
		return
	}
	if err := s.sessions.Send(sessionID, frame); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.WithError(err).WithField("session_id", sessionID).Debug("send control frame")
	}
}
