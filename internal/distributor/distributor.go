// Package distributor fans committed task events out to the sessions that should see
// them, locally and, when a bridge is configured, across instances.
package distributor

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/session"
	"github.com/ent0n29/tasksync/internal/tasks"
)

// Sink is where frames end up. *session.Registry implements it.
type Sink interface {
	BroadcastToWorkspace(workspaceID string, frame []byte) session.Delivery
	SendToIdentity(identityID string, frame []byte) session.Delivery
}

// Bridge carries encoded frames to other instances and back.
type Bridge interface {
	Forward(scope tasks.Scope, target string, frame []byte)
	Run(ctx context.Context, deliver func(scope tasks.Scope, target string, frame []byte)) error
}

type Distributor struct {
	sink    Sink
	bridge  Bridge
	metrics *observability.Metrics
	closed  atomic.Bool
}

type Option func(*Distributor)

func WithBridge(b Bridge) Option {
	return func(d *Distributor) { d.bridge = b }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Distributor) { d.metrics = m }
}

func New(sink Sink, opts ...Option) *Distributor {
	d := &Distributor{sink: sink}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish encodes ev once and enqueues it on every session in its audience before
// returning. It never waits on a receiver.
func (d *Distributor) Publish(ev tasks.MutationEvent) {
	if d.closed.Load() {
		return
	}
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		log.WithError(err).WithField("event_id", ev.Meta().EventID).Error("encode event")
		return
	}
	scope, target := tasks.AudienceOf(ev)
	if target == "" {
		log.WithField("event_id", ev.Meta().EventID).Warn("event without audience dropped")
		return
	}
	delivery := d.deliver(scope, target, frame)
	if d.bridge != nil {
		d.bridge.Forward(scope, target, frame)
	}
	log.WithFields(log.Fields{
		"event_id":  ev.Meta().EventID,
		"type":      ev.Kind(),
		"target":    target,
		"delivered": delivery.Delivered,
		"dropped":   delivery.Dropped,
	}).Debug("event distributed")
}

// Run services the bridge until ctx is done. Without a bridge it just waits.
func (d *Distributor) Run(ctx context.Context) error {
	if d.bridge == nil {
		<-ctx.Done()
		return nil
	}
	return d.bridge.Run(ctx, func(scope tasks.Scope, target string, frame []byte) {
		if d.closed.Load() {
			return
		}
		d.deliver(scope, target, frame)
	})
}

// Close makes later publishes no-ops.
func (d *Distributor) Close() {
	d.closed.Store(true)
}

func (d *Distributor) deliver(scope tasks.Scope, target string, frame []byte) session.Delivery {
	if scope == tasks.ScopeIdentity {
		return d.sink.SendToIdentity(target, frame)
	}
	return d.sink.BroadcastToWorkspace(target, frame)
}
