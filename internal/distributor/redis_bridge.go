package distributor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/tasksync/internal/observability"
	"github.com/ent0n29/tasksync/internal/reliability"
	"github.com/ent0n29/tasksync/internal/tasks"
)

const defaultForwardBuffer = 1024

type bridgeMessage struct {
	Origin string          `json:"origin"`
	Scope  string          `json:"scope"`
	Target string          `json:"target"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBridge relays frames between instances over one pub/sub channel. Messages from
// this instance's own origin are ignored on the way back in.
type RedisBridge struct {
	rc      *redis.Client
	channel string
	origin  string
	out     chan bridgeMessage
	metrics *observability.Metrics
}

func NewRedisBridge(rc *redis.Client, channel, origin string, metrics *observability.Metrics) *RedisBridge {
	return &RedisBridge{
		rc:      rc,
		channel: channel,
		origin:  origin,
		out:     make(chan bridgeMessage, defaultForwardBuffer),
		metrics: metrics,
	}
}

// Forward queues a frame for other instances. A full queue drops the frame.
func (b *RedisBridge) Forward(scope tasks.Scope, target string, frame []byte) {
	msg := bridgeMessage{Origin: b.origin, Scope: scopeName(scope), Target: target, Frame: frame}
	select {
	case b.out <- msg:
	default:
		b.metrics.BridgeMessage("out", "dropped")
		log.WithField("target", target).Warn("bridge queue full, frame not forwarded")
	}
}

func (b *RedisBridge) Run(ctx context.Context, deliver func(scope tasks.Scope, target string, frame []byte)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.publishLoop(ctx)
		return nil
	})
	g.Go(func() error {
		b.subscribeLoop(ctx, deliver)
		return nil
	})
	return g.Wait()
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				log.WithError(err).Error("marshal bridge message")
				continue
			}
			if err := b.rc.Publish(ctx, b.channel, payload).Err(); err != nil {
				b.metrics.BridgeMessage("out", "error")
				log.WithError(err).Warn("publish to bridge failed")
				continue
			}
			b.metrics.BridgeMessage("out", "ok")
		}
	}
}

func (b *RedisBridge) subscribeLoop(ctx context.Context, deliver func(scope tasks.Scope, target string, frame []byte)) {
	attempt := 0
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			wait := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 10*time.Second)
			attempt++
			log.WithError(err).WithField("retry_in", wait).Error("bridge subscribe failed")
			if !reliability.Sleep(ctx, wait) {
				return
			}
			continue
		}
		attempt = 0
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				b.handle(msg.Payload, deliver)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Error("bridge channel closed, reconnecting")
		if !reliability.Sleep(ctx, time.Second) {
			return
		}
	}
}

func (b *RedisBridge) handle(payload string, deliver func(scope tasks.Scope, target string, frame []byte)) {
	var msg bridgeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.metrics.BridgeMessage("in", "invalid")
		log.WithError(err).Error("unable to parse bridge message")
		return
	}
	if msg.Origin == b.origin {
		return
	}
	if msg.Target == "" || len(msg.Frame) == 0 {
		b.metrics.BridgeMessage("in", "invalid")
		return
	}
	b.metrics.BridgeMessage("in", "ok")
	deliver(parseScope(msg.Scope), msg.Target, msg.Frame)
}

func scopeName(s tasks.Scope) string {
	if s == tasks.ScopeIdentity {
		return "identity"
	}
	return "workspace"
}

func parseScope(s string) tasks.Scope {
	if s == "identity" {
		return tasks.ScopeIdentity
	}
	return tasks.ScopeWorkspace
}
