package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ent0n29/tasksync/internal/apperr"
)

var ErrClosed = errors.New("session closed")

const DefaultOutboxCapacity = 256

// Outbox is a session's bounded queue of encoded frames. Push never blocks: when the
// queue is full the oldest frame is dropped and counted so the writer can ask the
// client to re-fetch.
type Outbox struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	dropped  int
	closed   bool
	ready    chan struct{}
	done     chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues frame. It returns a wrapped apperr.ErrTransientDelivery when an older
// frame had to be dropped, and ErrClosed once the session is gone.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	var err error
	if len(o.frames) >= o.capacity {
		o.frames[0] = nil
		o.frames = o.frames[1:]
		o.dropped++
		err = fmt.Errorf("%w: outbox full, dropped oldest frame", apperr.ErrTransientDelivery)
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return err
}

// Drain takes every queued frame and the number dropped since the last drain.
func (o *Outbox) Drain() ([][]byte, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	dropped := o.dropped
	o.frames = make([][]byte, 0, o.capacity)
	o.dropped = 0
	return frames, dropped
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Ready is signalled after a push. Signals coalesce.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed when the session is unregistered.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close stops accepting frames. Frames already queued stay available to Drain so the
// writer can flush them before closing the connection.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
