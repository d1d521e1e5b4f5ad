package session

import (
	"errors"
	"testing"

	"github.com/ent0n29/tasksync/internal/apperr"
)

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	o := NewOutbox(2)
	for _, f := range []string{"a", "b"} {
		if err := o.Push([]byte(f)); err != nil {
			t.Fatalf("Push(%s) error = %v", f, err)
		}
	}
	if err := o.Push([]byte("c")); !errors.Is(err, apperr.ErrTransientDelivery) {
		t.Fatalf("Push(c) error = %v, want ErrTransientDelivery", err)
	}

	frames, dropped := o.Drain()
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if len(frames) != 2 || string(frames[0]) != "b" || string(frames[1]) != "c" {
		t.Fatalf("frames = %q, want [b c]", frames)
	}
	if _, dropped := o.Drain(); dropped != 0 {
		t.Fatalf("dropped after drain = %d, want 0", dropped)
	}
}

func TestOutboxSignalsAndCloses(t *testing.T) {
	o := NewOutbox(4)
	_ = o.Push([]byte("a"))
	_ = o.Push([]byte("b"))
	select {
	case <-o.Ready():
	default:
		t.Fatalf("Ready() not signalled")
	}

	o.Close()
	o.Close()
	if err := o.Push([]byte("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close error = %v, want ErrClosed", err)
	}
	select {
	case <-o.Done():
	default:
		t.Fatalf("Done() not closed")
	}
	if frames, _ := o.Drain(); len(frames) != 2 || string(frames[1]) != "b" {
		t.Fatalf("Drain after Close = %q, want queued frames a b", frames)
	}
}
