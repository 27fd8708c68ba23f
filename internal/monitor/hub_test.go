package monitor

import (
	"testing"

	"github.com/kstaniek/foconctl/internal/frame"
)

func newTestClient(bufSize int) *Client {
	return &Client{Out: make(chan Tapped, bufSize), Closed: make(chan struct{})}
}

func TestHub_AddRemove(t *testing.T) {
	h := NewHub()
	c := newTestClient(4)
	h.Add(c)
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}
	h.Remove(c)
	if h.Count() != 0 {
		t.Fatalf("count = %d, want 0", h.Count())
	}
	select {
	case <-c.Closed:
	default:
		t.Fatal("Remove must close the client")
	}
}

func TestHub_Broadcast_DropPolicy(t *testing.T) {
	h := NewHub()
	h.Policy = PolicyDrop
	c := newTestClient(1)
	h.Add(c)

	tap := Tapped{Direction: DirectionOut, Frame: frame.Frame{Src: 0, Dest: frame.Broadcast}}
	h.Broadcast(tap) // fills the 1-slot buffer
	h.Broadcast(tap) // must be dropped, not block

	if len(c.Out) != 1 {
		t.Fatalf("buffered = %d, want 1", len(c.Out))
	}
	select {
	case <-c.Closed:
		t.Fatal("drop policy must not close the client")
	default:
	}
}

func TestHub_Broadcast_KickPolicy(t *testing.T) {
	h := NewHub()
	h.Policy = PolicyKick
	c := newTestClient(1)
	h.Add(c)

	tap := Tapped{Direction: DirectionOut, Frame: frame.Frame{Src: 0, Dest: frame.Broadcast}}
	h.Broadcast(tap)
	h.Broadcast(tap) // buffer full -> kick policy closes the client

	select {
	case <-c.Closed:
	default:
		t.Fatal("kick policy must close an overflowing client")
	}
}

func TestHub_Tap_ReachesClients(t *testing.T) {
	h := NewHub()
	c := newTestClient(4)
	h.Add(c)

	tapFn := h.Tap()
	f := frame.Frame{Src: 3, Dest: 0, Num: 1, Total: 1, Payload: []byte("x")}
	tapFn('I', f, false)

	select {
	case got := <-c.Out:
		if got.Direction != DirectionIn {
			t.Errorf("direction = %v, want DirectionIn", got.Direction)
		}
		if got.Dropped {
			t.Errorf("dropped = true, want false")
		}
		if string(got.Frame.Payload) != "x" {
			t.Errorf("payload = %q, want %q", got.Frame.Payload, "x")
		}
	default:
		t.Fatal("expected a tapped frame to reach the client")
	}
}

func TestHub_Remove_Idempotent(t *testing.T) {
	h := NewHub()
	c := newTestClient(1)
	h.Add(c)
	h.Remove(c)
	h.Remove(c) // must not panic on double-removal
}
