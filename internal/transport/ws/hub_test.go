package ws

import (
	"sync"
	"testing"
)

type fakeConn struct {
	id int64

	mu   sync.Mutex
	msgs []Message
}

func (f *fakeConn) Send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Close() error  { return nil }
func (f *fakeConn) UserID() int64 { return f.id }

func (f *fakeConn) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func TestHub_JoinBroadcastLeave(t *testing.T) {
	h := NewHub()
	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}

	h.Join(a, "r1")
	h.Join(b, "r1")
	if got := h.Members("r1"); got != 2 {
		t.Fatalf("members: %d", got)
	}

	h.Broadcast("r1", Message{Type: EventRoomUpdate})
	if len(a.received()) != 1 || len(b.received()) != 1 {
		t.Fatalf("broadcast should reach both members")
	}

	if roomID, ok := h.Leave(b); !ok || roomID != "r1" {
		t.Fatalf("leave: %q %v", roomID, ok)
	}
	h.Broadcast("r1", Message{Type: EventRoomUpdate})
	if len(b.received()) != 1 {
		t.Fatalf("left connection must not receive broadcasts")
	}
}

func TestHub_LeaveNonMemberIsNoop(t *testing.T) {
	h := NewHub()
	c := &fakeConn{id: 1}

	if _, ok := h.Leave(c); ok {
		t.Fatalf("leave of a non-member reported a room")
	}
}

func TestHub_SingleRoomPerConnection(t *testing.T) {
	h := NewHub()
	c := &fakeConn{id: 1}

	if prev := h.Join(c, "r1"); prev != "" {
		t.Fatalf("first join returned prev=%q", prev)
	}
	if prev := h.Join(c, "r2"); prev != "r1" {
		t.Fatalf("second join should evict from r1, got prev=%q", prev)
	}
	if got := h.Members("r1"); got != 0 {
		t.Fatalf("r1 still has %d members", got)
	}
	if roomID, _ := h.RoomOf(c); roomID != "r2" {
		t.Fatalf("RoomOf: %q", roomID)
	}

	// re-joining the current room changes nothing
	if prev := h.Join(c, "r2"); prev != "" {
		t.Fatalf("re-join returned prev=%q", prev)
	}
	if got := h.Members("r2"); got != 1 {
		t.Fatalf("r2 members: %d", got)
	}
}

func TestHub_BroadcastExceptSkipsSender(t *testing.T) {
	h := NewHub()
	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}
	h.Join(a, "r1")
	h.Join(b, "r1")

	h.BroadcastExcept("r1", Message{Type: EventProgress}, a)

	if len(a.received()) != 0 {
		t.Fatalf("sender got an echo")
	}
	if len(b.received()) != 1 {
		t.Fatalf("peer missed the broadcast")
	}
}

func TestHub_EmptyRoomIsDropped(t *testing.T) {
	h := NewHub()
	c := &fakeConn{id: 1}
	h.Join(c, "r1")
	h.Leave(c)

	if got := h.Members("r1"); got != 0 {
		t.Fatalf("members after last leave: %d", got)
	}
	// broadcast to a dropped room must not panic
	h.Broadcast("r1", Message{Type: EventRoomUpdate})
}
