package ws

import (
	"sync"
)

type Conn interface {
	Send(msg Message) error
	Close() error
	UserID() int64
}

// Hub is the in-memory broadcast-group registry: roomID -> set of live
// connections. It is a pure relay and holds no durable state; membership is
// rebuilt entirely from join/leave traffic. The reverse index keeps the
// invariant that a connection belongs to at most one room at a time.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[Conn]struct{}
	member map[Conn]string
}

func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]map[Conn]struct{}),
		member: make(map[Conn]string),
	}
}

// Join adds the connection to a room's broadcast group. If the connection was
// already in another room it is moved, and the previous room id is returned
// so the caller can announce the departure there.
func (h *Hub) Join(c Conn, roomID string) (prev string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.member[c]; ok {
		if cur == roomID {
			return ""
		}
		prev = cur
		h.removeLocked(c, cur)
	}

	rs, ok := h.rooms[roomID]
	if !ok {
		rs = make(map[Conn]struct{})
		h.rooms[roomID] = rs
	}
	rs[c] = struct{}{}
	h.member[c] = roomID
	return prev
}

// Leave removes the connection from its room, if any. Removing a non-member
// is a no-op.
func (h *Hub) Leave(c Conn) (roomID string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID, ok = h.member[c]
	if !ok {
		return "", false
	}
	h.removeLocked(c, roomID)
	return roomID, true
}

// RoomOf reports the room the connection currently belongs to.
func (h *Hub) RoomOf(c Conn) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomID, ok := h.member[c]
	return roomID, ok
}

func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[roomID])
}

// Broadcast fans a message out to every connection in the room, sender
// included. Sends are best-effort; a failed send never blocks the others.
func (h *Hub) Broadcast(roomID string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if rs, ok := h.rooms[roomID]; ok {
		for c := range rs {
			_ = c.Send(msg)
		}
	}
}

// BroadcastExcept is Broadcast minus one connection, used for progress
// updates where the sender needs no echo of its own numbers.
func (h *Hub) BroadcastExcept(roomID string, msg Message, except Conn) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if rs, ok := h.rooms[roomID]; ok {
		for c := range rs {
			if c == except {
				continue
			}
			_ = c.Send(msg)
		}
	}
}

// caller holds h.mu
func (h *Hub) removeLocked(c Conn, roomID string) {
	delete(h.member, c)
	if rs, ok := h.rooms[roomID]; ok {
		delete(rs, c)
		if len(rs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}
