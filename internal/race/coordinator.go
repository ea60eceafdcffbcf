package race

import (
	"context"
	"fmt"
	"sync"

	"github.com/typequest/race-service/internal/domain"
)

// StatusStore is the slice of the room store the coordinator writes through.
type StatusStore interface {
	UpdateStatus(ctx context.Context, roomID string, status domain.RoomStatus) error
}

// Coordinator owns the race lifecycle decisions that the relay hub
// deliberately does not make: when a waiting room moves to in_progress and
// when an in_progress room is finished. The hub stays a pure relay; the
// gateway consults the coordinator on every ready/finish/leave event.
//
// Per participant the lifecycle is waiting → ready → racing → finished, with
// disconnected reachable from any state. Out-of-order signals (ready while
// racing, finish while waiting) are ignored rather than relayed as errors.
type Coordinator struct {
	mu    sync.Mutex
	rooms map[string]*roomState

	store      StatusStore
	minPlayers int
}

type roomState struct {
	status  domain.RoomStatus
	players map[int64]domain.ParticipantStatus
}

func NewCoordinator(store StatusStore) *Coordinator {
	return &Coordinator{
		rooms:      make(map[string]*roomState),
		store:      store,
		minPlayers: 2,
	}
}

// SetMinPlayers adjusts how many ready participants a room needs before the
// race starts. Values below 1 are ignored.
func (c *Coordinator) SetMinPlayers(n int) {
	if n >= 1 {
		c.mu.Lock()
		c.minPlayers = n
		c.mu.Unlock()
	}
}

func (c *Coordinator) room(roomID string) *roomState {
	rs, ok := c.rooms[roomID]
	if !ok {
		rs = &roomState{
			status:  domain.RoomWaiting,
			players: make(map[int64]domain.ParticipantStatus),
		}
		c.rooms[roomID] = rs
	}
	return rs
}

// PlayerJoined registers a participant in waiting state. Joining a room that
// already left waiting is refused; the store-level join guard rejects it too,
// this keeps the in-memory view consistent with it.
func (c *Coordinator) PlayerJoined(roomID string, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs := c.room(roomID)
	if rs.status != domain.RoomWaiting {
		return domain.ErrRoomClosed
	}
	// a repeat join keeps whatever status the participant already reached
	if _, in := rs.players[userID]; !in {
		rs.players[userID] = domain.ParticipantWaiting
	}
	return nil
}

// PlayerReady marks a waiting participant ready. When every registered
// participant is ready and the room has at least minPlayers of them, the room
// transitions to in_progress, everyone flips to racing, and started=true is
// returned exactly once.
func (c *Coordinator) PlayerReady(ctx context.Context, roomID string, userID int64) (started bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if rs.status != domain.RoomWaiting {
		return false, nil
	}
	st, in := rs.players[userID]
	if !in {
		return false, domain.ErrNotInRoom
	}
	if st != domain.ParticipantWaiting {
		return false, nil
	}
	rs.players[userID] = domain.ParticipantReady

	return c.maybeStart(ctx, roomID, rs)
}

// PlayerFinished marks a racing participant finished. finished=true is
// returned when this completes the room: every participant still in the race
// has finished. Progress numbers play no part here; only an explicit finish
// event can complete a participant.
func (c *Coordinator) PlayerFinished(ctx context.Context, roomID string, userID int64) (finished bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false, domain.ErrRoomNotFound
	}
	if rs.status != domain.RoomInProgress {
		return false, nil
	}
	st, in := rs.players[userID]
	if !in {
		return false, domain.ErrNotInRoom
	}
	if st != domain.ParticipantRacing {
		return false, nil
	}
	rs.players[userID] = domain.ParticipantFinished

	return c.maybeFinish(ctx, roomID, rs)
}

// PlayerLeft drops a participant (leave or transport disconnect). A departure
// can complete a transition on its own: mid-race it finishes the room when
// everyone still racing is gone, and in the lobby it starts the race when
// the leaver was the only participant not yet ready.
func (c *Coordinator) PlayerLeft(ctx context.Context, roomID string, userID int64) (started, finished bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false, false, nil
	}
	if _, in := rs.players[userID]; !in {
		return false, false, nil
	}
	delete(rs.players, userID)

	if len(rs.players) == 0 {
		delete(c.rooms, roomID)
		return false, false, nil
	}

	switch rs.status {
	case domain.RoomWaiting:
		started, err = c.maybeStart(ctx, roomID, rs)
	case domain.RoomInProgress:
		finished, err = c.maybeFinish(ctx, roomID, rs)
	}
	return started, finished, err
}

// RoomStatus reports the coordinator's view of a room.
func (c *Coordinator) RoomStatus(roomID string) domain.RoomStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.rooms[roomID]; ok {
		return rs.status
	}
	return domain.RoomWaiting
}

// ParticipantStatus reports a participant's lifecycle state, or false when
// the coordinator is not tracking them.
func (c *Coordinator) ParticipantStatus(roomID string, userID int64) (domain.ParticipantStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.rooms[roomID]; ok {
		st, in := rs.players[userID]
		return st, in
	}
	return "", false
}

// maybeStart fires the waiting -> in_progress transition once the room has
// at least minPlayers participants and every one of them is ready. Called
// from both ready and leave paths: a departure can be what makes the
// remaining set all-ready. Caller holds c.mu.
func (c *Coordinator) maybeStart(ctx context.Context, roomID string, rs *roomState) (bool, error) {
	if rs.status != domain.RoomWaiting || len(rs.players) < c.minPlayers {
		return false, nil
	}
	for _, s := range rs.players {
		if s != domain.ParticipantReady {
			return false, nil
		}
	}

	rs.status = domain.RoomInProgress
	for id := range rs.players {
		rs.players[id] = domain.ParticipantRacing
	}
	if err := c.persist(ctx, roomID, domain.RoomInProgress); err != nil {
		return true, err
	}
	return true, nil
}

// caller holds c.mu
func (c *Coordinator) maybeFinish(ctx context.Context, roomID string, rs *roomState) (bool, error) {
	for _, s := range rs.players {
		if s == domain.ParticipantRacing {
			return false, nil
		}
	}
	rs.status = domain.RoomFinished
	if err := c.persist(ctx, roomID, domain.RoomFinished); err != nil {
		return true, err
	}
	return true, nil
}

// caller holds c.mu
func (c *Coordinator) persist(ctx context.Context, roomID string, status domain.RoomStatus) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.UpdateStatus(ctx, roomID, status); err != nil {
		return fmt.Errorf("persist room status: %w", err)
	}
	return nil
}
