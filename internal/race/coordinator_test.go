package race

import (
	"context"
	"errors"
	"testing"

	"github.com/typequest/race-service/internal/domain"
)

type fakeStatusStore struct {
	updates []domain.RoomStatus
	fail    error
}

func (f *fakeStatusStore) UpdateStatus(_ context.Context, _ string, status domain.RoomStatus) error {
	if f.fail != nil {
		return f.fail
	}
	f.updates = append(f.updates, status)
	return nil
}

func TestCoordinator_StartsWhenAllReady(t *testing.T) {
	ctx := context.Background()
	store := &fakeStatusStore{}
	c := NewCoordinator(store)

	if err := c.PlayerJoined("r1", 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if err := c.PlayerJoined("r1", 2); err != nil {
		t.Fatalf("join 2: %v", err)
	}

	started, err := c.PlayerReady(ctx, "r1", 1)
	if err != nil || started {
		t.Fatalf("one of two ready: started=%v err=%v", started, err)
	}
	if got := c.RoomStatus("r1"); got != domain.RoomWaiting {
		t.Fatalf("room status after first ready: %v", got)
	}

	started, err = c.PlayerReady(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("second ready: %v", err)
	}
	if !started {
		t.Fatalf("expected race start when all participants are ready")
	}
	if got := c.RoomStatus("r1"); got != domain.RoomInProgress {
		t.Fatalf("room status after start: %v", got)
	}
	if st, _ := c.ParticipantStatus("r1", 1); st != domain.ParticipantRacing {
		t.Fatalf("participant 1 after start: %v", st)
	}
	if len(store.updates) != 1 || store.updates[0] != domain.RoomInProgress {
		t.Fatalf("persisted updates: %v", store.updates)
	}
}

func TestCoordinator_NoStartBelowMinPlayers(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	if err := c.PlayerJoined("r1", 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	started, err := c.PlayerReady(ctx, "r1", 1)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if started {
		t.Fatalf("single ready participant must not start a race")
	}
}

func TestCoordinator_FinishRequiresExplicitEvent(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)
	startRace(t, c, "r1", 1, 2)

	// finishing one of two racers does not complete the room
	done, err := c.PlayerFinished(ctx, "r1", 1)
	if err != nil || done {
		t.Fatalf("first finish: done=%v err=%v", done, err)
	}
	if st, _ := c.ParticipantStatus("r1", 1); st != domain.ParticipantFinished {
		t.Fatalf("participant 1: %v", st)
	}

	done, err = c.PlayerFinished(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if !done {
		t.Fatalf("expected room to finish when the last racer finishes")
	}
	if got := c.RoomStatus("r1"); got != domain.RoomFinished {
		t.Fatalf("room status: %v", got)
	}
}

func TestCoordinator_ReadyIgnoredOutsideWaiting(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)
	startRace(t, c, "r1", 1, 2)

	started, err := c.PlayerReady(ctx, "r1", 1)
	if err != nil || started {
		t.Fatalf("ready during race must be a no-op: started=%v err=%v", started, err)
	}

	// a finish for a participant who never reached racing is a no-op too
	done, err := c.PlayerFinished(ctx, "r2", 1)
	if !errors.Is(err, domain.ErrRoomNotFound) || done {
		t.Fatalf("finish in unknown room: done=%v err=%v", done, err)
	}
}

func TestCoordinator_JoinAfterStartRefused(t *testing.T) {
	c := NewCoordinator(nil)
	startRace(t, c, "r1", 1, 2)

	if err := c.PlayerJoined("r1", 3); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("late join: %v", err)
	}
}

func TestCoordinator_LeaveMidRaceCanFinishRoom(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)
	startRace(t, c, "r1", 1, 2)

	done, err := c.PlayerFinished(ctx, "r1", 1)
	if err != nil || done {
		t.Fatalf("finish: done=%v err=%v", done, err)
	}

	// the only remaining racer disconnects; nobody is racing anymore
	_, done, err = c.PlayerLeft(ctx, "r1", 2)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !done {
		t.Fatalf("expected room to finish when the last racer leaves")
	}
}

func TestCoordinator_StartsWhenLastUnreadyPlayerLeaves(t *testing.T) {
	ctx := context.Background()
	store := &fakeStatusStore{}
	c := NewCoordinator(store)

	for _, u := range []int64{1, 2, 3} {
		if err := c.PlayerJoined("r1", u); err != nil {
			t.Fatalf("join %d: %v", u, err)
		}
	}
	for _, u := range []int64{1, 2} {
		if started, err := c.PlayerReady(ctx, "r1", u); err != nil || started {
			t.Fatalf("ready %d: started=%v err=%v", u, started, err)
		}
	}

	// 3 never readies and leaves; 1 and 2 are now an all-ready pair
	started, done, err := c.PlayerLeft(ctx, "r1", 3)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !started || done {
		t.Fatalf("leave of the only unready player: started=%v done=%v", started, done)
	}
	if got := c.RoomStatus("r1"); got != domain.RoomInProgress {
		t.Fatalf("room status: %v", got)
	}
	if st, _ := c.ParticipantStatus("r1", 1); st != domain.ParticipantRacing {
		t.Fatalf("participant 1: %v", st)
	}
	if len(store.updates) != 1 || store.updates[0] != domain.RoomInProgress {
		t.Fatalf("persisted updates: %v", store.updates)
	}
}

func TestCoordinator_LeaveBelowMinPlayersStaysWaiting(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	if err := c.PlayerJoined("r1", 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if err := c.PlayerJoined("r1", 2); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if _, err := c.PlayerReady(ctx, "r1", 1); err != nil {
		t.Fatalf("ready: %v", err)
	}

	// 2 leaves; 1 is all alone and ready, but below the player minimum
	started, _, err := c.PlayerLeft(ctx, "r1", 2)
	if err != nil || started {
		t.Fatalf("leave: started=%v err=%v", started, err)
	}
	if got := c.RoomStatus("r1"); got != domain.RoomWaiting {
		t.Fatalf("room status: %v", got)
	}
}

func TestCoordinator_RejoinKeepsStatus(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	if err := c.PlayerJoined("r1", 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if err := c.PlayerJoined("r1", 2); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if _, err := c.PlayerReady(ctx, "r1", 1); err != nil {
		t.Fatalf("ready 1: %v", err)
	}

	// a duplicate join must not knock 1 back to waiting
	if err := c.PlayerJoined("r1", 1); err != nil {
		t.Fatalf("rejoin 1: %v", err)
	}
	if st, _ := c.ParticipantStatus("r1", 1); st != domain.ParticipantReady {
		t.Fatalf("participant 1 after rejoin: %v", st)
	}

	started, err := c.PlayerReady(ctx, "r1", 2)
	if err != nil || !started {
		t.Fatalf("ready 2: started=%v err=%v", started, err)
	}
}

func TestCoordinator_LeaveUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil)

	started, done, err := c.PlayerLeft(ctx, "nope", 7)
	if err != nil || started || done {
		t.Fatalf("leave of unknown member: started=%v done=%v err=%v", started, done, err)
	}
}

func startRace(t *testing.T, c *Coordinator, roomID string, users ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, u := range users {
		if err := c.PlayerJoined(roomID, u); err != nil {
			t.Fatalf("join %d: %v", u, err)
		}
	}
	var started bool
	for _, u := range users {
		s, err := c.PlayerReady(ctx, roomID, u)
		if err != nil {
			t.Fatalf("ready %d: %v", u, err)
		}
		started = started || s
	}
	if !started {
		t.Fatalf("race did not start")
	}
}
