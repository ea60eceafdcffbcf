package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/race"

	"github.com/gorilla/websocket"
)

// --- stubs ---

type stubAuth map[string]int64

func (a stubAuth) Authenticate(token string) (int64, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return 0, errors.New("bad token")
}

type stubRooms struct{}

func (stubRooms) GetRoom(_ context.Context, id string) (*domain.Room, error) {
	return &domain.Room{ID: id, Name: "room " + id, Status: domain.RoomWaiting, MaxParticipants: 10}, nil
}

type stubMembers struct {
	mu    sync.Mutex
	rooms map[string]map[int64]*domain.Participant
}

func newStubMembers() *stubMembers {
	return &stubMembers{rooms: make(map[string]map[int64]*domain.Participant)}
}

func (m *stubMembers) JoinRoom(_ context.Context, roomID string, userID int64) (*domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.rooms[roomID]
	if !ok {
		rs = make(map[int64]*domain.Participant)
		m.rooms[roomID] = rs
	}
	if _, ok := rs[userID]; ok {
		return nil, domain.ErrAlreadyJoined
	}
	p := &domain.Participant{RoomID: roomID, UserID: userID, Status: domain.ParticipantWaiting, JoinedAt: time.Now(), LastSeen: time.Now()}
	rs[userID] = p
	return p, nil
}

func (m *stubMembers) LeaveRoom(_ context.Context, roomID string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.rooms[roomID]; ok {
		delete(rs, userID)
	}
	return nil
}

func (m *stubMembers) ListParticipants(_ context.Context, roomID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Participant
	for _, p := range m.rooms[roomID] {
		out = append(out, *p)
	}
	return out, nil
}

func (m *stubMembers) SetStatus(_ context.Context, roomID string, userID int64, status domain.ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.rooms[roomID][userID]; ok {
		p.Status = status
		return nil
	}
	return domain.ErrNotInRoom
}

func (m *stubMembers) SetStatusAll(_ context.Context, roomID string, status domain.ParticipantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rooms[roomID] {
		if p.Status != domain.ParticipantDisconnected {
			p.Status = status
		}
	}
	return nil
}

func (m *stubMembers) RecordProgress(_ context.Context, roomID string, userID int64, progress, wpm, accuracy float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.rooms[roomID][userID]; ok {
		p.Progress, p.WPM, p.Accuracy = progress, wpm, accuracy
		return nil
	}
	return domain.ErrNotInRoom
}

func (m *stubMembers) TouchHeartbeat(_ context.Context, _ string, _ int64) error { return nil }

func (m *stubMembers) status(roomID string, userID int64) domain.ParticipantStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.rooms[roomID][userID]; ok {
		return p.Status
	}
	return ""
}

type stubChat struct {
	mu    sync.Mutex
	saved []string
	seq   int
}

func (c *stubChat) Save(_ context.Context, _ string, _ int64, text string) (string, time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", time.Time{}, errors.New("empty message")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.saved = append(c.saved, text)
	return fmt.Sprintf("m%d", c.seq), time.Now(), nil
}

func (c *stubChat) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.saved...)
}

// --- harness ---

type testEnv struct {
	ts      *httptest.Server
	hub     *Hub
	members *stubMembers
	chat    *stubChat
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	hub := NewHub()
	members := newStubMembers()
	chat := &stubChat{}
	coord := race.NewCoordinator(nil)
	srv := NewServer(hub, stubAuth{"tok1": 1, "tok2": 2, "tok3": 3}, stubRooms{}, members, chat, coord)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, hub: hub, members: members, chat: chat}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	if token != "" {
		u += "?access_token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type rawEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func recvEvent(t *testing.T, c *websocket.Conn) rawEvent {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev rawEvent
	if err := c.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func recvUpdate(t *testing.T, c *websocket.Conn) RoomUpdatePayload {
	t.Helper()
	ev := recvEvent(t, c)
	if ev.Type != EventRoomUpdate {
		t.Fatalf("expected room_update, got %s (%s)", ev.Type, ev.Payload)
	}
	var p RoomUpdatePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode room_update: %v", err)
	}
	return p
}

func recvNoEvent(t *testing.T, c *websocket.Conn, within time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(within))
	var ev rawEvent
	if err := c.ReadJSON(&ev); err == nil {
		t.Fatalf("expected no event within %v, got %s (%s)", within, ev.Type, ev.Payload)
	}
}

func sendEvent(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	if err := c.WriteJSON(Message{Type: typ, Payload: payload}); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

// join and drain the two events the joiner always gets: state, then its own
// player_joined delta
func join(t *testing.T, c *websocket.Conn, roomID string) {
	t.Helper()
	sendEvent(t, c, EventJoinRoom, RoomPayload{RoomID: roomID})
	if ev := recvEvent(t, c); ev.Type != EventState {
		t.Fatalf("expected state after join, got %s", ev.Type)
	}
	if up := recvUpdate(t, c); up.Type != UpdatePlayerJoined {
		t.Fatalf("expected player_joined after state, got %s", up.Type)
	}
}

// --- tests ---

func TestGateway_RefusesWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	u := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(u, nil); err == nil {
		t.Fatalf("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(u+"?access_token=forged", nil); err == nil {
		t.Fatalf("dial with invalid token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// nothing was ever admitted to a broadcast group
	if n := env.hub.Members("r1"); n != 0 {
		t.Fatalf("room has %d members", n)
	}
}

func TestGateway_JoinThenLeave_PeersSeeOneJoinedOneLeft(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")

	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")

	// c1 observes exactly one player_joined for player 2
	up := recvUpdate(t, c1)
	if up.Type != UpdatePlayerJoined || up.PlayerID != "2" {
		t.Fatalf("c1 first delta: %+v", up)
	}

	sendEvent(t, c2, EventLeaveRoom, RoomPayload{RoomID: "r1"})
	up = recvUpdate(t, c1)
	if up.Type != UpdatePlayerLeft || up.PlayerID != "2" {
		t.Fatalf("c1 second delta: %+v", up)
	}
	recvNoEvent(t, c1, 150*time.Millisecond)
}

func TestGateway_ProgressIsOrderedClampedAndNotEchoed(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1) // c2 joined

	// out-of-range values are clamped at the boundary, not passed through
	sendEvent(t, c1, EventProgress, ProgressPayload{RoomID: "r1", Progress: 150, WPM: -5, Accuracy: 120})
	sendEvent(t, c1, EventProgress, ProgressPayload{RoomID: "r1", Progress: 50, WPM: 60, Accuracy: 97.5})

	ev := recvEvent(t, c2)
	if ev.Type != EventProgress {
		t.Fatalf("expected progress, got %s", ev.Type)
	}
	var p ProgressEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.PlayerID != "1" || p.Progress != 100 || p.WPM != 0 || p.Accuracy != 100 {
		t.Fatalf("first update not clamped: %+v", p)
	}

	// per-connection FIFO: the second update arrives second
	ev = recvEvent(t, c2)
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Progress != 50 || p.WPM != 60 {
		t.Fatalf("second update out of order: %+v", p)
	}

	// sender gets no echo of its own numbers
	recvNoEvent(t, c1, 150*time.Millisecond)
}

func TestGateway_ReadyFlowStartsRace_NoBackfillForLateJoiner(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1) // c2 joined

	sendEvent(t, c1, EventPlayerReady, RoomPayload{RoomID: "r1"})
	if up := recvUpdate(t, c2); up.Type != UpdatePlayerReady || up.PlayerID != "1" {
		t.Fatalf("c2 missed ready: %+v", up)
	}

	// a client joining now sees the snapshot, not a replay of c1's ready
	c3 := env.dial(t, "tok3")
	join(t, c3, "r1")
	recvNoEvent(t, c3, 150*time.Millisecond)

	sendEvent(t, c1, EventLeaveRoom, RoomPayload{RoomID: "r1"}) // back to two players
	sendEvent(t, c2, EventPlayerReady, RoomPayload{RoomID: "r1"})
	sendEvent(t, c3, EventPlayerReady, RoomPayload{RoomID: "r1"})

	sawStart := false
	for i := 0; i < 8 && !sawStart; i++ {
		up := recvUpdate(t, c2)
		if up.Type == UpdateRaceStarted {
			sawStart = true
		}
	}
	if !sawStart {
		t.Fatalf("race never started after all remaining players were ready")
	}
	if st := env.members.status("r1", 2); st != domain.ParticipantRacing {
		t.Fatalf("persisted status after start: %v", st)
	}
}

func TestGateway_RaceStartsWhenUnreadyPlayerLeaves(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1) // c2 joined
	c3 := env.dial(t, "tok3")
	join(t, c3, "r1")
	_ = recvUpdate(t, c1) // c3 joined
	_ = recvUpdate(t, c2)

	sendEvent(t, c1, EventPlayerReady, RoomPayload{RoomID: "r1"})
	sendEvent(t, c2, EventPlayerReady, RoomPayload{RoomID: "r1"})

	// c3 never readies and walks out, leaving an all-ready pair behind
	sendEvent(t, c3, EventLeaveRoom, RoomPayload{RoomID: "r1"})

	drainUntil(t, c1, UpdateRaceStarted)
	drainUntil(t, c2, UpdateRaceStarted)

	if st := env.members.status("r1", 1); st != domain.ParticipantRacing {
		t.Fatalf("persisted status after start: %v", st)
	}
}

func TestGateway_OnlyExplicitFinishCompletes(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1)

	sendEvent(t, c1, EventPlayerReady, RoomPayload{RoomID: "r1"})
	sendEvent(t, c2, EventPlayerReady, RoomPayload{RoomID: "r1"})
	drainUntil(t, c1, UpdateRaceStarted)
	drainUntil(t, c2, UpdateRaceStarted)

	// hitting 100% progress is not a finish
	sendEvent(t, c1, EventProgress, ProgressPayload{RoomID: "r1", Progress: 100, WPM: 80, Accuracy: 99})
	if ev := recvEvent(t, c2); ev.Type != EventProgress {
		t.Fatalf("expected plain progress at 100%%, got %s", ev.Type)
	}

	sendEvent(t, c1, EventFinished, RoomPayload{RoomID: "r1"})
	if up := recvUpdate(t, c2); up.Type != UpdatePlayerFinished || up.PlayerID != "1" {
		t.Fatalf("c2 missed finish: %+v", up)
	}

	sendEvent(t, c2, EventFinished, RoomPayload{RoomID: "r1"})
	drainUntil(t, c1, UpdateRaceFinished)
}

func TestGateway_EmptyChatRejected(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1)

	sendEvent(t, c1, EventSendMessage, ChatSendPayload{RoomID: "r1", Message: "   "})
	if ev := recvEvent(t, c1); ev.Type != EventError {
		t.Fatalf("expected error for empty message, got %s", ev.Type)
	}

	// per-connection FIFO means c1's next message is relayed after the
	// rejected one would have been; c2 seeing it as its first frame proves
	// the empty message was never broadcast
	sendEvent(t, c1, EventSendMessage, ChatSendPayload{RoomID: "r1", Message: "good luck"})
	for _, c := range []*websocket.Conn{c1, c2} {
		ev := recvEvent(t, c)
		if ev.Type != EventReceiveMessage {
			t.Fatalf("expected receive_message, got %s", ev.Type)
		}
		var p ChatEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode chat: %v", err)
		}
		if p.PlayerID != "1" || p.Message != "good luck" || p.TSUnix == 0 {
			t.Fatalf("chat payload: %+v", p)
		}
	}

	if saved := env.chat.messages(); len(saved) != 1 || saved[0] != "good luck" {
		t.Fatalf("persisted chat: %v", saved)
	}
}

func TestGateway_JoiningSecondRoomLeavesFirst(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1)

	join(t, c1, "r2")
	if up := recvUpdate(t, c2); up.Type != UpdatePlayerLeft || up.PlayerID != "1" {
		t.Fatalf("r1 peer missed the implicit leave: %+v", up)
	}
	if n := env.hub.Members("r1"); n != 1 {
		t.Fatalf("r1 members after move: %d", n)
	}
}

func TestGateway_DisconnectBroadcastsPlayerLeft(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	join(t, c1, "r1")
	c2 := env.dial(t, "tok2")
	join(t, c2, "r1")
	_ = recvUpdate(t, c1)

	// transport drop, no leave_room event
	_ = c2.Close()

	up := recvUpdate(t, c1)
	if up.Type != UpdatePlayerLeft || up.PlayerID != "2" {
		t.Fatalf("peer missed disconnect: %+v", up)
	}

	deadline := time.Now().Add(time.Second)
	for env.members.status("r1", 2) != domain.ParticipantDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("participant 2 never marked disconnected, status=%v", env.members.status("r1", 2))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_EventsOutsideRoomRejected(t *testing.T) {
	env := newTestEnv(t)

	c1 := env.dial(t, "tok1")
	sendEvent(t, c1, EventProgress, ProgressPayload{RoomID: "r1", Progress: 10, WPM: 40})
	if ev := recvEvent(t, c1); ev.Type != EventError {
		t.Fatalf("expected error for progress outside a room, got %s", ev.Type)
	}

	sendEvent(t, c1, EventPlayerReady, RoomPayload{RoomID: "r1"})
	if ev := recvEvent(t, c1); ev.Type != EventError {
		t.Fatalf("expected error for ready outside a room, got %s", ev.Type)
	}
}

func drainUntil(t *testing.T, c *websocket.Conn, updateType string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := recvEvent(t, c)
		if ev.Type != EventRoomUpdate {
			continue
		}
		var p RoomUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("decode room_update: %v", err)
		}
		if p.Type == updateType {
			return
		}
	}
	t.Fatalf("never saw %s", updateType)
}
