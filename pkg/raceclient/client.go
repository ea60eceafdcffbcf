// Package raceclient is a Go client for the race-service websocket API. It
// keeps a local mirror of the joined room that is updated from incoming
// events, so callers can render state without replaying the event stream.
package raceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNoToken = errors.New("raceclient: access token required")
	ErrClosed  = errors.New("raceclient: session closed")
)

// Server event types as they appear on the wire.
const (
	EventState          = "state"
	EventRoomUpdate     = "room_update"
	EventReceiveMessage = "receive_message"
	EventError          = "error"
)

// room_update subtypes.
const (
	UpdatePlayerJoined   = "player_joined"
	UpdatePlayerLeft     = "player_left"
	UpdatePlayerReady    = "player_ready"
	UpdatePlayerFinished = "player_finished"
	UpdateRaceStarted    = "race_started"
	UpdateRaceFinished   = "race_finished"
)

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type StatePayload struct {
	RoomID       string        `json:"room_id"`
	Status       string        `json:"status"`
	Participants []Participant `json:"participants"`
}

type Participant struct {
	UserID   string  `json:"user_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	JoinedAt int64   `json:"joined_at_unix"`
	LastSeen int64   `json:"last_seen_unix"`
}

type RoomUpdate struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id,omitempty"`
}

type Progress struct {
	PlayerID string  `json:"player_id"`
	RoomID   string  `json:"room_id"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

type ChatMessage struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id"`
	Message  string `json:"message"`
	MsgID    string `json:"msg_id,omitempty"`
	TSUnix   int64  `json:"ts_unix"`
}

// Event is a decoded server message. Exactly one of the payload fields is
// set, matching Type.
type Event struct {
	Type     string
	State    *StatePayload
	Update   *RoomUpdate
	Progress *Progress
	Chat     *ChatMessage
	ErrText  string
}

// RoomState is the session's local mirror of the joined room.
type RoomState struct {
	RoomID       string
	Status       string
	Participants map[string]Participant
}

func (s RoomState) clone() RoomState {
	out := RoomState{RoomID: s.RoomID, Status: s.Status}
	if s.Participants != nil {
		out.Participants = make(map[string]Participant, len(s.Participants))
		for k, v := range s.Participants {
			out.Participants[k] = v
		}
	}
	return out
}

type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan Event
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	room RoomState
	err  error
}

// Dial connects and authenticates. The token is mandatory: the server rejects
// the upgrade without it, so we fail fast instead of burning a round trip.
func Dial(ctx context.Context, rawURL, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("raceclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("raceclient: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("raceclient: dial: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go s.readLoop()
	return s, nil
}

// Events delivers decoded server events in arrival order. The channel is
// closed when the session ends; Err reports why.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Room returns a copy of the local room mirror.
func (s *Session) Room() RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.clone()
}

// Err reports the terminal error after Events is closed. A locally initiated
// Close yields ErrClosed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	return s.shutdown(ErrClosed)
}

func (s *Session) shutdown(cause error) error {
	var closeErr error
	s.once.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		closeErr = s.conn.Close()
		close(s.closed)
	})
	return closeErr
}

func (s *Session) Join(roomID string) error {
	return s.send(outMessage{Type: "join_room", Payload: roomRef{RoomID: roomID}})
}

func (s *Session) Leave(roomID string) error {
	return s.send(outMessage{Type: "leave_room", Payload: roomRef{RoomID: roomID}})
}

func (s *Session) Ready(roomID string) error {
	return s.send(outMessage{Type: "player_ready", Payload: roomRef{RoomID: roomID}})
}

func (s *Session) Finish(roomID string) error {
	return s.send(outMessage{Type: "player_finished", Payload: roomRef{RoomID: roomID}})
}

func (s *Session) SendProgress(roomID string, progress, wpm, accuracy float64) error {
	return s.send(outMessage{Type: "progress_update", Payload: progressReq{
		RoomID: roomID, Progress: progress, WPM: wpm, Accuracy: accuracy,
	}})
}

func (s *Session) SendMessage(roomID, text string) error {
	return s.send(outMessage{Type: "send_message", Payload: chatReq{RoomID: roomID, Message: text}})
}

type roomRef struct {
	RoomID string `json:"room_id"`
}

type progressReq struct {
	RoomID   string  `json:"room_id"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

type chatReq struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

func (s *Session) send(msg outMessage) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *Session) readLoop() {
	defer close(s.events)

	for {
		var raw wireMessage
		if err := s.conn.ReadJSON(&raw); err != nil {
			_ = s.shutdown(err)
			return
		}

		ev, ok := decodeEvent(raw)
		if !ok {
			continue // unknown event type, tolerate for forward compat
		}
		s.apply(ev)

		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

func decodeEvent(raw wireMessage) (Event, bool) {
	ev := Event{Type: raw.Type}
	switch raw.Type {
	case EventState:
		var p StatePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return ev, false
		}
		ev.State = &p
	case EventRoomUpdate:
		var p RoomUpdate
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return ev, false
		}
		ev.Update = &p
	case "progress_update":
		var p Progress
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return ev, false
		}
		ev.Progress = &p
	case EventReceiveMessage:
		var p ChatMessage
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return ev, false
		}
		ev.Chat = &p
	case EventError:
		var p struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return ev, false
		}
		ev.ErrText = p.Error
	default:
		return ev, false
	}
	return ev, true
}

// apply folds an event into the room mirror before it is handed to the
// consumer, so Room() is never behind the channel.
func (s *Session) apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventState:
		st := RoomState{
			RoomID:       ev.State.RoomID,
			Status:       ev.State.Status,
			Participants: make(map[string]Participant, len(ev.State.Participants)),
		}
		for _, p := range ev.State.Participants {
			st.Participants[p.UserID] = p
		}
		s.room = st

	case EventRoomUpdate:
		if ev.Update.RoomID != s.room.RoomID {
			return
		}
		switch ev.Update.Type {
		case UpdatePlayerJoined:
			if s.room.Participants == nil {
				s.room.Participants = make(map[string]Participant)
			}
			if _, ok := s.room.Participants[ev.Update.PlayerID]; !ok {
				s.room.Participants[ev.Update.PlayerID] = Participant{
					UserID: ev.Update.PlayerID,
					Status: "waiting",
				}
			}
		case UpdatePlayerLeft:
			delete(s.room.Participants, ev.Update.PlayerID)
		case UpdatePlayerReady:
			s.setStatus(ev.Update.PlayerID, "ready")
		case UpdatePlayerFinished:
			s.setStatus(ev.Update.PlayerID, "finished")
		case UpdateRaceStarted:
			s.room.Status = "in_progress"
			for id, p := range s.room.Participants {
				if p.Status != "finished" {
					p.Status = "racing"
					s.room.Participants[id] = p
				}
			}
		case UpdateRaceFinished:
			s.room.Status = "finished"
		}

	case "progress_update":
		if ev.Progress.RoomID != s.room.RoomID {
			return
		}
		if p, ok := s.room.Participants[ev.Progress.PlayerID]; ok {
			p.Progress = ev.Progress.Progress
			p.WPM = ev.Progress.WPM
			p.Accuracy = ev.Progress.Accuracy
			s.room.Participants[ev.Progress.PlayerID] = p
		}
	}
}

func (s *Session) setStatus(playerID, status string) {
	if p, ok := s.room.Participants[playerID]; ok {
		p.Status = status
		s.room.Participants[playerID] = p
	}
}
