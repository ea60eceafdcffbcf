package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/race"

	"github.com/gorilla/websocket"
)

// Authenticator resolves an opaque access token to a user id. A connection
// that cannot be resolved is refused before the upgrade; no handler ever
// sees an unauthenticated connection.
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

type RoomSvc interface {
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
}

type MemberSvc interface {
	JoinRoom(ctx context.Context, roomID string, userID int64) (*domain.Participant, error)
	LeaveRoom(ctx context.Context, roomID string, userID int64) error
	ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error)
	SetStatus(ctx context.Context, roomID string, userID int64, status domain.ParticipantStatus) error
	SetStatusAll(ctx context.Context, roomID string, status domain.ParticipantStatus) error
	RecordProgress(ctx context.Context, roomID string, userID int64, progress, wpm, accuracy float64) error
	TouchHeartbeat(ctx context.Context, roomID string, userID int64) error
}

type ChatSvc interface {
	Save(ctx context.Context, roomID string, userID int64, text string) (msgID string, createdAt time.Time, err error)
}

type Server struct {
	upgrader  websocket.Upgrader
	hub       *Hub
	auth      Authenticator
	roomSvc   RoomSvc
	memberSvc MemberSvc
	chatSvc   ChatSvc
	coord     *race.Coordinator

	pingEvery time.Duration
}

func NewServer(hub *Hub, auth Authenticator, room RoomSvc, member MemberSvc, chat ChatSvc, coord *race.Coordinator) *Server {
	return &Server{
		hub:       hub,
		auth:      auth,
		roomSvc:   room,
		memberSvc: member,
		chatSvc:   chat,
		coord:     coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery: 15 * time.Second,
	}
}

// WS endpoint: GET /ws?access_token=...
// Room membership is driven by join_room/leave_room events after connect,
// not by the URL; a connection is in at most one room at a time.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	uid, err := s.auth.Authenticate(token)
	if err != nil {
		slog.Warn("ws auth failed", "err", err)
		http.Error(w, "invalid access_token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newWsConn(conn, uid)
	slog.Debug("ws connected", "user", uid)

	go s.writeLoop(r.Context(), c)
	s.readLoop(r.Context(), c)

	s.disconnect(c)

	if err := c.Close(); err != nil {
		slog.Debug("ws close failed", "user", uid, "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		if roomID, ok := s.hub.RoomOf(c); ok {
			_ = s.memberSvc.TouchHeartbeat(ctx, roomID, c.userID)
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "bad json")
			continue
		}

		switch msg.Type {
		case EventJoinRoom:
			var p RoomPayload
			if decode(msg.Payload, &p) != nil || p.RoomID == "" {
				s.sendError(c, "missing room_id")
				continue
			}
			s.handleJoin(ctx, c, p.RoomID)

		case EventLeaveRoom:
			s.handleLeave(ctx, c)

		case EventPlayerReady:
			var p RoomPayload
			if decode(msg.Payload, &p) != nil {
				s.sendError(c, "bad payload")
				continue
			}
			s.handleReady(ctx, c, p.RoomID)

		case EventProgress:
			var p ProgressPayload
			if decode(msg.Payload, &p) != nil {
				s.sendError(c, "bad payload")
				continue
			}
			s.handleProgress(ctx, c, p)

		case EventFinished:
			var p RoomPayload
			if decode(msg.Payload, &p) != nil {
				s.sendError(c, "bad payload")
				continue
			}
			s.handleFinished(ctx, c, p.RoomID)

		case EventSendMessage:
			var p ChatSendPayload
			if decode(msg.Payload, &p) != nil {
				s.sendError(c, "bad payload")
				continue
			}
			s.handleChat(ctx, c, p)

		default:
			s.sendError(c, "unknown event")
		}
	}
}

// handleJoin admits the connection into a room's broadcast group. A join
// while already in another room leaves that room first, so the single-room
// invariant holds even for clients that never sent leave_room.
func (s *Server) handleJoin(ctx context.Context, c *wsConn, roomID string) {
	if prev, ok := s.hub.RoomOf(c); ok {
		if prev == roomID {
			return
		}
		s.handleLeave(ctx, c)
	}

	if err := s.coord.PlayerJoined(roomID, c.userID); err != nil {
		s.sendError(c, joinErrText(err))
		return
	}

	if _, err := s.memberSvc.JoinRoom(ctx, roomID, c.userID); err != nil && err != domain.ErrAlreadyJoined {
		started, _, _ := s.coord.PlayerLeft(ctx, roomID, c.userID)
		if started {
			s.announceRaceStarted(ctx, roomID)
		}
		s.sendError(c, joinErrText(err))
		return
	}

	s.hub.Join(c, roomID)

	// the joiner gets the authoritative snapshot once; members already in
	// the room see only the join delta below, never replayed history
	if err := s.sendState(ctx, c, roomID); err != nil {
		slog.Warn("ws send state failed", "room", roomID, "user", c.userID, "err", err)
	}

	s.hub.Broadcast(roomID, Message{
		Type: EventRoomUpdate,
		Payload: RoomUpdatePayload{
			Type:     UpdatePlayerJoined,
			RoomID:   roomID,
			PlayerID: c.PlayerID(),
		},
	})
	slog.Info("ws join", "room", roomID, "user", c.userID)
}

// handleLeave is idempotent; leaving while not in a room is a no-op.
func (s *Server) handleLeave(ctx context.Context, c *wsConn) {
	roomID, ok := s.hub.Leave(c)
	if !ok {
		return
	}

	raceStarted, raceDone, err := s.coord.PlayerLeft(ctx, roomID, c.userID)
	if err != nil {
		slog.Warn("ws leave coordinator", "room", roomID, "user", c.userID, "err", err)
	}
	if err := s.memberSvc.LeaveRoom(ctx, roomID, c.userID); err != nil && err != domain.ErrNotInRoom {
		slog.Debug("ws leave room failed", "room", roomID, "user", c.userID, "err", err)
	}

	s.hub.Broadcast(roomID, Message{
		Type: EventRoomUpdate,
		Payload: RoomUpdatePayload{
			Type:     UpdatePlayerLeft,
			RoomID:   roomID,
			PlayerID: c.PlayerID(),
		},
	})
	// the leaver may have been the only one not ready, or the last racer
	if raceStarted {
		s.announceRaceStarted(ctx, roomID)
	}
	if raceDone {
		s.broadcastRaceFinished(roomID)
	}
	slog.Info("ws leave", "room", roomID, "user", c.userID)
}

func (s *Server) handleReady(ctx context.Context, c *wsConn, roomID string) {
	if !s.inRoom(c, roomID) {
		s.sendError(c, "not in room")
		return
	}

	started, err := s.coord.PlayerReady(ctx, roomID, c.userID)
	if err != nil {
		slog.Warn("ws ready", "room", roomID, "user", c.userID, "err", err)
		s.sendError(c, "not in room")
		return
	}

	if err := s.memberSvc.SetStatus(ctx, roomID, c.userID, domain.ParticipantReady); err != nil {
		slog.Debug("ws persist ready failed", "room", roomID, "user", c.userID, "err", err)
	}

	s.hub.Broadcast(roomID, Message{
		Type: EventRoomUpdate,
		Payload: RoomUpdatePayload{
			Type:     UpdatePlayerReady,
			RoomID:   roomID,
			PlayerID: c.PlayerID(),
		},
	})

	if started {
		s.announceRaceStarted(ctx, roomID)
	}
}

// announceRaceStarted persists the racing statuses and tells the room the
// race is on. Runs on whichever event tripped the start condition.
func (s *Server) announceRaceStarted(ctx context.Context, roomID string) {
	if err := s.memberSvc.SetStatusAll(ctx, roomID, domain.ParticipantRacing); err != nil {
		slog.Warn("ws persist racing failed", "room", roomID, "err", err)
	}
	s.hub.Broadcast(roomID, Message{
		Type:    EventRoomUpdate,
		Payload: RoomUpdatePayload{Type: UpdateRaceStarted, RoomID: roomID},
	})
	slog.Info("race started", "room", roomID)
}

// handleProgress relays live typing stats to the rest of the room. Values
// are client-computed, so they are clamped here at the trust boundary rather
// than passed through verbatim.
func (s *Server) handleProgress(ctx context.Context, c *wsConn, p ProgressPayload) {
	if !s.inRoom(c, p.RoomID) {
		s.sendError(c, "not in room")
		return
	}

	progress := clamp(p.Progress, 0, 100)
	wpm := clamp(p.WPM, 0, maxWPM)
	accuracy := clamp(p.Accuracy, 0, 100)

	if err := s.memberSvc.RecordProgress(ctx, p.RoomID, c.userID, progress, wpm, accuracy); err != nil {
		slog.Debug("ws persist progress failed", "room", p.RoomID, "user", c.userID, "err", err)
	}

	// crossing 100% is not a finish; only an explicit player_finished event
	// completes a participant
	s.hub.BroadcastExcept(p.RoomID, Message{
		Type: EventProgress,
		Payload: ProgressEventPayload{
			PlayerID: c.PlayerID(),
			RoomID:   p.RoomID,
			Progress: progress,
			WPM:      wpm,
			Accuracy: accuracy,
		},
	}, c)
}

func (s *Server) handleFinished(ctx context.Context, c *wsConn, roomID string) {
	if !s.inRoom(c, roomID) {
		s.sendError(c, "not in room")
		return
	}

	raceDone, err := s.coord.PlayerFinished(ctx, roomID, c.userID)
	if err != nil {
		slog.Warn("ws finish", "room", roomID, "user", c.userID, "err", err)
		s.sendError(c, "not in room")
		return
	}

	if err := s.memberSvc.SetStatus(ctx, roomID, c.userID, domain.ParticipantFinished); err != nil {
		slog.Debug("ws persist finish failed", "room", roomID, "user", c.userID, "err", err)
	}

	s.hub.Broadcast(roomID, Message{
		Type: EventRoomUpdate,
		Payload: RoomUpdatePayload{
			Type:     UpdatePlayerFinished,
			RoomID:   roomID,
			PlayerID: c.PlayerID(),
		},
	})
	if raceDone {
		s.broadcastRaceFinished(roomID)
		slog.Info("race finished", "room", roomID)
	}
}

func (s *Server) handleChat(ctx context.Context, c *wsConn, p ChatSendPayload) {
	roomID := p.RoomID
	if !s.inRoom(c, roomID) {
		s.sendError(c, "not in room")
		return
	}

	msgID, ts, err := s.chatSvc.Save(ctx, roomID, c.userID, p.Message)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	// one broadcast to everyone, sender included; timestamp is the server's
	s.hub.Broadcast(roomID, Message{
		Type: EventReceiveMessage,
		Payload: ChatEventPayload{
			PlayerID: c.PlayerID(),
			RoomID:   roomID,
			Message:  strings.TrimSpace(p.Message),
			MsgID:    msgID,
			TSUnix:   ts.Unix(),
		},
	})
}

// disconnect runs when the transport drops, whatever the reason. The peers
// get an explicit player_left instead of silently losing a participant, and
// the store keeps the row with a disconnected status for the post-race view.
func (s *Server) disconnect(c *wsConn) {
	roomID, ok := s.hub.Leave(c)
	if !ok {
		return
	}

	// request context is gone by now; cleanup gets its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raceStarted, raceDone, err := s.coord.PlayerLeft(ctx, roomID, c.userID)
	if err != nil {
		slog.Warn("ws disconnect coordinator", "room", roomID, "user", c.userID, "err", err)
	}
	if err := s.memberSvc.SetStatus(ctx, roomID, c.userID, domain.ParticipantDisconnected); err != nil && err != domain.ErrNotInRoom {
		slog.Debug("ws persist disconnect failed", "room", roomID, "user", c.userID, "err", err)
	}

	s.hub.Broadcast(roomID, Message{
		Type: EventRoomUpdate,
		Payload: RoomUpdatePayload{
			Type:     UpdatePlayerLeft,
			RoomID:   roomID,
			PlayerID: c.PlayerID(),
		},
	})
	if raceStarted {
		s.announceRaceStarted(ctx, roomID)
	}
	if raceDone {
		s.broadcastRaceFinished(roomID)
	}
	slog.Info("ws disconnect", "room", roomID, "user", c.userID)
}

func (s *Server) sendState(ctx context.Context, c *wsConn, roomID string) error {
	room, err := s.roomSvc.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	parts, err := s.memberSvc.ListParticipants(ctx, roomID)
	if err != nil {
		return err
	}
	items := make([]ParticipantStateItem, 0, len(parts))
	for _, p := range parts {
		items = append(items, ParticipantStateItem{
			UserID:   strconv.FormatInt(p.UserID, 10),
			Status:   string(p.Status),
			Progress: p.Progress,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
			JoinedAt: p.JoinedAt.Unix(),
			LastSeen: p.LastSeen.Unix(),
		})
	}

	return c.Send(Message{
		Type: EventState,
		Payload: StatePayload{
			RoomID:       roomID,
			Status:       string(room.Status),
			Participants: items,
		},
	})
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (s *Server) inRoom(c *wsConn, roomID string) bool {
	cur, ok := s.hub.RoomOf(c)
	return ok && roomID != "" && cur == roomID
}

func (s *Server) sendError(c *wsConn, text string) {
	_ = c.Send(Message{Type: EventError, Payload: ErrorPayload{Error: text}})
}

func (s *Server) broadcastRaceFinished(roomID string) {
	s.hub.Broadcast(roomID, Message{
		Type:    EventRoomUpdate,
		Payload: RoomUpdatePayload{Type: UpdateRaceFinished, RoomID: roomID},
	})
}

const maxWPM = 500 // above any human typing speed; everything beyond is a bogus client

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func joinErrText(err error) string {
	switch err {
	case domain.ErrRoomNotFound:
		return "room not found"
	case domain.ErrRoomFull:
		return "room full"
	case domain.ErrRoomClosed:
		return "race already started"
	default:
		return "join failed"
	}
}

// --- helpers ---

func decode(payload interface{}, dst interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, dst)
}

type wsConn struct {
	conn   *websocket.Conn
	userID int64
	sendMu chan struct{}
	closed chan struct{}
}

func newWsConn(c *websocket.Conn, userID int64) *wsConn {
	return &wsConn{
		conn:   c,
		userID: userID,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg Message) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	return c.conn.Close()
}

func (c *wsConn) UserID() int64 { return c.userID }

func (c *wsConn) PlayerID() string { return strconv.FormatInt(c.userID, 10) }
