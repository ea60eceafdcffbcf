package ws

// Client -> server events
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventPlayerReady = "player_ready"
	EventProgress    = "progress_update"
	EventFinished    = "player_finished"
	EventSendMessage = "send_message"
)

// Server -> client events
const (
	EventState          = "state"           // room snapshot, sent to the joining connection only
	EventRoomUpdate     = "room_update"     // membership and lifecycle deltas
	EventReceiveMessage = "receive_message" // chat broadcast
	EventError          = "error"
)

// room_update subtypes
const (
	UpdatePlayerJoined   = "player_joined"
	UpdatePlayerLeft     = "player_left"
	UpdatePlayerReady    = "player_ready"
	UpdatePlayerFinished = "player_finished"
	UpdateRaceStarted    = "race_started"
	UpdateRaceFinished   = "race_finished"
)

type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RoomPayload carries join_room, leave_room, player_ready and player_finished.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// ProgressPayload is the client form of progress_update.
type ProgressPayload struct {
	RoomID   string  `json:"room_id"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

// ProgressEventPayload is the rebroadcast form; the sender is identified by
// player_id and does not receive an echo.
type ProgressEventPayload struct {
	PlayerID string  `json:"player_id"`
	RoomID   string  `json:"room_id"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
}

type RoomUpdatePayload struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id,omitempty"`
}

type ChatSendPayload struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}

type ChatEventPayload struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id"`
	Message  string `json:"message"`
	MsgID    string `json:"msg_id,omitempty"`
	TSUnix   int64  `json:"ts_unix"`
}

// StatePayload is the authoritative snapshot a joiner receives once. Everyone
// already in the room sees only deltas from this point on.
type StatePayload struct {
	RoomID       string                 `json:"room_id"`
	Status       string                 `json:"status"`
	Participants []ParticipantStateItem `json:"participants"`
}

type ParticipantStateItem struct {
	UserID   string  `json:"user_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	WPM      float64 `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	JoinedAt int64   `json:"joined_at_unix"`
	LastSeen int64   `json:"last_seen_unix"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
