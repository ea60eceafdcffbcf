package http

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateRoomRequest struct {
	Name   string `json:"name"`
	TextID string `json:"text_id"`
	Max    int64  `json:"max_participants"`
}

type RoomItem struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	MaxParticipants int64     `json:"max_participants"`
	TextID          string    `json:"text_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type RoomsListResponse struct {
	Items      []RoomItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type JoinRoomResponse struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
}

type ParticipantItem struct {
	UserID      string    `json:"user_id"`
	DisplayName *string   `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	WPM         float64   `json:"wpm"`
	Accuracy    float64   `json:"accuracy"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type ParticipantsResponse struct {
	Items []ParticipantItem `json:"items"`
}

type ChatMessageItem struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatHistoryResponse struct {
	Items      []ChatMessageItem `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}
