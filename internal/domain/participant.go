package domain

import "time"

type ParticipantStatus string

const (
	ParticipantWaiting      ParticipantStatus = "waiting"
	ParticipantReady        ParticipantStatus = "ready"
	ParticipantRacing       ParticipantStatus = "racing"
	ParticipantFinished     ParticipantStatus = "finished"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

type Participant struct {
	RoomID   string            `db:"room_id"`
	UserID   int64             `db:"user_id"`
	Status   ParticipantStatus `db:"status"`
	Progress float64           `db:"progress"` // percent of the text typed, 0..100
	WPM      float64           `db:"wpm"`
	Accuracy float64           `db:"accuracy"`
	JoinedAt time.Time         `db:"joined_at"`
	LastSeen time.Time         `db:"last_seen"`
}
