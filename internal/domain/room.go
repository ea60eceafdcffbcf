package domain

import "time"

type RoomStatus string

const (
	RoomWaiting    RoomStatus = "waiting"
	RoomInProgress RoomStatus = "in_progress"
	RoomFinished   RoomStatus = "finished"
)

type Room struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	Status          RoomStatus `db:"status"`
	MaxParticipants int64      `db:"max_participants"`
	TextID          string     `db:"text_id"`
	CreatedAt       time.Time  `db:"created_at"`
}
