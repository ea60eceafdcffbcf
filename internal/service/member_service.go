package service

import (
	"context"
	"time"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/postgres"
)

type MemberService struct {
	roomRepo        *postgres.RoomRepository
	participantRepo *postgres.ParticipantRepository

	heartbeatWindow time.Duration
}

func NewMemberService(roomRepo *postgres.RoomRepository, participantRepo *postgres.ParticipantRepository) *MemberService {
	return &MemberService{
		roomRepo:        roomRepo,
		participantRepo: participantRepo,
		heartbeatWindow: 60 * time.Second,
	}
}

func (s *MemberService) SetHeartbeatWindow(d time.Duration) {
	if d > 0 {
		s.heartbeatWindow = d
	}
}

func (s *MemberService) JoinRoom(ctx context.Context, roomID string, userID int64) (*domain.Participant, error) {
	room, err := s.roomRepo.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	exists, err := s.participantRepo.Exists(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrAlreadyJoined
	}

	p := &domain.Participant{
		RoomID:   roomID,
		UserID:   userID,
		Status:   domain.ParticipantWaiting,
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
	}

	if err := s.participantRepo.Join(ctx, p, room.MaxParticipants); err != nil {
		return nil, err
	}

	return p, nil
}

func (s *MemberService) LeaveRoom(ctx context.Context, roomID string, userID int64) error {
	return s.participantRepo.Leave(ctx, roomID, userID)
}

func (s *MemberService) ListParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	return s.participantRepo.ListByRoom(ctx, roomID)
}

// SetStatus records a participant's race status (ready, racing, finished,
// disconnected). The transition decision itself lives in the coordinator.
func (s *MemberService) SetStatus(ctx context.Context, roomID string, userID int64, status domain.ParticipantStatus) error {
	return s.participantRepo.UpdateStatus(ctx, roomID, userID, status)
}

// SetStatusAll moves every connected participant of a room to the given
// status in one statement (race start: waiting/ready -> racing).
func (s *MemberService) SetStatusAll(ctx context.Context, roomID string, status domain.ParticipantStatus) error {
	return s.participantRepo.UpdateStatusAll(ctx, roomID, status)
}

// RecordProgress persists the live progress/wpm/accuracy numbers. Values are
// clamped at the gateway before they reach this point.
func (s *MemberService) RecordProgress(ctx context.Context, roomID string, userID int64, progress, wpm, accuracy float64) error {
	return s.participantRepo.UpdateProgress(ctx, roomID, userID, progress, wpm, accuracy)
}

func (s *MemberService) TouchHeartbeat(ctx context.Context, roomID string, userID int64) error {
	return s.participantRepo.TouchHeartbeat(ctx, roomID, userID)
}

type ParticipantDetailed struct {
	UserID      int64
	DisplayName *string
	AvatarURL   *string
	Status      domain.ParticipantStatus
	Progress    float64
	WPM         float64
	Accuracy    float64
	JoinedAt    time.Time
	LastSeen    time.Time
}

func (s *MemberService) ListParticipantsDetailed(ctx context.Context, roomID string) ([]ParticipantDetailed, error) {
	rows, err := s.participantRepo.ListDetailed(ctx, roomID, s.heartbeatWindow)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantDetailed, 0, len(rows))
	for _, r := range rows {
		out = append(out, ParticipantDetailed{
			UserID:      r.UserID,
			DisplayName: r.DisplayName,
			AvatarURL:   r.AvatarURL,
			Status:      r.Status,
			Progress:    r.Progress,
			WPM:         r.WPM,
			Accuracy:    r.Accuracy,
			JoinedAt:    r.JoinedAt,
			LastSeen:    r.LastSeen,
		})
	}

	return out, nil
}
