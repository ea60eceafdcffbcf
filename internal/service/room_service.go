package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/postgres"
)

type RoomService struct {
	roomRepo *postgres.RoomRepository
}

func NewRoomService(roomRepo *postgres.RoomRepository) *RoomService {
	return &RoomService{roomRepo: roomRepo}
}

// CreateRoom creates a waiting room for the given practice text.
// The participant limit is advisory room metadata; it is clamped here once
// instead of being re-checked by the relay layer.
func (s *RoomService) CreateRoom(ctx context.Context, name, textID string, max int64) (*domain.Room, error) {
	if max <= 0 || max > 10 {
		max = 10
	}

	room := &domain.Room{
		Name:            name,
		Status:          domain.RoomWaiting,
		MaxParticipants: max,
		TextID:          textID,
	}

	if err := s.roomRepo.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("roomRepo.Create: %w", err)
	}
	return room, nil
}

// GetRoom returns a room by ID.
func (s *RoomService) GetRoom(ctx context.Context, id string) (*domain.Room, error) {
	room, err := s.roomRepo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, domain.ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

// ListRooms returns rooms with cursor pagination.
func (s *RoomService) ListRooms(ctx context.Context, limit int, cursor string) ([]domain.Room, string, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}

	rooms, nextCursor, err := s.roomRepo.List(ctx, limit, cursor)
	if err != nil {
		return nil, "", err
	}
	return rooms, nextCursor, nil
}

func (s *RoomService) DeleteRoom(ctx context.Context, id string) error {
	return s.roomRepo.Delete(ctx, id)
}
