package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/postgres"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
)

type ChatService struct {
	chatRepo *postgres.ChatRepository
}

func NewChatService(chatRepo *postgres.ChatRepository) *ChatService {
	return &ChatService{chatRepo: chatRepo}
}

// Save persists a chat line and returns its id and the server-assigned
// timestamp. Whitespace-only messages are rejected, not broadcast.
func (s *ChatService) Save(ctx context.Context, roomID string, userID int64, text string) (string, time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", time.Time{}, ErrEmptyMessage
	}
	if len(text) > 4000 {
		return "", time.Time{}, ErrMessageTooLong
	}
	msg, err := s.chatRepo.Save(ctx, roomID, userID, text)
	if err != nil {
		return "", time.Time{}, err
	}
	return msg.ID, msg.CreatedAt, nil
}

func (s *ChatService) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	return s.chatRepo.History(ctx, roomID, after, limit)
}
