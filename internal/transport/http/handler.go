package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/typequest/race-service/internal/domain"
	"github.com/typequest/race-service/internal/postgres"
	"github.com/typequest/race-service/internal/service"
	httpmw "github.com/typequest/race-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	roomSvc   *service.RoomService
	memberSvc *service.MemberService
	chatSvc   *service.ChatService
}

func NewHandler(room *service.RoomService, member *service.MemberService, chat *service.ChatService) *Handler {
	return &Handler{
		roomSvc:   room,
		memberSvc: member,
		chatSvc:   chat,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func roomItem(room *domain.Room) RoomItem {
	return RoomItem{
		ID:              room.ID,
		Name:            room.Name,
		Status:          string(room.Status),
		MaxParticipants: room.MaxParticipants,
		TextID:          room.TextID,
		CreatedAt:       room.CreatedAt,
	}
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("handler.CreateRoom.Decode:", slog.Any("err", err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	room, err := h.roomSvc.CreateRoom(r.Context(), req.Name, req.TextID, req.Max)
	if err != nil {
		slog.Error("handler.CreateRoom:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, roomItem(room))
}

// GET /rooms?limit=&cursor=
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	rooms, next, err := h.roomSvc.ListRooms(r.Context(), limit, cursor)
	if err != nil {
		if errors.Is(err, postgres.ErrInvalidCursor) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_cursor"})
			return
		}
		slog.Error("handler.ListRooms:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	resp := RoomsListResponse{Items: make([]RoomItem, 0, len(rooms)), NextCursor: next}
	for _, rm := range rooms {
		resp.Items = append(resp.Items, roomItem(&rm))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	room, err := h.roomSvc.GetRoom(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		slog.Error("handler.GetRoom:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, roomItem(room))
}

// DELETE /rooms/{id}
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.roomSvc.DeleteRoom(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		}
		slog.Error("handler.DeleteRoom:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := httpmw.UserIDFromCtx(r.Context())
	if userID == 0 {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing user id"})
		return
	}

	_, err := h.memberSvc.JoinRoom(r.Context(), roomID, userID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "room not found"})
			return
		case errors.Is(err, domain.ErrRoomFull):
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "room full"})
			return
		case errors.Is(err, domain.ErrRoomClosed):
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "race already started"})
			return
		case errors.Is(err, domain.ErrAlreadyJoined):
			// already a member; rejoin is fine
		default:
			slog.Error("handler.JoinRoom:", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
	}

	resp := JoinRoomResponse{
		RoomID:   roomID,
		PlayerID: strconv.FormatInt(userID, 10),
	}

	writeJSON(w, http.StatusOK, resp)
}

// POST /rooms/{id}/leave
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	userID := httpmw.UserIDFromCtx(r.Context())
	if userID == 0 {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing user id"})
		return
	}

	err := h.memberSvc.LeaveRoom(r.Context(), roomID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotInRoom) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "user not in room"})
			return
		}
		slog.Error("handler.LeaveRoom:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// GET /rooms/{id}/participants
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	items, err := h.memberSvc.ListParticipantsDetailed(r.Context(), roomID)
	if err != nil {
		slog.Error("handler.ListParticipants:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := ParticipantsResponse{Items: make([]ParticipantItem, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, ParticipantItem{
			UserID:      strconv.FormatInt(it.UserID, 10),
			DisplayName: it.DisplayName,
			AvatarURL:   it.AvatarURL,
			Status:      string(it.Status),
			Progress:    it.Progress,
			WPM:         it.WPM,
			Accuracy:    it.Accuracy,
			JoinedAt:    it.JoinedAt,
			LastSeen:    it.LastSeen,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GET /rooms/{id}/chat?after=&limit=
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	if h.chatSvc == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "chat service disabled"})
		return
	}
	roomID := chi.URLParam(r, "id")
	after := r.URL.Query().Get("after")
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	items, next, err := h.chatSvc.History(r.Context(), roomID, after, limit)
	if err != nil {
		slog.Error("handler.GetChatHistory:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	resp := ChatHistoryResponse{Items: make([]ChatMessageItem, 0, len(items)), NextCursor: next}
	for _, m := range items {
		resp.Items = append(resp.Items, ChatMessageItem{
			ID:        m.ID,
			RoomID:    m.RoomID,
			UserID:    strconv.FormatInt(m.UserID, 10),
			Text:      m.Text,
			CreatedAt: m.CreatedAt.Truncate(time.Millisecond),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
