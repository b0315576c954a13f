package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/plateful/backend/internal/middleware"
)

// TelegramLinker persists the chat id the notifier delivers to.
type TelegramLinker interface {
	SetTelegramChatID(ctx context.Context, userID uuid.UUID, chatID *int64) error
}

// UserHandler serves the /v1/users/me endpoints.
type UserHandler struct {
	Users  TelegramLinker
	Logger *slog.Logger
}

// GetMe handles GET /v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type linkTelegramRequest struct {
	ChatID *int64 `json:"chat_id"`
}

// LinkTelegram handles PUT /v1/users/me/telegram. A null chat_id unlinks,
// switching the user back to log-only notifications.
func (h *UserHandler) LinkTelegram(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req linkTelegramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ChatID != nil && *req.ChatID <= 0 {
		http.Error(w, `{"error":"chat_id must be positive"}`, http.StatusBadRequest)
		return
	}

	if err := h.Users.SetTelegramChatID(r.Context(), user.ID, req.ChatID); err != nil {
		h.Logger.Error("link telegram", "user_id", user.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	user.TelegramChatID = req.ChatID
	writeJSON(w, http.StatusOK, user)
}
