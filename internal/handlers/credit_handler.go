package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/middleware"
	"github.com/plateful/backend/internal/models"
)

// CreditReader exposes the account and its ledger history.
type CreditReader interface {
	GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error)
}

// CreditAdjuster is the admin-only manual correction entry point.
type CreditAdjuster interface {
	Adjust(ctx context.Context, userID uuid.UUID, amount int, txType models.TransactionType, description string, adminID uuid.UUID) error
}

// CreditHandler serves the /v1/credits endpoints.
type CreditHandler struct {
	Credits  CreditReader
	Adjuster CreditAdjuster
	Logger   *slog.Logger
}

// GetBalance handles GET /v1/credits/balance.
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	acct, err := h.Credits.GetAccountByUserID(r.Context(), user.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no credit account"})
		return
	}
	if err != nil {
		h.Logger.Error("get balance", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListHistory handles GET /v1/credits/history.
func (h *CreditHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, offset := pageParams(r)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := h.Credits.ListTransactionsByUser(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.Logger.Error("list credit history", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if entries == nil {
		entries = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type adjustRequest struct {
	UserID      string `json:"user_id"`
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

// AdjustCredits handles POST /v1/admin/credits/adjust. Admin-gated via
// middleware; amount may be negative, every adjustment lands in the ledger
// with the acting admin recorded.
func (h *CreditHandler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	admin := middleware.UserFromCtx(r.Context())
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		http.Error(w, `{"error":"amount must be non-zero"}`, http.StatusBadRequest)
		return
	}

	if err := h.Adjuster.Adjust(r.Context(), userID, req.Amount, models.TxAdjustmentAdmin, req.Description, admin.ID); err != nil {
		writeServiceError(w, h.Logger, err, "adjust credits")
		return
	}
	acct, err := h.Credits.GetAccountByUserID(r.Context(), userID)
	if err != nil {
		h.Logger.Error("reload account after adjust", "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "adjusted"})
		return
	}
	writeJSON(w, http.StatusOK, acct)
}
