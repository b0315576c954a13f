package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/plateful/backend/internal/middleware"
	"github.com/plateful/backend/internal/models"
)

// ExchangeAPI is the subset of the exchange coordinator the handler needs.
type ExchangeAPI interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Exchange, error)
	ListByUser(ctx context.Context, userID uuid.UUID, role string, status models.ExchangeStatus, limit, offset int) ([]*models.Exchange, error)
	ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error)
	Confirm(ctx context.Context, exchangeID, userID uuid.UUID, notes string) (*models.Exchange, error)
	Complete(ctx context.Context, exchangeID, userID uuid.UUID, rating *int, notes string) (*models.Exchange, error)
	Cancel(ctx context.Context, exchangeID, userID uuid.UUID, reason string) (*models.Exchange, error)
	MarkNoShow(ctx context.Context, exchangeID, reporterID, noShowUserID uuid.UUID, notes string) (*models.Exchange, error)
	AdminCancel(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error)
	AdminComplete(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error)
	Reset(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error)
}

// ExchangeHandler serves the /v1/exchanges endpoints.
type ExchangeHandler struct {
	Exchanges ExchangeAPI
	Logger    *slog.Logger
}

// GetExchange handles GET /v1/exchanges/{id}. Participants only.
func (h *ExchangeHandler) GetExchange(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	ex, err := h.Exchanges.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.Logger, err, "get exchange")
		return
	}
	if !ex.IsParticipant(user.ID) && user.Role != "admin" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// ListExchanges handles GET /v1/exchanges?role=&status=&limit=&offset=.
func (h *ExchangeHandler) ListExchanges(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, offset := pageParams(r)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var list []*models.Exchange
	var err error
	if r.URL.Query().Get("active") == "true" {
		list, err = h.Exchanges.ListActive(r.Context(), user.ID)
	} else {
		role := r.URL.Query().Get("role")
		status := models.ExchangeStatus(r.URL.Query().Get("status"))
		list, err = h.Exchanges.ListByUser(r.Context(), user.ID, role, status, limit, offset)
	}
	if err != nil {
		writeServiceError(w, h.Logger, err, "list exchanges")
		return
	}
	if list == nil {
		list = []*models.Exchange{}
	}
	writeJSON(w, http.StatusOK, list)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// ConfirmExchange handles POST /v1/exchanges/{id}/confirm.
func (h *ExchangeHandler) ConfirmExchange(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req notesRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ex, err := h.Exchanges.Confirm(r.Context(), id, user.ID, req.Notes)
	if err != nil {
		writeServiceError(w, h.Logger, err, "confirm exchange")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type completeRequest struct {
	Rating *int   `json:"rating"`
	Notes  string `json:"notes"`
}

// CompleteExchange handles POST /v1/exchanges/{id}/complete — the settlement
// call. Safe to retry: a repeat on a completed exchange returns 200 without
// moving credits again.
func (h *ExchangeHandler) CompleteExchange(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req completeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ex, err := h.Exchanges.Complete(r.Context(), id, user.ID, req.Rating, req.Notes)
	if err != nil {
		writeServiceError(w, h.Logger, err, "complete exchange")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// CancelExchange handles POST /v1/exchanges/{id}/cancel.
func (h *ExchangeHandler) CancelExchange(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ex, err := h.Exchanges.Cancel(r.Context(), id, user.ID, req.Reason)
	if err != nil {
		writeServiceError(w, h.Logger, err, "cancel exchange")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type noShowRequest struct {
	NoShowUserID string `json:"no_show_user_id"`
	Notes        string `json:"notes"`
}

// ReportNoShow handles POST /v1/exchanges/{id}/no-show.
func (h *ExchangeHandler) ReportNoShow(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req noShowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	noShowID, err := uuid.Parse(req.NoShowUserID)
	if err != nil {
		http.Error(w, `{"error":"invalid no_show_user_id"}`, http.StatusBadRequest)
		return
	}

	ex, err := h.Exchanges.MarkNoShow(r.Context(), id, user.ID, noShowID, req.Notes)
	if err != nil {
		writeServiceError(w, h.Logger, err, "report no-show")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

type interveneRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// InterveneExchange handles POST /v1/admin/exchanges/{id}/intervene, the
// operator escape hatch for stuck exchanges. Admin-gated via middleware;
// audited in the service. Actions: cancel, complete, reset.
func (h *ExchangeHandler) InterveneExchange(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid exchange id"}`, http.StatusBadRequest)
		return
	}
	var req interveneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}

	var ex *models.Exchange
	var err error
	switch req.Action {
	case "cancel":
		ex, err = h.Exchanges.AdminCancel(r.Context(), id, user.ID, req.Reason)
	case "complete":
		ex, err = h.Exchanges.AdminComplete(r.Context(), id, user.ID, req.Reason)
	case "reset":
		ex, err = h.Exchanges.Reset(r.Context(), id, user.ID, req.Reason)
	default:
		http.Error(w, `{"error":"action must be cancel, complete or reset"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, h.Logger, err, "admin intervene")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}
