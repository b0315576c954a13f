package buildings

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/middleware"
	"github.com/plateful/backend/internal/models"
)

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

type createBuildingRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// CreateBuilding handles POST /v1/admin/buildings.
func (h *Handler) CreateBuilding(w http.ResponseWriter, r *http.Request) {
	var req createBuildingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, `{"error":"name is required"}`, http.StatusBadRequest)
		return
	}
	b, err := h.svc.Create(r.Context(), req.Name, req.Address)
	if err != nil {
		h.log.Error("create building failed", "error", err)
		http.Error(w, `{"error":"create building failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBuildings handles GET /v1/buildings.
func (h *Handler) ListBuildings(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		h.log.Error("list buildings failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Building{}
	}
	writeJSON(w, http.StatusOK, list)
}

type joinRequest struct {
	BuildingID string `json:"building_id"`
}

// JoinBuilding handles POST /v1/buildings/join.
func (h *Handler) JoinBuilding(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	buildingID, err := uuid.Parse(req.BuildingID)
	if err != nil {
		http.Error(w, `{"error":"invalid building_id"}`, http.StatusBadRequest)
		return
	}

	b, err := h.svc.Join(r.Context(), user.ID, buildingID)
	if errors.Is(err, pgx.ErrNoRows) {
		http.Error(w, `{"error":"building not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("join building failed", "error", err)
		http.Error(w, `{"error":"join building failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
