package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/backend/internal/middleware"
	"github.com/plateful/backend/internal/models"
	"github.com/plateful/backend/internal/services"
)

// FoodAPI is the subset of the food service the handler needs.
type FoodAPI interface {
	Create(ctx context.Context, userID uuid.UUID, in services.CreateFoodInput) (*models.Food, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Food, error)
	Update(ctx context.Context, foodID, userID uuid.UUID, in services.UpdateFoodInput) (*models.Food, error)
	Browse(ctx context.Context, buildingID uuid.UUID, limit, offset int) ([]*models.Food, error)
	ListBySharer(ctx context.Context, sharerID uuid.UUID, limit, offset int) ([]*models.Food, error)
	Claim(ctx context.Context, foodID, userID uuid.UUID, notes string) (*models.Exchange, error)
	Unclaim(ctx context.Context, foodID, userID uuid.UUID, reason string) error
	Expire(ctx context.Context, foodID, userID uuid.UUID, reason string) error
}

// FoodHandler serves the /v1/foods endpoints.
type FoodHandler struct {
	Foods  FoodAPI
	Logger *slog.Logger
}

type createFoodRequest struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Category           string     `json:"category"`
	ServingSize        string     `json:"serving_size"`
	Ingredients        string     `json:"ingredients"`
	Allergens          string     `json:"allergens"`
	DietaryInfo        string     `json:"dietary_info"`
	PickupLocation     string     `json:"pickup_location"`
	PickupInstructions string     `json:"pickup_instructions"`
	PickupStart        *time.Time `json:"pickup_start"`
	PickupEnd          *time.Time `json:"pickup_end"`
	ExpiresAt          *time.Time `json:"expires_at"`
	CreditValue        int        `json:"credit_value"`
}

// CreateFood handles POST /v1/foods.
func (h *FoodHandler) CreateFood(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createFoodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, `{"error":"title is required"}`, http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		http.Error(w, `{"error":"category is required"}`, http.StatusBadRequest)
		return
	}

	in := services.CreateFoodInput{
		Title:              req.Title,
		Description:        req.Description,
		Category:           models.FoodCategory(req.Category),
		ServingSize:        models.ServingSize(req.ServingSize),
		Ingredients:        req.Ingredients,
		Allergens:          req.Allergens,
		DietaryInfo:        req.DietaryInfo,
		PickupLocation:     req.PickupLocation,
		PickupInstructions: req.PickupInstructions,
		CreditValue:        req.CreditValue,
	}
	if req.PickupStart != nil {
		in.PickupStart = *req.PickupStart
	}
	if req.PickupEnd != nil {
		in.PickupEnd = *req.PickupEnd
	}
	if req.ExpiresAt != nil {
		in.ExpiresAt = *req.ExpiresAt
	}

	food, err := h.Foods.Create(r.Context(), user.ID, in)
	if err != nil {
		h.writeServiceError(w, err, "create food")
		return
	}
	writeJSON(w, http.StatusCreated, food)
}

// GetFood handles GET /v1/foods/{id}.
func (h *FoodHandler) GetFood(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid food id"}`, http.StatusBadRequest)
		return
	}
	food, err := h.Foods.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get food")
		return
	}
	writeJSON(w, http.StatusOK, food)
}

type updateFoodRequest struct {
	Description        *string    `json:"description"`
	ServingSize        *string    `json:"serving_size"`
	Ingredients        *string    `json:"ingredients"`
	Allergens          *string    `json:"allergens"`
	DietaryInfo        *string    `json:"dietary_info"`
	PickupLocation     *string    `json:"pickup_location"`
	PickupInstructions *string    `json:"pickup_instructions"`
	PickupStart        *time.Time `json:"pickup_start"`
	PickupEnd          *time.Time `json:"pickup_end"`
}

// UpdateFood handles PUT /v1/foods/{id}. Sharer-only; absent fields keep
// their stored values.
func (h *FoodHandler) UpdateFood(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid food id"}`, http.StatusBadRequest)
		return
	}
	var req updateFoodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	in := services.UpdateFoodInput{
		Description:        req.Description,
		Ingredients:        req.Ingredients,
		Allergens:          req.Allergens,
		DietaryInfo:        req.DietaryInfo,
		PickupLocation:     req.PickupLocation,
		PickupInstructions: req.PickupInstructions,
		PickupStart:        req.PickupStart,
		PickupEnd:          req.PickupEnd,
	}
	if req.ServingSize != nil {
		size := models.ServingSize(*req.ServingSize)
		in.ServingSize = &size
	}

	food, err := h.Foods.Update(r.Context(), id, user.ID, in)
	if err != nil {
		h.writeServiceError(w, err, "update food")
		return
	}
	writeJSON(w, http.StatusOK, food)
}

// BrowseFoods handles GET /v1/foods — claimable posts in the caller's building.
func (h *FoodHandler) BrowseFoods(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if user.BuildingID == nil {
		http.Error(w, `{"error":"join a building to browse food"}`, http.StatusForbidden)
		return
	}
	limit, offset := pageParams(r)
	foods, err := h.Foods.Browse(r.Context(), *user.BuildingID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "browse foods")
		return
	}
	if foods == nil {
		foods = []*models.Food{}
	}
	writeJSON(w, http.StatusOK, foods)
}

// ListMyFoods handles GET /v1/foods/mine.
func (h *FoodHandler) ListMyFoods(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, offset := pageParams(r)
	foods, err := h.Foods.ListBySharer(r.Context(), user.ID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list my foods")
		return
	}
	if foods == nil {
		foods = []*models.Food{}
	}
	writeJSON(w, http.StatusOK, foods)
}

type claimRequest struct {
	Notes string `json:"notes"`
}

// ClaimFood handles POST /v1/foods/{id}/claim. Returns the pending exchange.
func (h *FoodHandler) ClaimFood(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid food id"}`, http.StatusBadRequest)
		return
	}
	var req claimRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ex, err := h.Foods.Claim(r.Context(), id, user.ID, req.Notes)
	if err != nil {
		h.writeServiceError(w, err, "claim food")
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// UnclaimFood handles POST /v1/foods/{id}/unclaim.
func (h *FoodHandler) UnclaimFood(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid food id"}`, http.StatusBadRequest)
		return
	}
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.Foods.Unclaim(r.Context(), id, user.ID, req.Reason); err != nil {
		h.writeServiceError(w, err, "unclaim food")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// ExpireFood handles POST /v1/foods/{id}/expire — the sharer retires the post.
func (h *FoodHandler) ExpireFood(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid food id"}`, http.StatusBadRequest)
		return
	}
	var req reasonRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.Foods.Expire(r.Context(), id, user.ID, req.Reason); err != nil {
		h.writeServiceError(w, err, "expire food")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}

func (h *FoodHandler) writeServiceError(w http.ResponseWriter, err error, op string) {
	writeServiceError(w, h.Logger, err, op)
}

// --- helpers shared by the domain handlers ---

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, op string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, services.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not allowed"})
	case errors.Is(err, services.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "state changed, re-fetch and retry"})
	case errors.Is(err, services.ErrInsufficientCredits):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient credits"})
	case errors.Is(err, services.ErrNotClaimable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "food is not claimable"})
	case errors.Is(err, services.ErrNotConfirmed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "both parties must confirm first"})
	case errors.Is(err, services.ErrSharingNotAllowed):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "sharing is not enabled for this account"})
	default:
		logger.Error(op, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
