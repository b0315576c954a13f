package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/models"
)

// FoodStore is the listing persistence interface used by the food service.
type FoodStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, f *models.Food) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Food, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Food, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, f *models.Food) (bool, error)
	ClaimTx(ctx context.Context, tx pgx.Tx, foodID, userID uuid.UUID, now time.Time) (bool, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (bool, error)
	ExpireTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID, now time.Time) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListAvailableByBuilding(ctx context.Context, buildingID uuid.UUID, now time.Time, limit, offset int) ([]*models.Food, error)
	ListBySharer(ctx context.Context, sharerID uuid.UUID, limit, offset int) ([]*models.Food, error)
}

// FoodUserStore resolves sharers and claimants.
type FoodUserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// FoodExchangeStore is the exchange subset the food service needs: creating
// the exchange a claim produces and cancelling the one an expiry kills.
type FoodExchangeStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error
	GetActiveByFoodForUpdate(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (*models.Exchange, error)
	CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, cancelledBy *uuid.UUID, reason string, now time.Time) (bool, error)
}

// FoodCreditStore is the advisory balance check at claim time. The
// authoritative check happens atomically at settlement.
type FoodCreditStore interface {
	GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
}

// CreateFoodInput carries the sharer-provided listing attributes.
type CreateFoodInput struct {
	Title              string
	Description        string
	Category           models.FoodCategory
	ServingSize        models.ServingSize
	Ingredients        string
	Allergens          string
	DietaryInfo        string
	PickupLocation     string
	PickupInstructions string
	PickupStart        time.Time
	PickupEnd          time.Time
	ExpiresAt          time.Time
	CreditValue        int
}

// FoodService manages listing lifecycle: posting, claiming (which creates the
// exchange), releasing, and expiry.
type FoodService struct {
	foods       FoodStore
	users       FoodUserStore
	exchanges   FoodExchangeStore
	credits     FoodCreditStore
	expiryHours int
	logger      *slog.Logger
}

func NewFoodService(foods FoodStore, users FoodUserStore, exchanges FoodExchangeStore, credits FoodCreditStore, expiryHours int, logger *slog.Logger) *FoodService {
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &FoodService{
		foods:       foods,
		users:       users,
		exchanges:   exchanges,
		credits:     credits,
		expiryHours: expiryHours,
		logger:      logger,
	}
}

// Create posts a new listing. The sharer must be verified, have sharing
// enabled, and belong to a building. Window invariants are enforced here:
// pickup_end > pickup_start and expires_at >= pickup_end.
func (s *FoodService) Create(ctx context.Context, userID uuid.UUID, in CreateFoodInput) (*models.Food, error) {
	user, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !user.CanShare() {
		return nil, ErrSharingNotAllowed
	}

	now := time.Now().UTC()
	if in.PickupStart.IsZero() {
		in.PickupStart = now.Add(30 * time.Minute)
	}
	if in.PickupEnd.IsZero() {
		in.PickupEnd = in.PickupStart.Add(2 * time.Hour)
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = now.Add(time.Duration(s.expiryHours) * time.Hour)
		if in.ExpiresAt.Before(in.PickupEnd) {
			in.ExpiresAt = in.PickupEnd
		}
	}
	if !in.PickupEnd.After(in.PickupStart) {
		return nil, errors.New("pickup_end must be after pickup_start")
	}
	if in.ExpiresAt.Before(in.PickupEnd) {
		return nil, errors.New("expires_at must not be before pickup_end")
	}
	if in.CreditValue <= 0 {
		in.CreditValue = 1
	}
	if in.PickupLocation == "" {
		in.PickupLocation = user.ApartmentNumber
	}

	food := &models.Food{
		ID:                 uuid.New(),
		SharerID:           userID,
		BuildingID:         *user.BuildingID,
		Title:              in.Title,
		Description:        in.Description,
		Category:           in.Category,
		ServingSize:        in.ServingSize,
		Ingredients:        in.Ingredients,
		Allergens:          in.Allergens,
		DietaryInfo:        in.DietaryInfo,
		PickupLocation:     in.PickupLocation,
		PickupInstructions: in.PickupInstructions,
		PickupStart:        in.PickupStart,
		PickupEnd:          in.PickupEnd,
		ExpiresAt:          in.ExpiresAt,
		CreditValue:        in.CreditValue,
		Status:             models.FoodStatusAvailable,
	}
	if err := s.foods.Create(ctx, food); err != nil {
		return nil, err
	}

	s.logger.Info("food post created",
		"food_id", food.ID, "sharer_id", userID, "title", food.Title, "category", food.Category)
	return food, nil
}

// UpdateFoodInput carries the sharer-editable fields. Nil pointers leave the
// stored value unchanged. Title, category and credit value are fixed at
// creation.
type UpdateFoodInput struct {
	Description        *string
	ServingSize        *models.ServingSize
	Ingredients        *string
	Allergens          *string
	DietaryInfo        *string
	PickupLocation     *string
	PickupInstructions *string
	PickupStart        *time.Time
	PickupEnd          *time.Time
}

// Update edits a listing the sharer still owns. Only available listings can
// change: once claimed the recipient planned around what they saw. Window
// invariants are re-validated against the stored expiry.
func (s *FoodService) Update(ctx context.Context, foodID, userID uuid.UUID, in UpdateFoodInput) (*models.Food, error) {
	tx, err := s.foods.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	food, err := s.foods.GetByIDForUpdate(ctx, tx, foodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if food.SharerID != userID {
		return nil, ErrForbidden
	}
	if food.Status != models.FoodStatusAvailable {
		return nil, ErrConflict
	}

	if in.Description != nil {
		food.Description = *in.Description
	}
	if in.ServingSize != nil {
		food.ServingSize = *in.ServingSize
	}
	if in.Ingredients != nil {
		food.Ingredients = *in.Ingredients
	}
	if in.Allergens != nil {
		food.Allergens = *in.Allergens
	}
	if in.DietaryInfo != nil {
		food.DietaryInfo = *in.DietaryInfo
	}
	if in.PickupLocation != nil {
		food.PickupLocation = *in.PickupLocation
	}
	if in.PickupInstructions != nil {
		food.PickupInstructions = *in.PickupInstructions
	}
	if in.PickupStart != nil {
		food.PickupStart = *in.PickupStart
	}
	if in.PickupEnd != nil {
		food.PickupEnd = *in.PickupEnd
	}
	if !food.PickupEnd.After(food.PickupStart) {
		return nil, errors.New("pickup_end must be after pickup_start")
	}
	if food.ExpiresAt.Before(food.PickupEnd) {
		return nil, errors.New("expires_at must not be before pickup_end")
	}

	ok, err := s.foods.UpdateTx(ctx, tx, food)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("food post updated", "food_id", foodID, "sharer_id", userID)
	return food, nil
}

func (s *FoodService) Get(ctx context.Context, id uuid.UUID) (*models.Food, error) {
	f, err := s.foods.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// Browse lists claimable posts in a building, soonest expiry first.
func (s *FoodService) Browse(ctx context.Context, buildingID uuid.UUID, limit, offset int) ([]*models.Food, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.foods.ListAvailableByBuilding(ctx, buildingID, time.Now().UTC(), limit, offset)
}

func (s *FoodService) ListBySharer(ctx context.Context, sharerID uuid.UUID, limit, offset int) ([]*models.Food, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.foods.ListBySharer(ctx, sharerID, limit, offset)
}

// Claim reserves a listing for the claimant and creates the pending exchange,
// both in one transaction. The listing row lock plus the conditional claim
// update guarantee at most one active exchange per listing.
func (s *FoodService) Claim(ctx context.Context, foodID, userID uuid.UUID, notes string) (*models.Exchange, error) {
	tx, err := s.foods.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	food, err := s.foods.GetByIDForUpdate(ctx, tx, foodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !food.CanBeClaimedBy(userID, now) {
		return nil, ErrNotClaimable
	}

	// Advisory gate: reject claims the claimant clearly cannot afford.
	// Settlement re-checks atomically at completion.
	acct, err := s.credits.GetAccountByUserID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}
	if !acct.CanSpend(food.CreditValue) {
		return nil, ErrInsufficientCredits
	}

	ok, err := s.foods.ClaimTx(ctx, tx, foodID, userID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	scheduled := food.PickupStart
	ex := &models.Exchange{
		ID:                 uuid.New(),
		SharerID:           food.SharerID,
		RecipientID:        userID,
		FoodID:             foodID,
		Status:             models.ExchangePending,
		PickupLocation:     food.PickupLocation,
		PickupInstructions: food.PickupInstructions,
		ScheduledPickupAt:  &scheduled,
		CreditAmount:       food.CreditValue,
		RecipientNotes:     notes,
	}
	if err := s.exchanges.CreateTx(ctx, tx, ex); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("food claimed",
		"food_id", foodID, "recipient_id", userID, "exchange_id", ex.ID)
	return ex, nil
}

// Unclaim lets the claimant back out: cancels the active exchange and returns
// the listing to the pool.
func (s *FoodService) Unclaim(ctx context.Context, foodID, userID uuid.UUID, reason string) error {
	tx, err := s.foods.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	food, err := s.foods.GetByIDForUpdate(ctx, tx, foodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if food.ClaimedByID == nil || *food.ClaimedByID != userID {
		return ErrForbidden
	}

	now := time.Now().UTC()
	if reason == "" {
		reason = "recipient cancelled"
	}
	ex, err := s.exchanges.GetActiveByFoodForUpdate(ctx, tx, foodID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if ex != nil {
		if _, err := s.exchanges.CancelTx(ctx, tx, ex.ID, &userID, reason, now); err != nil {
			return err
		}
	}
	if _, err := s.foods.ReleaseTx(ctx, tx, foodID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("food unclaimed", "food_id", foodID, "user_id", userID, "reason", reason)
	return nil
}

// Expire retires a listing on the sharer's request and cascades cancellation
// to any active exchange on it.
func (s *FoodService) Expire(ctx context.Context, foodID, userID uuid.UUID, reason string) error {
	tx, err := s.foods.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	food, err := s.foods.GetByIDForUpdate(ctx, tx, foodID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if food.SharerID != userID {
		return ErrForbidden
	}

	now := time.Now().UTC()
	ok, err := s.foods.ExpireTx(ctx, tx, foodID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	if reason == "" {
		reason = "food expired by sharer"
	}
	ex, err := s.exchanges.GetActiveByFoodForUpdate(ctx, tx, foodID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if ex != nil {
		if _, err := s.exchanges.CancelTx(ctx, tx, ex.ID, &userID, reason, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("food post expired", "food_id", foodID, "user_id", userID, "reason", reason)
	return nil
}

// ExpireDuePosts is the background sweep over available listings past their
// expiry. Idempotent and safe to run concurrently: each row transition is an
// independent conditional update.
func (s *FoodService) ExpireDuePosts(ctx context.Context) (int, error) {
	ids, err := s.foods.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		s.logger.Info("expired old food posts", "count", len(ids))
	}
	return len(ids), nil
}
