package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plateful/backend/internal/models"
)

const foodColumns = `id, sharer_id, building_id, title, description, category, serving_size,
	ingredients, allergens, dietary_info, pickup_location, pickup_instructions,
	pickup_start, pickup_end, expires_at, credit_value, status, claimed_by_id, claimed_at,
	created_at, updated_at`

type FoodRepo struct {
	pool *pgxpool.Pool
}

func NewFoodRepo(pool *pgxpool.Pool) *FoodRepo {
	return &FoodRepo{pool: pool}
}

func (r *FoodRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanFood(row pgx.Row) (*models.Food, error) {
	var f models.Food
	err := row.Scan(&f.ID, &f.SharerID, &f.BuildingID, &f.Title, &f.Description, &f.Category,
		&f.ServingSize, &f.Ingredients, &f.Allergens, &f.DietaryInfo, &f.PickupLocation,
		&f.PickupInstructions, &f.PickupStart, &f.PickupEnd, &f.ExpiresAt, &f.CreditValue,
		&f.Status, &f.ClaimedByID, &f.ClaimedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *FoodRepo) Create(ctx context.Context, f *models.Food) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO foods (id, sharer_id, building_id, title, description, category, serving_size,
			ingredients, allergens, dietary_info, pickup_location, pickup_instructions,
			pickup_start, pickup_end, expires_at, credit_value, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`, f.ID, f.SharerID, f.BuildingID, f.Title, f.Description, f.Category, f.ServingSize,
		f.Ingredients, f.Allergens, f.DietaryInfo, f.PickupLocation, f.PickupInstructions,
		f.PickupStart, f.PickupEnd, f.ExpiresAt, f.CreditValue, f.Status).Scan(&f.CreatedAt, &f.UpdatedAt)
}

func (r *FoodRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Food, error) {
	return scanFood(r.pool.QueryRow(ctx, `SELECT `+foodColumns+` FROM foods WHERE id = $1`, id))
}

// GetByIDForUpdate locks the listing row for the duration of the transaction.
func (r *FoodRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Food, error) {
	return scanFood(tx.QueryRow(ctx, `SELECT `+foodColumns+` FROM foods WHERE id = $1 FOR UPDATE`, id))
}

// LockTx takes the listing row lock without reading the row. Transitions that
// touch both a listing and its exchange always lock the listing first, so
// concurrent cancel and expire on the same pair cannot deadlock.
func (r *FoodRepo) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var locked uuid.UUID
	return tx.QueryRow(ctx, `SELECT id FROM foods WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
}

// ClaimTx transitions available -> claimed. Returns false when another caller
// won the race or the listing is no longer available.
func (r *FoodRepo) ClaimTx(ctx context.Context, tx pgx.Tx, foodID, userID uuid.UUID, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE foods
		SET status = $1, claimed_by_id = $2, claimed_at = $3, updated_at = now()
		WHERE id = $4 AND status = $5 AND claimed_by_id IS NULL
	`, models.FoodStatusClaimed, userID, now, foodID, models.FoodStatusAvailable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateTx rewrites the sharer-editable fields. Guarded on status so an edit
// cannot land on a listing that was claimed after the row was read.
func (r *FoodRepo) UpdateTx(ctx context.Context, tx pgx.Tx, f *models.Food) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE foods
		SET description = $1, serving_size = $2, ingredients = $3, allergens = $4,
			dietary_info = $5, pickup_location = $6, pickup_instructions = $7,
			pickup_start = $8, pickup_end = $9, updated_at = now()
		WHERE id = $10 AND status = $11
	`, f.Description, f.ServingSize, f.Ingredients, f.Allergens, f.DietaryInfo,
		f.PickupLocation, f.PickupInstructions, f.PickupStart, f.PickupEnd,
		f.ID, models.FoodStatusAvailable)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTx reverts claimed -> available and clears the claim fields.
func (r *FoodRepo) ReleaseTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE foods
		SET status = $1, claimed_by_id = NULL, claimed_at = NULL, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.FoodStatusAvailable, foodID, models.FoodStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteTx transitions claimed -> completed.
func (r *FoodRepo) CompleteTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE foods SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.FoodStatusCompleted, foodID, models.FoodStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTx transitions available/claimed -> expired.
func (r *FoodRepo) ExpireTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE foods SET status = $1, expires_at = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.FoodStatusExpired, now, foodID, models.FoodStatusAvailable, models.FoodStatusClaimed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireDue marks every available listing past its expiry. Each row transition
// is an independent conditional update, so concurrent sweeps are safe.
func (r *FoodRepo) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE foods SET status = $1, updated_at = now()
		WHERE status = $2 AND expires_at <= $3
		RETURNING id
	`, models.FoodStatusExpired, models.FoodStatusAvailable, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAvailableByBuilding returns claimable listings for a building, soonest
// expiry first.
func (r *FoodRepo) ListAvailableByBuilding(ctx context.Context, buildingID uuid.UUID, now time.Time, limit, offset int) ([]*models.Food, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+foodColumns+` FROM foods
		WHERE building_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY expires_at ASC
		LIMIT $4 OFFSET $5
	`, buildingID, models.FoodStatusAvailable, now, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFoods(rows)
}

func (r *FoodRepo) ListBySharer(ctx context.Context, sharerID uuid.UUID, limit, offset int) ([]*models.Food, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+foodColumns+` FROM foods
		WHERE sharer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, sharerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFoods(rows)
}

func collectFoods(rows pgx.Rows) ([]*models.Food, error) {
	var list []*models.Food
	for rows.Next() {
		f, err := scanFood(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return list, rows.Err()
}
