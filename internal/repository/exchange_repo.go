package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plateful/backend/internal/models"
)

const exchangeColumns = `id, sharer_id, recipient_id, food_id, status,
	sharer_confirmed, recipient_confirmed, sharer_confirmed_at, recipient_confirmed_at,
	pickup_location, pickup_instructions, scheduled_pickup_at, actual_pickup_at,
	credit_amount, credits_transferred, credits_transferred_at,
	sharer_notes, recipient_notes, sharer_rating, recipient_rating,
	completed_at, cancelled_at, cancelled_by_id, cancellation_reason,
	created_at, updated_at`

type ExchangeRepo struct {
	pool *pgxpool.Pool
}

func NewExchangeRepo(pool *pgxpool.Pool) *ExchangeRepo {
	return &ExchangeRepo{pool: pool}
}

func (r *ExchangeRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanExchange(row pgx.Row) (*models.Exchange, error) {
	var e models.Exchange
	err := row.Scan(&e.ID, &e.SharerID, &e.RecipientID, &e.FoodID, &e.Status,
		&e.SharerConfirmed, &e.RecipientConfirmed, &e.SharerConfirmedAt, &e.RecipientConfirmedAt,
		&e.PickupLocation, &e.PickupInstructions, &e.ScheduledPickupAt, &e.ActualPickupAt,
		&e.CreditAmount, &e.CreditsTransferred, &e.CreditsTransferredAt,
		&e.SharerNotes, &e.RecipientNotes, &e.SharerRating, &e.RecipientRating,
		&e.CompletedAt, &e.CancelledAt, &e.CancelledByID, &e.CancellationReason,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ExchangeRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) error {
	return tx.QueryRow(ctx, `
		INSERT INTO exchanges (id, sharer_id, recipient_id, food_id, status,
			pickup_location, pickup_instructions, scheduled_pickup_at, credit_amount, recipient_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, e.ID, e.SharerID, e.RecipientID, e.FoodID, e.Status,
		e.PickupLocation, e.PickupInstructions, e.ScheduledPickupAt, e.CreditAmount, e.RecipientNotes).
		Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *ExchangeRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Exchange, error) {
	return scanExchange(r.pool.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1`, id))
}

// GetByIDForUpdate locks the exchange row so concurrent transitions serialize.
func (r *ExchangeRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error) {
	return scanExchange(tx.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1 FOR UPDATE`, id))
}

// SaveConfirmationTx persists confirmation flags, notes, and a possible
// pending -> confirmed promotion. Guarded on status so a racing terminal
// transition wins.
func (r *ExchangeRepo) SaveConfirmationTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, sharer_confirmed = $2, recipient_confirmed = $3,
			sharer_confirmed_at = $4, recipient_confirmed_at = $5,
			sharer_notes = $6, recipient_notes = $7, updated_at = now()
		WHERE id = $8 AND status = $9
	`, e.Status, e.SharerConfirmed, e.RecipientConfirmed,
		e.SharerConfirmedAt, e.RecipientConfirmedAt,
		e.SharerNotes, e.RecipientNotes, e.ID, models.ExchangePending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteTx transitions confirmed -> completed and flips credits_transferred
// exactly once. The WHERE clause makes a double completion a no-op for the
// second caller.
func (r *ExchangeRepo) CompleteTx(ctx context.Context, tx pgx.Tx, e *models.Exchange, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, completed_at = $2, actual_pickup_at = $2,
			credits_transferred = TRUE, credits_transferred_at = $2,
			sharer_notes = $3, recipient_notes = $4, sharer_rating = $5, recipient_rating = $6,
			updated_at = now()
		WHERE id = $7 AND status = $8 AND credits_transferred = FALSE
	`, models.ExchangeCompleted, now,
		e.SharerNotes, e.RecipientNotes, e.SharerRating, e.RecipientRating,
		e.ID, models.ExchangeConfirmed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelTx transitions any active status -> cancelled.
func (r *ExchangeRepo) CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, cancelledBy *uuid.UUID, reason string, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, cancelled_at = $2, cancelled_by_id = $3, cancellation_reason = $4, updated_at = now()
		WHERE id = $5 AND status IN ($6, $7, $8)
	`, models.ExchangeCancelled, now, cancelledBy, reason, id,
		models.ExchangePending, models.ExchangeConfirmed, models.ExchangeInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailTx transitions confirmed -> failed (settlement failure).
func (r *ExchangeRepo) FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, cancelled_at = $2, cancellation_reason = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, models.ExchangeFailed, now, reason, id, models.ExchangeConfirmed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// NoShowTx transitions confirmed -> no_show, recording the reporter's notes.
func (r *ExchangeRepo) NoShowTx(ctx context.Context, tx pgx.Tx, e *models.Exchange, now time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, completed_at = $2, sharer_notes = $3, recipient_notes = $4, updated_at = now()
		WHERE id = $5 AND status = $6
	`, models.ExchangeNoShow, now, e.SharerNotes, e.RecipientNotes, e.ID, models.ExchangeConfirmed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResetTx is the admin escape hatch: force status back to pending and clear
// both confirmation flags, bypassing transition guards.
func (r *ExchangeRepo) ResetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE exchanges
		SET status = $1, sharer_confirmed = FALSE, recipient_confirmed = FALSE,
			sharer_confirmed_at = NULL, recipient_confirmed_at = NULL, updated_at = now()
		WHERE id = $2
	`, models.ExchangePending, id)
	return err
}

// GetActiveByFoodForUpdate returns the non-terminal exchange referencing a
// listing, locking it. pgx.ErrNoRows when none exists.
func (r *ExchangeRepo) GetActiveByFoodForUpdate(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (*models.Exchange, error) {
	return scanExchange(tx.QueryRow(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE food_id = $1 AND status IN ($2, $3, $4)
		FOR UPDATE
	`, foodID, models.ExchangePending, models.ExchangeConfirmed, models.ExchangeInProgress))
}

// ListStalePending returns ids of pending exchanges created at or before the
// cutoff. The sweep transitions each one with its own guarded transaction.
func (r *ExchangeRepo) ListStalePending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM exchanges WHERE status = $1 AND created_at <= $2
	`, models.ExchangePending, cutoff)
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

// ListByUser returns a user's exchanges, optionally filtered by role
// ("sharer" or "recipient") and status, most recent first.
func (r *ExchangeRepo) ListByUser(ctx context.Context, userID uuid.UUID, role string, status models.ExchangeStatus, limit, offset int) ([]*models.Exchange, error) {
	q := `SELECT ` + exchangeColumns + ` FROM exchanges WHERE `
	args := []any{userID}
	switch role {
	case "sharer":
		q += `sharer_id = $1`
	case "recipient":
		q += `recipient_id = $1`
	default:
		q += `(sharer_id = $1 OR recipient_id = $1)`
	}
	if status != "" {
		args = append(args, status)
		q += ` AND status = $2`
	}
	args = append(args, limit, offset)
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExchanges(rows)
}

// ListActiveByUser returns the user's pending/confirmed/in-progress exchanges
// ordered by scheduled pickup.
func (r *ExchangeRepo) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+exchangeColumns+` FROM exchanges
		WHERE (sharer_id = $1 OR recipient_id = $1) AND status IN ($2, $3, $4)
		ORDER BY scheduled_pickup_at
	`, userID, models.ExchangePending, models.ExchangeConfirmed, models.ExchangeInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExchanges(rows)
}

func collectExchanges(rows pgx.Rows) ([]*models.Exchange, error) {
	var list []*models.Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
