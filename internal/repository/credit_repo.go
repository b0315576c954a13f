package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plateful/backend/internal/models"
)

type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func (r *CreditRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *CreditRepo) CreateAccountTx(ctx context.Context, tx pgx.Tx, a *models.CreditAccount) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_accounts (id, user_id, balance, lifetime_earned, lifetime_spent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.Balance, a.LifetimeEarned, a.LifetimeSpent).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *CreditRepo) GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT id, user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
		FROM credit_accounts WHERE user_id = $1
	`, userID))
}

// GetAccountForUpdate locks the account row. Callers lock multiple accounts in
// ascending user id order to avoid deadlock.
func (r *CreditRepo) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.CreditAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `
		SELECT id, user_id, balance, lifetime_earned, lifetime_spent, created_at, updated_at
		FROM credit_accounts WHERE user_id = $1 FOR UPDATE
	`, userID))
}

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AddCredits increments balance and lifetime_earned, returning the new balance.
func (r *CreditRepo) AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, lifetime_earned = lifetime_earned + $1, updated_at = now()
		WHERE user_id = $2
		RETURNING balance
	`, amount, userID).Scan(&balance)
	return balance, err
}

// SpendCredits decrements balance and increments lifetime_spent. The balance
// guard in the WHERE clause makes overdraw impossible even without a prior
// lock; no row updated means insufficient funds (or missing account).
func (r *CreditRepo) SpendCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, bool, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $1, lifetime_spent = lifetime_spent + $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (r *CreditRepo) InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, transaction_type, amount, balance_before, balance_after,
			description, food_id, exchange_id, created_by_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter,
		t.Description, t.FoodID, t.ExchangeID, t.CreatedByID).Scan(&t.CreatedAt)
}

func (r *CreditRepo) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, transaction_type, amount, balance_before, balance_after,
			description, food_id, exchange_id, created_by_id, created_at
		FROM credit_transactions WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &t.FoodID, &t.ExchangeID, &t.CreatedByID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func (r *CreditRepo) ListTransactionsByExchange(ctx context.Context, exchangeID uuid.UUID) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, transaction_type, amount, balance_before, balance_after,
			description, food_id, exchange_id, created_by_id, created_at
		FROM credit_transactions WHERE exchange_id = $1
		ORDER BY created_at DESC
	`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &t.FoodID, &t.ExchangeID, &t.CreatedByID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
