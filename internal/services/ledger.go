package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/models"
)

// LedgerRepo is the credit storage interface used by the ledger service.
type LedgerRepo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateAccountTx(ctx context.Context, tx pgx.Tx, a *models.CreditAccount) error
	GetAccountByUserID(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.CreditAccount, error)
	AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, error)
	SpendCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (int, bool, error)
	InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
}

// LedgerService mutates credit accounts and writes the append-only
// transaction log. Every mutation keeps balance = lifetime_earned -
// lifetime_spent and records a matching CreditTransaction.
type LedgerService struct {
	repo LedgerRepo
}

func NewLedgerService(repo LedgerRepo) *LedgerService {
	return &LedgerService{repo: repo}
}

// OpenAccount creates a credit account with the signup bonus, logged as a
// bonus_signup transaction. Runs inside the caller's registration transaction.
func (s *LedgerService) OpenAccount(ctx context.Context, tx pgx.Tx, userID uuid.UUID, signupBonus int) (*models.CreditAccount, error) {
	acct := &models.CreditAccount{
		ID:             uuid.New(),
		UserID:         userID,
		Balance:        signupBonus,
		LifetimeEarned: signupBonus,
	}
	if err := s.repo.CreateAccountTx(ctx, tx, acct); err != nil {
		return nil, fmt.Errorf("create credit account: %w", err)
	}
	if signupBonus > 0 {
		entry := &models.CreditTransaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          models.TxBonusSignup,
			Amount:        signupBonus,
			BalanceBefore: 0,
			BalanceAfter:  signupBonus,
			Description:   fmt.Sprintf("Welcome bonus: %d credits", signupBonus),
		}
		if err := s.repo.InsertTransactionTx(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("record signup bonus: %w", err)
		}
	}
	return acct, nil
}

// AddCredits credits an account outside any exchange (bonuses). Amount must be
// positive.
func (s *LedgerService) AddCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType models.TransactionType, description string) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if _, err := s.repo.GetAccountForUpdate(ctx, tx, userID); err != nil {
		return err
	}
	newBalance, err := s.repo.AddCredits(ctx, tx, userID, amount)
	if err != nil {
		return err
	}
	return s.repo.InsertTransactionTx(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: newBalance - amount,
		BalanceAfter:  newBalance,
		Description:   description,
	})
}

// SpendCredits debits an account outside any exchange (penalties). Fails with
// ErrInsufficientCredits when the balance does not cover amount.
func (s *LedgerService) SpendCredits(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, txType models.TransactionType, description string) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if _, err := s.repo.GetAccountForUpdate(ctx, tx, userID); err != nil {
		return err
	}
	newBalance, ok, err := s.repo.SpendCredits(ctx, tx, userID, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCredits
	}
	return s.repo.InsertTransactionTx(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Amount:        -amount,
		BalanceBefore: newBalance + amount,
		BalanceAfter:  newBalance,
		Description:   description,
	})
}

// Transfer moves the exchange's credit amount from recipient to sharer and
// writes both ledger entries. Runs inside the completion transaction; the
// caller flips credits_transferred in the same transaction so the movement and
// the flag commit or roll back together.
//
// Both accounts are locked in ascending user id order to avoid deadlock
// between concurrent transfers touching the same users.
func (s *LedgerService) Transfer(ctx context.Context, tx pgx.Tx, ex *models.Exchange) error {
	ids := []uuid.UUID{ex.RecipientID, ex.SharerID}
	if ids[1].String() < ids[0].String() {
		ids[0], ids[1] = ids[1], ids[0]
	}
	for _, id := range ids {
		if _, err := s.repo.GetAccountForUpdate(ctx, tx, id); err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
	}

	amount := ex.CreditAmount

	recipientBalance, ok, err := s.repo.SpendCredits(ctx, tx, ex.RecipientID, amount)
	if err != nil {
		return fmt.Errorf("debit recipient: %w", err)
	}
	if !ok {
		return ErrInsufficientCredits
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		UserID:        ex.RecipientID,
		Type:          models.TxSpentClaiming,
		Amount:        -amount,
		BalanceBefore: recipientBalance + amount,
		BalanceAfter:  recipientBalance,
		Description:   "Claimed food from exchange",
		FoodID:        &ex.FoodID,
		ExchangeID:    &ex.ID,
	}); err != nil {
		return fmt.Errorf("record recipient debit: %w", err)
	}

	sharerBalance, err := s.repo.AddCredits(ctx, tx, ex.SharerID, amount)
	if err != nil {
		return fmt.Errorf("credit sharer: %w", err)
	}
	if err := s.repo.InsertTransactionTx(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		UserID:        ex.SharerID,
		Type:          models.TxEarnedSharing,
		Amount:        amount,
		BalanceBefore: sharerBalance - amount,
		BalanceAfter:  sharerBalance,
		Description:   "Earned from sharing food",
		FoodID:        &ex.FoodID,
		ExchangeID:    &ex.ID,
	}); err != nil {
		return fmt.Errorf("record sharer credit: %w", err)
	}
	return nil
}

// Adjust applies a signed admin adjustment in its own transaction, recording
// the acting admin on the ledger entry.
func (s *LedgerService) Adjust(ctx context.Context, userID uuid.UUID, amount int, txType models.TransactionType, description string, adminID uuid.UUID) error {
	if amount == 0 {
		return fmt.Errorf("adjustment amount must be non-zero")
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetAccountForUpdate(ctx, tx, userID); err != nil {
		return err
	}

	var newBalance int
	if amount > 0 {
		newBalance, err = s.repo.AddCredits(ctx, tx, userID, amount)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		newBalance, ok, err = s.repo.SpendCredits(ctx, tx, userID, -amount)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientCredits
		}
	}

	if err := s.repo.InsertTransactionTx(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: newBalance - amount,
		BalanceAfter:  newBalance,
		Description:   description,
		CreatedByID:   &adminID,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
