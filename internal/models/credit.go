package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the business reason for a ledger entry.
type TransactionType string

const (
	TxEarnedSharing    TransactionType = "earned_sharing"
	TxSpentClaiming    TransactionType = "spent_claiming"
	TxBonusSignup      TransactionType = "bonus_signup"
	TxBonusReferral    TransactionType = "bonus_referral"
	TxBonusCommunity   TransactionType = "bonus_community"
	TxAdjustmentAdmin  TransactionType = "adjustment_admin"
	TxRefundCancelled  TransactionType = "refund_cancelled"
	TxPenaltyViolation TransactionType = "penalty_violation"
)

// CreditAccount is a user's balance. balance == lifetime_earned - lifetime_spent
// holds after every mutation.
type CreditAccount struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Balance        int       `json:"balance"`
	LifetimeEarned int       `json:"lifetime_earned"`
	LifetimeSpent  int       `json:"lifetime_spent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CanSpend reports whether the account covers amount.
func (c *CreditAccount) CanSpend(amount int) bool {
	return c.Balance >= amount
}

// CreditTransaction is an append-only audit record. Amount is signed:
// positive credits the account, negative debits it.
type CreditTransaction struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          TransactionType `json:"transaction_type"`
	Amount        int             `json:"amount"`
	BalanceBefore int             `json:"balance_before"`
	BalanceAfter  int             `json:"balance_after"`
	Description   string          `json:"description,omitempty"`
	FoodID        *uuid.UUID      `json:"food_id,omitempty"`
	ExchangeID    *uuid.UUID      `json:"exchange_id,omitempty"`
	CreatedByID   *uuid.UUID      `json:"created_by_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
