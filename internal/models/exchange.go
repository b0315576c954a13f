package models

import (
	"time"

	"github.com/google/uuid"
)

// ExchangeStatus is the lifecycle state of an exchange.
type ExchangeStatus string

const (
	ExchangePending    ExchangeStatus = "pending"
	ExchangeConfirmed  ExchangeStatus = "confirmed"
	ExchangeInProgress ExchangeStatus = "in_progress"
	ExchangeCompleted  ExchangeStatus = "completed"
	ExchangeCancelled  ExchangeStatus = "cancelled"
	ExchangeFailed     ExchangeStatus = "failed"
	ExchangeNoShow     ExchangeStatus = "no_show"
)

// Exchange records one food hand-off between a sharer and a recipient.
type Exchange struct {
	ID          uuid.UUID      `json:"id"`
	SharerID    uuid.UUID      `json:"sharer_id"`
	RecipientID uuid.UUID      `json:"recipient_id"`
	FoodID      uuid.UUID      `json:"food_id"`
	Status      ExchangeStatus `json:"status"`

	SharerConfirmed      bool       `json:"sharer_confirmed"`
	RecipientConfirmed   bool       `json:"recipient_confirmed"`
	SharerConfirmedAt    *time.Time `json:"sharer_confirmed_at,omitempty"`
	RecipientConfirmedAt *time.Time `json:"recipient_confirmed_at,omitempty"`

	PickupLocation     string     `json:"pickup_location,omitempty"`
	PickupInstructions string     `json:"pickup_instructions,omitempty"`
	ScheduledPickupAt  *time.Time `json:"scheduled_pickup_at,omitempty"`
	ActualPickupAt     *time.Time `json:"actual_pickup_at,omitempty"`

	CreditAmount         int        `json:"credit_amount"`
	CreditsTransferred   bool       `json:"credits_transferred"`
	CreditsTransferredAt *time.Time `json:"credits_transferred_at,omitempty"`

	SharerNotes     string `json:"sharer_notes,omitempty"`
	RecipientNotes  string `json:"recipient_notes,omitempty"`
	SharerRating    *int   `json:"sharer_rating,omitempty"`    // 1-5
	RecipientRating *int   `json:"recipient_rating,omitempty"` // 1-5

	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledByID      *uuid.UUID `json:"cancelled_by_id,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsConfirmed reports whether both parties have confirmed.
func (e *Exchange) IsConfirmed() bool {
	return e.SharerConfirmed && e.RecipientConfirmed
}

// IsActive reports whether the exchange is still open to transitions.
func (e *Exchange) IsActive() bool {
	switch e.Status {
	case ExchangePending, ExchangeConfirmed, ExchangeInProgress:
		return true
	}
	return false
}

// IsParticipant reports whether userID is the sharer or the recipient.
func (e *Exchange) IsParticipant(userID uuid.UUID) bool {
	return e.SharerID == userID || e.RecipientID == userID
}

// OtherParty returns the counterpart of userID. Callers must check
// IsParticipant first.
func (e *Exchange) OtherParty(userID uuid.UUID) uuid.UUID {
	if userID == e.SharerID {
		return e.RecipientID
	}
	return e.SharerID
}

// ConfirmBy flips the caller's confirmation flag. Returns false when that
// party had already confirmed (idempotent no-op for the caller).
func (e *Exchange) ConfirmBy(userID uuid.UUID, now time.Time) bool {
	switch {
	case userID == e.SharerID && !e.SharerConfirmed:
		e.SharerConfirmed = true
		e.SharerConfirmedAt = &now
		return true
	case userID == e.RecipientID && !e.RecipientConfirmed:
		e.RecipientConfirmed = true
		e.RecipientConfirmedAt = &now
		return true
	}
	return false
}
