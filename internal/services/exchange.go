package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/models"
)

// Pending exchanges unconfirmed for this long are swept into cancellation.
const staleExchangeWindow = 30 * time.Minute

// Notifier receives exchange lifecycle events. Delivery is best-effort:
// implementations log failures and never return them.
type Notifier interface {
	ExchangeConfirmed(ctx context.Context, ex *models.Exchange)
	ExchangeCompleted(ctx context.Context, ex *models.Exchange)
	ExchangeCancelled(ctx context.Context, ex *models.Exchange, cancelledBy uuid.UUID, reason string)
}

// ExchangeStore is the exchange persistence interface used by the coordinator.
type ExchangeStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Exchange, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Exchange, error)
	SaveConfirmationTx(ctx context.Context, tx pgx.Tx, e *models.Exchange) (bool, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, e *models.Exchange, now time.Time) (bool, error)
	CancelTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, cancelledBy *uuid.UUID, reason string, now time.Time) (bool, error)
	FailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, now time.Time) (bool, error)
	NoShowTx(ctx context.Context, tx pgx.Tx, e *models.Exchange, now time.Time) (bool, error)
	ResetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListStalePending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	ListByUser(ctx context.Context, userID uuid.UUID, role string, status models.ExchangeStatus, limit, offset int) ([]*models.Exchange, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error)
}

// ExchangeFoodStore is the listing subset the coordinator touches when a
// transition cascades to the food row.
type ExchangeFoodStore interface {
	LockTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (bool, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID) (bool, error)
	ExpireTx(ctx context.Context, tx pgx.Tx, foodID uuid.UUID, now time.Time) (bool, error)
}

// CreditTransferrer settles a completed exchange inside the caller's
// transaction.
type CreditTransferrer interface {
	Transfer(ctx context.Context, tx pgx.Tx, ex *models.Exchange) error
}

// ExchangeService is the coordinator state machine. Every transition runs in
// one transaction that locks the exchange row, validates the precondition,
// and applies a status-guarded update; the loser of a race gets ErrConflict.
// Notifications go out after commit, never inside the transaction.
type ExchangeService struct {
	exchanges ExchangeStore
	foods     ExchangeFoodStore
	ledger    CreditTransferrer
	notifier  Notifier
	logger    *slog.Logger
}

func NewExchangeService(exchanges ExchangeStore, foods ExchangeFoodStore, ledger CreditTransferrer, notifier Notifier, logger *slog.Logger) *ExchangeService {
	return &ExchangeService{
		exchanges: exchanges,
		foods:     foods,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger,
	}
}

// lockPair acquires row locks in the global food-then-exchange order used by
// every transition that cascades to the listing. The exchange is read once
// without a lock to learn the food id (immutable), then re-read under its
// lock so the state checked is the state updated.
func (s *ExchangeService) lockPair(ctx context.Context, tx pgx.Tx, exchangeID uuid.UUID) (*models.Exchange, error) {
	ex, err := s.exchanges.GetByID(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	if err := s.foods.LockTx(ctx, tx, ex.FoodID); err != nil {
		return nil, err
	}
	return s.exchanges.GetByIDForUpdate(ctx, tx, exchangeID)
}

func (s *ExchangeService) Get(ctx context.Context, id uuid.UUID) (*models.Exchange, error) {
	ex, err := s.exchanges.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ex, err
}

func (s *ExchangeService) ListByUser(ctx context.Context, userID uuid.UUID, role string, status models.ExchangeStatus, limit, offset int) ([]*models.Exchange, error) {
	return s.exchanges.ListByUser(ctx, userID, role, status, limit, offset)
}

func (s *ExchangeService) ListActive(ctx context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	return s.exchanges.ListActiveByUser(ctx, userID)
}

// Confirm records one party's confirmation. Idempotent for a party that has
// already confirmed. When the second flag lands the exchange is promoted
// pending -> confirmed and both parties are notified.
func (s *ExchangeService) Confirm(ctx context.Context, exchangeID, userID uuid.UUID, notes string) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ex, err := s.exchanges.GetByIDForUpdate(ctx, tx, exchangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ex.IsParticipant(userID) {
		return nil, ErrForbidden
	}

	alreadyConfirmed := (userID == ex.SharerID && ex.SharerConfirmed) ||
		(userID == ex.RecipientID && ex.RecipientConfirmed)
	if alreadyConfirmed {
		return ex, nil
	}
	if ex.Status != models.ExchangePending {
		return nil, ErrConflict
	}

	ex.ConfirmBy(userID, time.Now().UTC())
	if notes != "" {
		s.attachNotes(ex, userID, notes)
	}
	promoted := ex.IsConfirmed()
	if promoted {
		ex.Status = models.ExchangeConfirmed
	}

	ok, err := s.exchanges.SaveConfirmationTx(ctx, tx, ex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("exchange confirmation recorded",
		"exchange_id", ex.ID, "confirmed_by", userID, "fully_confirmed", promoted)
	if promoted {
		go s.notifier.ExchangeConfirmed(context.WithoutCancel(ctx), ex)
	}
	return ex, nil
}

// Complete settles a confirmed exchange: status -> completed, credits moved
// exactly once, listing -> completed. A second completion is an idempotent
// success. If the recipient cannot cover the amount the exchange fails
// instead (confirmed -> failed, listing expired).
func (s *ExchangeService) Complete(ctx context.Context, exchangeID, userID uuid.UUID, rating *int, notes string) (*models.Exchange, error) {
	return s.complete(ctx, exchangeID, userID, rating, notes, false)
}

// AdminComplete forces settlement on a confirmed exchange on behalf of an
// operator. Same guards and idempotency as Complete, minus the participant
// check; no rating or notes are recorded against either party.
func (s *ExchangeService) AdminComplete(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error) {
	s.logger.Info("admin completion requested",
		"exchange_id", exchangeID, "admin_id", adminID, "reason", reason)
	return s.complete(ctx, exchangeID, adminID, nil, "", true)
}

func (s *ExchangeService) complete(ctx context.Context, exchangeID, actorID uuid.UUID, rating *int, notes string, asAdmin bool) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ex, err := s.lockPair(ctx, tx, exchangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !asAdmin && !ex.IsParticipant(actorID) {
		return nil, ErrForbidden
	}
	if ex.Status == models.ExchangeCompleted {
		return ex, nil
	}
	if !ex.IsActive() {
		return nil, ErrConflict
	}
	if !ex.IsConfirmed() || ex.Status != models.ExchangeConfirmed {
		return nil, ErrNotConfirmed
	}

	if rating != nil && !asAdmin {
		s.attachRating(ex, actorID, *rating)
	}
	if notes != "" && !asAdmin {
		s.attachNotes(ex, actorID, notes)
	}

	if err := s.ledger.Transfer(ctx, tx, ex); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			// Settlement cannot proceed; the rollback below discards any
			// partial ledger work, then the exchange is failed out-of-band.
			tx.Rollback(ctx)
			s.failSettlement(ctx, ex)
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("credit transfer: %w", err)
	}

	now := time.Now().UTC()
	ok, err := s.exchanges.CompleteTx(ctx, tx, ex, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	if _, err := s.foods.CompleteTx(ctx, tx, ex.FoodID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	ex.Status = models.ExchangeCompleted
	ex.CompletedAt = &now
	ex.ActualPickupAt = &now
	ex.CreditsTransferred = true
	ex.CreditsTransferredAt = &now

	s.logger.Info("exchange completed",
		"exchange_id", ex.ID, "completed_by", actorID, "as_admin", asAdmin, "credit_amount", ex.CreditAmount)
	go s.notifier.ExchangeCompleted(context.WithoutCancel(ctx), ex)
	return ex, nil
}

// failSettlement marks a confirmed exchange failed after an insufficient-
// balance settlement and retires the listing. Best-effort: the exchange
// remains confirmed if the follow-up transaction loses a race.
func (s *ExchangeService) failSettlement(ctx context.Context, ex *models.Exchange) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		s.logger.Error("begin settlement-failure tx", "exchange_id", ex.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx)

	if err := s.foods.LockTx(ctx, tx, ex.FoodID); err != nil {
		s.logger.Error("lock listing for settlement failure", "food_id", ex.FoodID, "error", err)
		return
	}
	now := time.Now().UTC()
	ok, err := s.exchanges.FailTx(ctx, tx, ex.ID, "settlement failed: insufficient credits", now)
	if err != nil {
		s.logger.Error("mark exchange failed", "exchange_id", ex.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	if _, err := s.foods.ExpireTx(ctx, tx, ex.FoodID, now); err != nil {
		s.logger.Error("expire listing after failed settlement", "food_id", ex.FoodID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit settlement-failure tx", "exchange_id", ex.ID, "error", err)
		return
	}
	s.logger.Warn("exchange failed at settlement",
		"exchange_id", ex.ID, "recipient_id", ex.RecipientID, "credit_amount", ex.CreditAmount)
}

// Cancel aborts an active exchange and releases the listing back to the pool.
// No credit movement: credits only ever move at completion.
func (s *ExchangeService) Cancel(ctx context.Context, exchangeID, userID uuid.UUID, reason string) (*models.Exchange, error) {
	return s.cancel(ctx, exchangeID, userID, reason, false)
}

// AdminCancel aborts an active exchange on behalf of an operator who is not
// a participant.
func (s *ExchangeService) AdminCancel(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error) {
	return s.cancel(ctx, exchangeID, adminID, "admin intervention: "+reason, true)
}

func (s *ExchangeService) cancel(ctx context.Context, exchangeID, actorID uuid.UUID, reason string, asAdmin bool) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ex, err := s.lockPair(ctx, tx, exchangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !asAdmin && !ex.IsParticipant(actorID) {
		return nil, ErrForbidden
	}
	if !ex.IsActive() {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	ok, err := s.exchanges.CancelTx(ctx, tx, ex.ID, &actorID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	if _, err := s.foods.ReleaseTx(ctx, tx, ex.FoodID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	ex.Status = models.ExchangeCancelled
	ex.CancelledAt = &now
	ex.CancelledByID = &actorID
	ex.CancellationReason = reason

	s.logger.Info("exchange cancelled",
		"exchange_id", ex.ID, "cancelled_by", actorID, "reason", reason)
	go s.notifier.ExchangeCancelled(context.WithoutCancel(ctx), ex, actorID, reason)
	return ex, nil
}

// MarkNoShow records that one party failed to appear for a confirmed pickup.
// Recipient no-show: no credits had moved, the listing goes back to the pool.
// Sharer no-show: the refund is a recorded no-op (credits are never deducted
// before completion) and the listing is retired.
func (s *ExchangeService) MarkNoShow(ctx context.Context, exchangeID, reporterID, noShowUserID uuid.UUID, notes string) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ex, err := s.lockPair(ctx, tx, exchangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ex.IsParticipant(reporterID) || !ex.IsParticipant(noShowUserID) {
		return nil, ErrForbidden
	}
	if ex.Status != models.ExchangeConfirmed {
		return nil, ErrConflict
	}

	if notes != "" {
		s.attachNotes(ex, reporterID, notes)
	}

	now := time.Now().UTC()
	ok, err := s.exchanges.NoShowTx(ctx, tx, ex, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	if noShowUserID == ex.RecipientID {
		if _, err := s.foods.ReleaseTx(ctx, tx, ex.FoodID); err != nil {
			return nil, err
		}
	} else {
		// Sharer flaked: nothing to refund under deduct-at-completion, but
		// the listing must not stay claimable.
		s.logger.Info("no credits to refund (none transferred before no-show)",
			"exchange_id", ex.ID)
		if _, err := s.foods.ExpireTx(ctx, tx, ex.FoodID, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	ex.Status = models.ExchangeNoShow
	ex.CompletedAt = &now

	s.logger.Info("exchange marked no-show",
		"exchange_id", ex.ID, "reported_by", reporterID, "no_show_user", noShowUserID)
	return ex, nil
}

// ExpireStale cancels pending exchanges older than the confirmation window.
// Best-effort sweep: each candidate gets its own guarded transaction, and a
// failure on one row does not stop the rest.
func (s *ExchangeService) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-staleExchangeWindow)
	ids, err := s.exchanges.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if err := s.expireOne(ctx, id); err != nil {
			s.logger.Error("expire stale exchange", "exchange_id", id, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Info("expired unconfirmed exchanges", "count", count)
	}
	return count, nil
}

func (s *ExchangeService) expireOne(ctx context.Context, id uuid.UUID) error {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ex, err := s.lockPair(ctx, tx, id)
	if err != nil {
		return err
	}
	if ex.Status != models.ExchangePending {
		// A user confirmed or cancelled between the scan and this lock.
		return nil
	}

	now := time.Now().UTC()
	ok, err := s.exchanges.CancelTx(ctx, tx, ex.ID, nil, "expired - not confirmed in time", now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := s.foods.ReleaseTx(ctx, tx, ex.FoodID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset is the audited admin escape hatch: force the exchange back to pending
// and clear both confirmation flags. It deliberately bypasses every
// transition guard, so it must only be reachable through the admin surface.
func (s *ExchangeService) Reset(ctx context.Context, exchangeID, adminID uuid.UUID, reason string) (*models.Exchange, error) {
	tx, err := s.exchanges.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ex, err := s.exchanges.GetByIDForUpdate(ctx, tx, exchangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.exchanges.ResetTx(ctx, tx, exchangeID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	ex.Status = models.ExchangePending
	ex.SharerConfirmed = false
	ex.RecipientConfirmed = false
	ex.SharerConfirmedAt = nil
	ex.RecipientConfirmedAt = nil

	s.logger.Warn("exchange reset by admin",
		"exchange_id", exchangeID, "admin_id", adminID, "reason", reason)
	return ex, nil
}

func (s *ExchangeService) attachNotes(ex *models.Exchange, userID uuid.UUID, notes string) {
	if userID == ex.SharerID {
		ex.SharerNotes = notes
	} else {
		ex.RecipientNotes = notes
	}
}

func (s *ExchangeService) attachRating(ex *models.Exchange, userID uuid.UUID, rating int) {
	if rating < 1 || rating > 5 {
		return
	}
	if userID == ex.SharerID {
		ex.SharerRating = &rating
	} else {
		ex.RecipientRating = &rating
	}
}
