package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/plateful/backend/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// In-memory ExchangeStore. Guarded transitions mirror the SQL conditions.
// ---------------------------------------------------------------------------

// lockTrace records the order in which row locks are taken. Stores append to
// it only when one is attached.
type lockTrace struct {
	mu  sync.Mutex
	seq []string
}

func (l *lockTrace) add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = append(l.seq, name)
}

func (l *lockTrace) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seq...)
}

type memExchangeStore struct {
	mu    sync.Mutex
	m     map[uuid.UUID]*models.Exchange
	trace *lockTrace
}

func newMemExchangeStore() *memExchangeStore {
	return &memExchangeStore{m: make(map[uuid.UUID]*models.Exchange)}
}

func (s *memExchangeStore) put(e *models.Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.m[e.ID] = &cp
}

func (s *memExchangeStore) get(id uuid.UUID) *models.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.m[id]
	return &cp
}

func (s *memExchangeStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (s *memExchangeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (s *memExchangeStore) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Exchange, error) {
	s.trace.add("exchange")
	return s.GetByID(ctx, id)
}

func (s *memExchangeStore) SaveConfirmationTx(_ context.Context, _ pgx.Tx, e *models.Exchange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[e.ID]
	if !ok || stored.Status != models.ExchangePending {
		return false, nil
	}
	cp := *e
	s.m[e.ID] = &cp
	return true, nil
}

func (s *memExchangeStore) CompleteTx(_ context.Context, _ pgx.Tx, e *models.Exchange, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[e.ID]
	if !ok || stored.Status != models.ExchangeConfirmed || stored.CreditsTransferred {
		return false, nil
	}
	stored.Status = models.ExchangeCompleted
	stored.CompletedAt = &now
	stored.ActualPickupAt = &now
	stored.CreditsTransferred = true
	stored.CreditsTransferredAt = &now
	stored.SharerNotes = e.SharerNotes
	stored.RecipientNotes = e.RecipientNotes
	stored.SharerRating = e.SharerRating
	stored.RecipientRating = e.RecipientRating
	return true, nil
}

func (s *memExchangeStore) CancelTx(_ context.Context, _ pgx.Tx, id uuid.UUID, cancelledBy *uuid.UUID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[id]
	if !ok || !stored.IsActive() {
		return false, nil
	}
	stored.Status = models.ExchangeCancelled
	stored.CancelledAt = &now
	stored.CancelledByID = cancelledBy
	stored.CancellationReason = reason
	return true, nil
}

func (s *memExchangeStore) FailTx(_ context.Context, _ pgx.Tx, id uuid.UUID, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[id]
	if !ok || stored.Status != models.ExchangeConfirmed {
		return false, nil
	}
	stored.Status = models.ExchangeFailed
	stored.CancelledAt = &now
	stored.CancellationReason = reason
	return true, nil
}

func (s *memExchangeStore) NoShowTx(_ context.Context, _ pgx.Tx, e *models.Exchange, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[e.ID]
	if !ok || stored.Status != models.ExchangeConfirmed {
		return false, nil
	}
	stored.Status = models.ExchangeNoShow
	stored.CompletedAt = &now
	stored.SharerNotes = e.SharerNotes
	stored.RecipientNotes = e.RecipientNotes
	return true, nil
}

func (s *memExchangeStore) ResetTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[id]
	if !ok {
		return pgx.ErrNoRows
	}
	stored.Status = models.ExchangePending
	stored.SharerConfirmed = false
	stored.RecipientConfirmed = false
	stored.SharerConfirmedAt = nil
	stored.RecipientConfirmedAt = nil
	return nil
}

func (s *memExchangeStore) ListStalePending(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range s.m {
		if e.Status == models.ExchangePending && !e.CreatedAt.After(cutoff) {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (s *memExchangeStore) ListByUser(_ context.Context, userID uuid.UUID, role string, status models.ExchangeStatus, _, _ int) ([]*models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Exchange
	for _, e := range s.m {
		switch role {
		case "sharer":
			if e.SharerID != userID {
				continue
			}
		case "recipient":
			if e.RecipientID != userID {
				continue
			}
		default:
			if e.SharerID != userID && e.RecipientID != userID {
				continue
			}
		}
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memExchangeStore) ListActiveByUser(_ context.Context, userID uuid.UUID) ([]*models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Exchange
	for _, e := range s.m {
		if (e.SharerID == userID || e.RecipientID == userID) && e.IsActive() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FoodExchangeStore methods so the same store backs the food service tests.

func (s *memExchangeStore) CreateTx(_ context.Context, _ pgx.Tx, e *models.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.CreatedAt = time.Now().UTC()
	s.m[e.ID] = &cp
	return nil
}

func (s *memExchangeStore) GetActiveByFoodForUpdate(_ context.Context, _ pgx.Tx, foodID uuid.UUID) (*models.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.m {
		if e.FoodID == foodID && e.IsActive() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// ---------------------------------------------------------------------------
// In-memory FoodStore.
// ---------------------------------------------------------------------------

type memFoodStore struct {
	mu    sync.Mutex
	m     map[uuid.UUID]*models.Food
	trace *lockTrace
}

func newMemFoodStore() *memFoodStore {
	return &memFoodStore{m: make(map[uuid.UUID]*models.Food)}
}

func (s *memFoodStore) put(f *models.Food) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.m[f.ID] = &cp
}

func (s *memFoodStore) get(id uuid.UUID) *models.Food {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.m[id]
	return &cp
}

func (s *memFoodStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (s *memFoodStore) Create(_ context.Context, f *models.Food) error {
	s.put(f)
	return nil
}

func (s *memFoodStore) GetByID(_ context.Context, id uuid.UUID) (*models.Food, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.m[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *f
	return &cp, nil
}

func (s *memFoodStore) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Food, error) {
	s.trace.add("food")
	return s.GetByID(ctx, id)
}

func (s *memFoodStore) LockTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	s.trace.add("food")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *memFoodStore) UpdateTx(_ context.Context, _ pgx.Tx, f *models.Food) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.m[f.ID]
	if !ok || stored.Status != models.FoodStatusAvailable {
		return false, nil
	}
	cp := *f
	s.m[f.ID] = &cp
	return true, nil
}

func (s *memFoodStore) ClaimTx(_ context.Context, _ pgx.Tx, foodID, userID uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.m[foodID]
	if !ok || f.Status != models.FoodStatusAvailable || f.ClaimedByID != nil {
		return false, nil
	}
	f.Status = models.FoodStatusClaimed
	f.ClaimedByID = &userID
	f.ClaimedAt = &now
	return true, nil
}

func (s *memFoodStore) ReleaseTx(_ context.Context, _ pgx.Tx, foodID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.m[foodID]
	if !ok || f.Status != models.FoodStatusClaimed {
		return false, nil
	}
	f.Status = models.FoodStatusAvailable
	f.ClaimedByID = nil
	f.ClaimedAt = nil
	return true, nil
}

func (s *memFoodStore) CompleteTx(_ context.Context, _ pgx.Tx, foodID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.m[foodID]
	if !ok || f.Status != models.FoodStatusClaimed {
		return false, nil
	}
	f.Status = models.FoodStatusCompleted
	return true, nil
}

func (s *memFoodStore) ExpireTx(_ context.Context, _ pgx.Tx, foodID uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.m[foodID]
	if !ok || (f.Status != models.FoodStatusAvailable && f.Status != models.FoodStatusClaimed) {
		return false, nil
	}
	f.Status = models.FoodStatusExpired
	f.ExpiresAt = now
	return true, nil
}

func (s *memFoodStore) ExpireDue(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, f := range s.m {
		if f.Status == models.FoodStatusAvailable && !f.ExpiresAt.After(now) {
			f.Status = models.FoodStatusExpired
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

func (s *memFoodStore) ListAvailableByBuilding(_ context.Context, buildingID uuid.UUID, now time.Time, _, _ int) ([]*models.Food, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Food
	for _, f := range s.m {
		if f.BuildingID == buildingID && f.Status == models.FoodStatusAvailable && f.ExpiresAt.After(now) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memFoodStore) ListBySharer(_ context.Context, sharerID uuid.UUID, _, _ int) ([]*models.Food, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Food
	for _, f := range s.m {
		if f.SharerID == sharerID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Notifier that feeds events into channels so async dispatch is observable.
// ---------------------------------------------------------------------------

type chanNotifier struct {
	confirmed chan uuid.UUID
	completed chan uuid.UUID
	cancelled chan uuid.UUID
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		confirmed: make(chan uuid.UUID, 8),
		completed: make(chan uuid.UUID, 8),
		cancelled: make(chan uuid.UUID, 8),
	}
}

func (n *chanNotifier) ExchangeConfirmed(_ context.Context, ex *models.Exchange) {
	n.confirmed <- ex.ID
}
func (n *chanNotifier) ExchangeCompleted(_ context.Context, ex *models.Exchange) {
	n.completed <- ex.ID
}
func (n *chanNotifier) ExchangeCancelled(_ context.Context, ex *models.Exchange, _ uuid.UUID, _ string) {
	n.cancelled <- ex.ID
}

func waitEvent(t *testing.T, ch chan uuid.UUID, want uuid.UUID) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("notification for exchange %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for notification")
	}
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type coordFixture struct {
	svc       *ExchangeService
	exchanges *memExchangeStore
	foods     *memFoodStore
	ledger    *memLedgerRepo
	notifier  *chanNotifier
	sharer    uuid.UUID
	recipient uuid.UUID
	food      *models.Food
	exchange  *models.Exchange
}

// newCoordFixture seeds a claimed listing worth 10 credits with a pending
// exchange; sharer and recipient both start with 50 credits.
func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	sharer := uuid.New()
	recipient := uuid.New()
	now := time.Now().UTC()

	food := &models.Food{
		ID:          uuid.New(),
		SharerID:    sharer,
		BuildingID:  uuid.New(),
		Title:       "lentil soup",
		Category:    models.CategoryCookedMeals,
		ServingSize: models.ServingCouple,
		PickupStart: now.Add(-time.Hour),
		PickupEnd:   now.Add(time.Hour),
		ExpiresAt:   now.Add(4 * time.Hour),
		CreditValue: 10,
		Status:      models.FoodStatusClaimed,
		ClaimedByID: &recipient,
		ClaimedAt:   &now,
	}
	ex := &models.Exchange{
		ID:           uuid.New(),
		SharerID:     sharer,
		RecipientID:  recipient,
		FoodID:       food.ID,
		Status:       models.ExchangePending,
		CreditAmount: 10,
		CreatedAt:    now,
	}

	exchanges := newMemExchangeStore()
	exchanges.put(ex)
	foods := newMemFoodStore()
	foods.put(food)
	ledgerRepo := newMemLedgerRepo(creditAcct(sharer, 50), creditAcct(recipient, 50))
	notifier := newChanNotifier()

	svc := NewExchangeService(exchanges, foods, NewLedgerService(ledgerRepo), notifier, testLogger())
	return &coordFixture{
		svc:       svc,
		exchanges: exchanges,
		foods:     foods,
		ledger:    ledgerRepo,
		notifier:  notifier,
		sharer:    sharer,
		recipient: recipient,
		food:      food,
		exchange:  ex,
	}
}

func (f *coordFixture) confirmBoth(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.Confirm(ctx, f.exchange.ID, f.sharer, ""); err != nil {
		t.Fatalf("sharer confirm: %v", err)
	}
	if _, err := f.svc.Confirm(ctx, f.exchange.ID, f.recipient, ""); err != nil {
		t.Fatalf("recipient confirm: %v", err)
	}
	waitEvent(t, f.notifier.confirmed, f.exchange.ID)
}

// ---------------------------------------------------------------------------
// Confirm
// ---------------------------------------------------------------------------

func TestConfirmConjunction(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	ex, err := f.svc.Confirm(ctx, f.exchange.ID, f.sharer, "ring 2B")
	if err != nil {
		t.Fatalf("sharer confirm: %v", err)
	}
	if ex.IsConfirmed() {
		t.Error("exchange should not be fully confirmed after one party")
	}
	if ex.Status != models.ExchangePending {
		t.Errorf("status after one confirm: got %s, want pending", ex.Status)
	}

	stored := f.exchanges.get(f.exchange.ID)
	if !stored.SharerConfirmed || stored.RecipientConfirmed {
		t.Errorf("flags: sharer=%v recipient=%v", stored.SharerConfirmed, stored.RecipientConfirmed)
	}
	if stored.SharerNotes != "ring 2B" {
		t.Errorf("sharer notes: got %q", stored.SharerNotes)
	}
	if stored.IsConfirmed() != (stored.SharerConfirmed && stored.RecipientConfirmed) {
		t.Error("is_confirmed must equal the conjunction of the flags")
	}

	ex, err = f.svc.Confirm(ctx, f.exchange.ID, f.recipient, "")
	if err != nil {
		t.Fatalf("recipient confirm: %v", err)
	}
	if !ex.IsConfirmed() || ex.Status != models.ExchangeConfirmed {
		t.Errorf("after both confirms: confirmed=%v status=%s", ex.IsConfirmed(), ex.Status)
	}
	waitEvent(t, f.notifier.confirmed, f.exchange.ID)
}

func TestConfirmIdempotentPerParty(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Confirm(ctx, f.exchange.ID, f.sharer, ""); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	before := f.exchanges.get(f.exchange.ID)

	if _, err := f.svc.Confirm(ctx, f.exchange.ID, f.sharer, ""); err != nil {
		t.Fatalf("repeat confirm should succeed: %v", err)
	}
	after := f.exchanges.get(f.exchange.ID)
	if !after.SharerConfirmedAt.Equal(*before.SharerConfirmedAt) {
		t.Error("repeat confirm must not touch the original timestamp")
	}
	if after.Status != models.ExchangePending {
		t.Errorf("status: got %s, want pending", after.Status)
	}
}

func TestConfirmByOutsider(t *testing.T) {
	f := newCoordFixture(t)
	stranger := uuid.New()

	_, err := f.svc.Confirm(context.Background(), f.exchange.ID, stranger, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	stored := f.exchanges.get(f.exchange.ID)
	if stored.SharerConfirmed || stored.RecipientConfirmed {
		t.Error("outsider confirm must not change flags")
	}
}

func TestConfirmUnknownExchange(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.svc.Confirm(context.Background(), uuid.New(), f.sharer, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmOnTerminalExchange(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, f.exchange.ID, f.sharer, "plans changed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitEvent(t, f.notifier.cancelled, f.exchange.ID)

	_, err := f.svc.Confirm(ctx, f.exchange.ID, f.recipient, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

func TestCompleteRequiresBothConfirmations(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, f.exchange.ID, f.sharer, nil, "")
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("complete on pending: expected ErrNotConfirmed, got %v", err)
	}

	if _, err := f.svc.Confirm(ctx, f.exchange.ID, f.sharer, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	_, err = f.svc.Complete(ctx, f.exchange.ID, f.sharer, nil, "")
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("complete with one flag: expected ErrNotConfirmed, got %v", err)
	}
	if got := f.ledger.balance(f.recipient); got != 50 {
		t.Errorf("no credits may move before completion: recipient balance %d", got)
	}
}

// The §8 happy-path scenario: worth 10, both confirm, sharer completes with a
// rating; balances move 50/50 -> 60/40 and two ledger entries reference the
// exchange.
func TestCompleteHappyPath(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	f.confirmBoth(t)

	rating := 5
	ex, err := f.svc.Complete(ctx, f.exchange.ID, f.sharer, &rating, "smooth pickup")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ex.Status != models.ExchangeCompleted {
		t.Errorf("status: got %s, want completed", ex.Status)
	}
	if !ex.CreditsTransferred || ex.CreditsTransferredAt == nil {
		t.Error("credits_transferred must be set on completion")
	}
	if ex.CompletedAt == nil || ex.ActualPickupAt == nil {
		t.Error("completion timestamps must be set")
	}

	if got := f.ledger.balance(f.sharer); got != 60 {
		t.Errorf("sharer balance: got %d, want 60", got)
	}
	if got := f.ledger.balance(f.recipient); got != 40 {
		t.Errorf("recipient balance: got %d, want 40", got)
	}
	for _, tt := range []models.TransactionType{models.TxSpentClaiming, models.TxEarnedSharing} {
		entries := f.ledger.byType(tt)
		if len(entries) != 1 {
			t.Fatalf("%s entries: got %d, want 1", tt, len(entries))
		}
		if entries[0].ExchangeID == nil || *entries[0].ExchangeID != ex.ID {
			t.Errorf("%s entry must reference the exchange", tt)
		}
	}
	checkBalanceIdentity(t, f.ledger, f.sharer)
	checkBalanceIdentity(t, f.ledger, f.recipient)

	stored := f.exchanges.get(f.exchange.ID)
	if stored.SharerRating == nil || *stored.SharerRating != 5 {
		t.Error("sharer rating should be recorded")
	}
	if f.foods.get(f.food.ID).Status != models.FoodStatusCompleted {
		t.Errorf("listing status: got %s, want completed", f.foods.get(f.food.ID).Status)
	}
	waitEvent(t, f.notifier.completed, ex.ID)
}

func TestCompleteTwiceTransfersOnce(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	f.confirmBoth(t)

	if _, err := f.svc.Complete(ctx, f.exchange.ID, f.sharer, nil, ""); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	waitEvent(t, f.notifier.completed, f.exchange.ID)

	ex, err := f.svc.Complete(ctx, f.exchange.ID, f.recipient, nil, "")
	if err != nil {
		t.Fatalf("second complete must be idempotent: %v", err)
	}
	if ex.Status != models.ExchangeCompleted {
		t.Errorf("status: got %s, want completed", ex.Status)
	}

	if got := f.ledger.balance(f.sharer); got != 60 {
		t.Errorf("sharer balance after double complete: got %d, want 60", got)
	}
	if n := len(f.ledger.byType(models.TxEarnedSharing)); n != 1 {
		t.Errorf("earned_sharing entries: got %d, want exactly 1", n)
	}
	select {
	case <-f.notifier.completed:
		t.Error("second complete must not emit another notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompleteByOutsider(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)

	_, err := f.svc.Complete(context.Background(), f.exchange.ID, uuid.New(), nil, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if f.exchanges.get(f.exchange.ID).Status != models.ExchangeConfirmed {
		t.Error("outsider complete must not change status")
	}
}

func TestCompleteInsufficientBalanceFailsExchange(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	f.confirmBoth(t)

	// Drain the recipient below the credit amount after confirmation.
	admin := uuid.New()
	ledgerSvc := NewLedgerService(f.ledger)
	if err := ledgerSvc.Adjust(ctx, f.recipient, -45, models.TxAdjustmentAdmin, "drain", admin); err != nil {
		t.Fatalf("drain: %v", err)
	}

	_, err := f.svc.Complete(ctx, f.exchange.ID, f.sharer, nil, "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	stored := f.exchanges.get(f.exchange.ID)
	if stored.Status != models.ExchangeFailed {
		t.Errorf("status: got %s, want failed", stored.Status)
	}
	if stored.CreditsTransferred {
		t.Error("failed exchange must not have credits_transferred set")
	}
	if got := f.foods.get(f.food.ID).Status; got != models.FoodStatusExpired {
		t.Errorf("listing after failed settlement: got %s, want expired", got)
	}
	if got := f.ledger.balance(f.sharer); got != 50 {
		t.Errorf("sharer balance must be untouched: got %d, want 50", got)
	}
}

// ---------------------------------------------------------------------------
// Cancel / NoShow
// ---------------------------------------------------------------------------

func TestCancelReleasesListing(t *testing.T) {
	f := newCoordFixture(t)

	ex, err := f.svc.Cancel(context.Background(), f.exchange.ID, f.recipient, "can't make it")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ex.Status != models.ExchangeCancelled {
		t.Errorf("status: got %s, want cancelled", ex.Status)
	}
	if ex.CancelledByID == nil || *ex.CancelledByID != f.recipient {
		t.Error("cancelled_by should record the caller")
	}

	food := f.foods.get(f.food.ID)
	if food.Status != models.FoodStatusAvailable {
		t.Errorf("listing status: got %s, want available", food.Status)
	}
	if food.ClaimedByID != nil {
		t.Error("claimed_by must be cleared on release")
	}
	if got := f.ledger.balance(f.recipient); got != 50 {
		t.Errorf("cancel must not move credits: recipient balance %d", got)
	}
	waitEvent(t, f.notifier.cancelled, ex.ID)
}

func TestCancelTerminalFails(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	f.confirmBoth(t)
	if _, err := f.svc.Complete(ctx, f.exchange.ID, f.sharer, nil, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	waitEvent(t, f.notifier.completed, f.exchange.ID)

	_, err := f.svc.Cancel(ctx, f.exchange.ID, f.sharer, "too late")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestNoShowByRecipient(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)

	ex, err := f.svc.MarkNoShow(context.Background(), f.exchange.ID, f.sharer, f.recipient, "waited 20 minutes")
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if ex.Status != models.ExchangeNoShow {
		t.Errorf("status: got %s, want no_show", ex.Status)
	}
	if got := f.exchanges.get(f.exchange.ID).SharerNotes; got != "waited 20 minutes" {
		t.Errorf("reporter notes: got %q", got)
	}
	if got := f.foods.get(f.food.ID).Status; got != models.FoodStatusAvailable {
		t.Errorf("listing must return to pool: got %s", got)
	}
	if got := f.ledger.balance(f.recipient); got != 50 {
		t.Errorf("recipient no-show must not move credits: balance %d", got)
	}
}

func TestNoShowBySharer(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)

	_, err := f.svc.MarkNoShow(context.Background(), f.exchange.ID, f.recipient, f.sharer, "")
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	// Deduct-at-completion means no refund is due; the listing is retired.
	if got := f.ledger.balance(f.recipient); got != 50 {
		t.Errorf("recipient balance: got %d, want 50", got)
	}
	if got := f.foods.get(f.food.ID).Status; got != models.FoodStatusExpired {
		t.Errorf("listing: got %s, want expired", got)
	}
}

func TestNoShowRequiresConfirmedStatus(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.svc.MarkNoShow(context.Background(), f.exchange.ID, f.sharer, f.recipient, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("no-show on pending: expected ErrConflict, got %v", err)
	}
}

func TestNoShowByOutsider(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)
	_, err := f.svc.MarkNoShow(context.Background(), f.exchange.ID, uuid.New(), f.recipient, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Sweep / Reset
// ---------------------------------------------------------------------------

func TestExpireStaleCancelsOldPending(t *testing.T) {
	f := newCoordFixture(t)

	// Age the pending exchange past the confirmation window.
	aged := f.exchanges.get(f.exchange.ID)
	aged.CreatedAt = time.Now().UTC().Add(-31 * time.Minute)
	f.exchanges.put(aged)

	n, err := f.svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired count: got %d, want 1", n)
	}

	stored := f.exchanges.get(f.exchange.ID)
	if stored.Status != models.ExchangeCancelled {
		t.Errorf("status: got %s, want cancelled", stored.Status)
	}
	if !strings.Contains(stored.CancellationReason, "expired") {
		t.Errorf("reason should mention expiry: got %q", stored.CancellationReason)
	}
	if got := f.foods.get(f.food.ID).Status; got != models.FoodStatusAvailable {
		t.Errorf("listing should revert to available: got %s", got)
	}
}

func TestExpireStaleSkipsRecentAndConfirmed(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)

	n, err := f.svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 0 {
		t.Errorf("expired count: got %d, want 0", n)
	}
	if got := f.exchanges.get(f.exchange.ID).Status; got != models.ExchangeConfirmed {
		t.Errorf("confirmed exchange must survive the sweep: got %s", got)
	}
}

// Transitions that touch both rows must take the listing lock before the
// exchange lock, the same order the food service uses, so concurrent
// cancel and expire on the same pair cannot deadlock.
func TestCascadingTransitionsLockListingFirst(t *testing.T) {
	ops := []struct {
		name    string
		confirm bool
		run     func(f *coordFixture) error
	}{
		{"cancel", false, func(f *coordFixture) error {
			_, err := f.svc.Cancel(context.Background(), f.exchange.ID, f.recipient, "changed plans")
			return err
		}},
		{"complete", true, func(f *coordFixture) error {
			_, err := f.svc.Complete(context.Background(), f.exchange.ID, f.sharer, nil, "")
			return err
		}},
		{"no-show", true, func(f *coordFixture) error {
			_, err := f.svc.MarkNoShow(context.Background(), f.exchange.ID, f.sharer, f.recipient, "")
			return err
		}},
	}
	for _, op := range ops {
		f := newCoordFixture(t)
		if op.confirm {
			f.confirmBoth(t)
		}
		trace := &lockTrace{}
		f.foods.trace = trace
		f.exchanges.trace = trace

		if err := op.run(f); err != nil {
			t.Fatalf("%s: %v", op.name, err)
		}
		seq := trace.snapshot()
		if len(seq) < 2 || seq[0] != "food" {
			t.Errorf("%s: lock order %v, want the listing locked first", op.name, seq)
		}
	}
}

func TestAdminCancelSkipsParticipantCheck(t *testing.T) {
	f := newCoordFixture(t)
	admin := uuid.New()

	ex, err := f.svc.AdminCancel(context.Background(), f.exchange.ID, admin, "dispute")
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if ex.Status != models.ExchangeCancelled {
		t.Errorf("status: got %s, want cancelled", ex.Status)
	}
	if !strings.Contains(ex.CancellationReason, "dispute") {
		t.Errorf("reason: got %q", ex.CancellationReason)
	}
	if ex.CancelledByID == nil || *ex.CancelledByID != admin {
		t.Error("cancelled_by must record the admin")
	}
	if f.foods.get(f.food.ID).Status != models.FoodStatusAvailable {
		t.Error("listing must be released")
	}
}

func TestAdminCompleteSettlesWithoutRating(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)
	admin := uuid.New()

	ex, err := f.svc.AdminComplete(context.Background(), f.exchange.ID, admin, "parties agree offline")
	if err != nil {
		t.Fatalf("admin complete: %v", err)
	}
	if ex.Status != models.ExchangeCompleted || !ex.CreditsTransferred {
		t.Errorf("got status %s, transferred %v", ex.Status, ex.CreditsTransferred)
	}
	if got := f.ledger.balance(f.sharer); got != 60 {
		t.Errorf("sharer balance: got %d, want 60", got)
	}
	stored := f.exchanges.get(f.exchange.ID)
	if stored.SharerRating != nil || stored.RecipientRating != nil {
		t.Error("admin completion must not record a rating")
	}
}

func TestAdminCompleteRequiresConfirmed(t *testing.T) {
	f := newCoordFixture(t)

	_, err := f.svc.AdminComplete(context.Background(), f.exchange.ID, uuid.New(), "force")
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
}

func TestAdminReset(t *testing.T) {
	f := newCoordFixture(t)
	f.confirmBoth(t)

	admin := uuid.New()
	ex, err := f.svc.Reset(context.Background(), f.exchange.ID, admin, "stuck exchange")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ex.Status != models.ExchangePending {
		t.Errorf("status: got %s, want pending", ex.Status)
	}
	stored := f.exchanges.get(f.exchange.ID)
	if stored.SharerConfirmed || stored.RecipientConfirmed {
		t.Error("reset must clear both confirmation flags")
	}
	if stored.SharerConfirmedAt != nil || stored.RecipientConfirmedAt != nil {
		t.Error("reset must clear confirmation timestamps")
	}
}
