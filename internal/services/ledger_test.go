package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plateful/backend/internal/models"
)

// ---------------------------------------------------------------------------
// noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// ---------------------------------------------------------------------------
// In-memory LedgerRepo
// ---------------------------------------------------------------------------

type memLedgerRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.CreditAccount
	entries  []*models.CreditTransaction
}

func newMemLedgerRepo(accts ...*models.CreditAccount) *memLedgerRepo {
	m := &memLedgerRepo{accounts: make(map[uuid.UUID]*models.CreditAccount)}
	for _, a := range accts {
		cp := *a
		m.accounts[a.UserID] = &cp
	}
	return m
}

func (m *memLedgerRepo) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *memLedgerRepo) CreateAccountTx(_ context.Context, _ pgx.Tx, a *models.CreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.UserID] = &cp
	return nil
}

func (m *memLedgerRepo) GetAccountByUserID(_ context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memLedgerRepo) GetAccountForUpdate(_ context.Context, _ pgx.Tx, userID uuid.UUID) (*models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *memLedgerRepo) AddCredits(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return 0, fmt.Errorf("account for user %s not found", userID)
	}
	a.Balance += amount
	a.LifetimeEarned += amount
	return a.Balance, nil
}

func (m *memLedgerRepo) SpendCredits(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok || a.Balance < amount {
		return 0, false, nil
	}
	a.Balance -= amount
	a.LifetimeSpent += amount
	return a.Balance, true, nil
}

func (m *memLedgerRepo) InsertTransactionTx(_ context.Context, _ pgx.Tx, t *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memLedgerRepo) balance(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID].Balance
}

func (m *memLedgerRepo) account(userID uuid.UUID) *models.CreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.accounts[userID]
	return &cp
}

func (m *memLedgerRepo) byType(tt models.TransactionType) []*models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CreditTransaction
	for _, e := range m.entries {
		if e.Type == tt {
			out = append(out, e)
		}
	}
	return out
}

func creditAcct(userID uuid.UUID, balance int) *models.CreditAccount {
	return &models.CreditAccount{
		ID:             uuid.New(),
		UserID:         userID,
		Balance:        balance,
		LifetimeEarned: balance,
	}
}

// checkBalanceIdentity fails the test if balance != earned - spent.
func checkBalanceIdentity(t *testing.T, repo *memLedgerRepo, userID uuid.UUID) {
	t.Helper()
	a := repo.account(userID)
	if a.Balance != a.LifetimeEarned-a.LifetimeSpent {
		t.Errorf("balance identity violated for %s: balance=%d earned=%d spent=%d",
			userID, a.Balance, a.LifetimeEarned, a.LifetimeSpent)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestOpenAccountRecordsSignupBonus(t *testing.T) {
	repo := newMemLedgerRepo()
	svc := NewLedgerService(repo)
	userID := uuid.New()

	acct, err := svc.OpenAccount(context.Background(), noopTx{}, userID, 10)
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if acct.Balance != 10 || acct.LifetimeEarned != 10 {
		t.Errorf("account: got balance=%d earned=%d, want 10/10", acct.Balance, acct.LifetimeEarned)
	}

	bonuses := repo.byType(models.TxBonusSignup)
	if len(bonuses) != 1 {
		t.Fatalf("bonus_signup entries: got %d, want 1", len(bonuses))
	}
	if bonuses[0].Amount != 10 || bonuses[0].BalanceBefore != 0 || bonuses[0].BalanceAfter != 10 {
		t.Errorf("bonus entry: amount=%d before=%d after=%d", bonuses[0].Amount, bonuses[0].BalanceBefore, bonuses[0].BalanceAfter)
	}
	checkBalanceIdentity(t, repo, userID)
}

func TestAddThenSpendRoundTrip(t *testing.T) {
	userID := uuid.New()
	repo := newMemLedgerRepo(creditAcct(userID, 50))
	svc := NewLedgerService(repo)
	ctx := context.Background()

	if err := svc.SpendCredits(ctx, noopTx{}, userID, 7, models.TxPenaltyViolation, "test"); err != nil {
		t.Fatalf("SpendCredits: %v", err)
	}
	if err := svc.AddCredits(ctx, noopTx{}, userID, 7, models.TxBonusCommunity, "test"); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if got := repo.balance(userID); got != 50 {
		t.Errorf("round trip balance: got %d, want 50", got)
	}
	checkBalanceIdentity(t, repo, userID)
}

func TestSpendInsufficient(t *testing.T) {
	userID := uuid.New()
	repo := newMemLedgerRepo(creditAcct(userID, 3))
	svc := NewLedgerService(repo)

	err := svc.SpendCredits(context.Background(), noopTx{}, userID, 5, models.TxPenaltyViolation, "test")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := repo.balance(userID); got != 3 {
		t.Errorf("balance changed on failed spend: got %d, want 3", got)
	}
}

func TestTransfer(t *testing.T) {
	sharer := uuid.New()
	recipient := uuid.New()
	repo := newMemLedgerRepo(creditAcct(sharer, 0), creditAcct(recipient, 50))
	svc := NewLedgerService(repo)

	foodID := uuid.New()
	ex := &models.Exchange{
		ID:           uuid.New(),
		SharerID:     sharer,
		RecipientID:  recipient,
		FoodID:       foodID,
		CreditAmount: 10,
	}

	if err := svc.Transfer(context.Background(), noopTx{}, ex); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if got := repo.balance(recipient); got != 40 {
		t.Errorf("recipient balance: got %d, want 40", got)
	}
	if got := repo.balance(sharer); got != 10 {
		t.Errorf("sharer balance: got %d, want 10", got)
	}

	spent := repo.byType(models.TxSpentClaiming)
	if len(spent) != 1 {
		t.Fatalf("spent_claiming entries: got %d, want 1", len(spent))
	}
	if spent[0].Amount != -10 || spent[0].UserID != recipient {
		t.Errorf("spent entry: amount=%d user=%s", spent[0].Amount, spent[0].UserID)
	}
	if spent[0].ExchangeID == nil || *spent[0].ExchangeID != ex.ID {
		t.Error("spent entry should reference the exchange")
	}
	if spent[0].FoodID == nil || *spent[0].FoodID != foodID {
		t.Error("spent entry should reference the food")
	}
	if spent[0].BalanceAfter != spent[0].BalanceBefore+spent[0].Amount {
		t.Errorf("spent entry arithmetic: before=%d amount=%d after=%d",
			spent[0].BalanceBefore, spent[0].Amount, spent[0].BalanceAfter)
	}

	earned := repo.byType(models.TxEarnedSharing)
	if len(earned) != 1 {
		t.Fatalf("earned_sharing entries: got %d, want 1", len(earned))
	}
	if earned[0].Amount != 10 || earned[0].UserID != sharer {
		t.Errorf("earned entry: amount=%d user=%s", earned[0].Amount, earned[0].UserID)
	}

	checkBalanceIdentity(t, repo, sharer)
	checkBalanceIdentity(t, repo, recipient)
}

func TestTransferInsufficientLeavesNoEntries(t *testing.T) {
	sharer := uuid.New()
	recipient := uuid.New()
	repo := newMemLedgerRepo(creditAcct(sharer, 0), creditAcct(recipient, 4))
	svc := NewLedgerService(repo)

	ex := &models.Exchange{
		ID: uuid.New(), SharerID: sharer, RecipientID: recipient,
		FoodID: uuid.New(), CreditAmount: 10,
	}
	err := svc.Transfer(context.Background(), noopTx{}, ex)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := repo.balance(recipient); got != 4 {
		t.Errorf("recipient balance: got %d, want 4", got)
	}
	if got := repo.balance(sharer); got != 0 {
		t.Errorf("sharer balance: got %d, want 0", got)
	}
	if n := len(repo.byType(models.TxSpentClaiming)); n != 0 {
		t.Errorf("expected 0 spent_claiming entries, got %d", n)
	}
}

func TestAdjustRecordsAdmin(t *testing.T) {
	userID := uuid.New()
	admin := uuid.New()
	repo := newMemLedgerRepo(creditAcct(userID, 5))
	svc := NewLedgerService(repo)
	ctx := context.Background()

	if err := svc.Adjust(ctx, userID, 3, models.TxAdjustmentAdmin, "goodwill", admin); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got := repo.balance(userID); got != 8 {
		t.Errorf("balance after adjust: got %d, want 8", got)
	}
	adj := repo.byType(models.TxAdjustmentAdmin)
	if len(adj) != 1 {
		t.Fatalf("adjustment entries: got %d, want 1", len(adj))
	}
	if adj[0].CreatedByID == nil || *adj[0].CreatedByID != admin {
		t.Error("adjustment entry should record the acting admin")
	}

	// Negative adjustment below balance is rejected.
	err := svc.Adjust(ctx, userID, -100, models.TxAdjustmentAdmin, "clawback", admin)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := repo.balance(userID); got != 8 {
		t.Errorf("balance changed on rejected adjust: got %d, want 8", got)
	}
	checkBalanceIdentity(t, repo, userID)
}
