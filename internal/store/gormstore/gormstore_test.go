package gormstore_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/videocredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testUserID       = "user-1"
	actionImage      = "image-generation"
	actionVideo      = "video-render"
	fixedUnixUTC     = int64(1792231200)
	errorMismatchFmt = "expected %v, got %v"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/credits.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(database); err != nil {
		t.Fatalf("automigrate failed: %v", err)
	}
	return database
}

func newTestService(t *testing.T, store ledger.Store) *ledger.Service {
	t.Helper()
	creditLedger, err := ledger.NewLedger(store, func() int64 { return fixedUnixUTC })
	if err != nil {
		t.Fatalf("ledger init failed: %v", err)
	}
	costs, err := ledger.NewCostTable([]ledger.CostEntry{
		{Action: mustActionID(t, actionImage), Cost: ledger.Cost{SCRD: 1}},
		{Action: mustActionID(t, actionVideo), Cost: ledger.Cost{SCRD: 2, ECRD: 3}},
	})
	if err != nil {
		t.Fatalf("cost table: %v", err)
	}
	service, err := ledger.NewService(creditLedger, costs)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustUserID(t *testing.T, raw string) ledger.UserID {
	t.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func mustActionID(t *testing.T, raw string) ledger.ActionID {
	t.Helper()
	action, err := ledger.NewActionID(raw)
	if err != nil {
		t.Fatalf("action id: %v", err)
	}
	return action
}

func mustIdempotencyKey(t *testing.T, raw string) ledger.IdempotencyKey {
	t.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		t.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustTransaction(t *testing.T, id string, sequence int64, key string) ledger.Transaction {
	t.Helper()
	transactionID, err := ledger.NewTransactionID(id)
	if err != nil {
		t.Fatalf("transaction id: %v", err)
	}
	return ledger.Transaction{
		TransactionID:  transactionID,
		UserID:         mustUserID(t, testUserID),
		Sequence:       sequence,
		Kind:           ledger.KindEarn,
		Amount:         1,
		CreditType:     ledger.CreditTypeSCRD,
		Category:       ledger.Category("engagement"),
		IdempotencyKey: mustIdempotencyKey(t, key),
		CreatedUnixUTC: fixedUnixUTC,
		Snapshot:       ledger.Snapshot{SCRD: ledger.Credits(sequence)},
	}
}

func TestStoreServiceFlow(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	service := newTestService(t, store)
	ctx := context.Background()
	userID := mustUserID(t, testUserID)

	granted, err := service.GiveDailyLoginBonus(ctx, userID)
	if err != nil || !granted {
		t.Fatalf("expected bonus, got %v (%v)", granted, err)
	}
	granted, err = service.GiveDailyLoginBonus(ctx, userID)
	if err != nil || granted {
		t.Fatalf("expected repeated bonus to be skipped, got %v (%v)", granted, err)
	}
	if _, err := service.GrantCredits(ctx, userID, ledger.KindEarn, ledger.CreditTypeSCRD, 4, ledger.Category("engagement"), ledger.Metadata{}, mustIdempotencyKey(t, "earn-1")); err != nil {
		t.Fatalf("earn: %v", err)
	}
	if _, err := service.GrantCredits(ctx, userID, ledger.KindPurchase, ledger.CreditTypeECRD, 10, ledger.Category("shop"), ledger.Metadata{OrderReference: "ord-7"}, mustIdempotencyKey(t, "order-7")); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	metadata := ledger.Metadata{RelatedEntityType: "project", RelatedEntityID: "p-1"}
	receipt, err := service.SpendCredits(ctx, userID, mustActionID(t, actionVideo), 1, metadata, mustIdempotencyKey(t, "render-1"))
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if receipt.Balance.Snapshot() != (ledger.Snapshot{SCRD: 3, ECRD: 7}) {
		t.Fatalf("unexpected balance after spend %+v", receipt.Balance)
	}
	replay, err := service.SpendCredits(ctx, userID, mustActionID(t, actionVideo), 1, metadata, mustIdempotencyKey(t, "render-1"))
	if err != nil || !replay.Replayed {
		t.Fatalf("expected replayed spend, got %+v (%v)", replay, err)
	}

	history, err := service.GetTransactionHistory(ctx, userID, ledger.Cursor{}, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 || history[0].Sequence != 5 || history[4].Sequence != 1 {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Metadata.RelatedEntityID != "p-1" || history[0].CreditType != ledger.CreditTypeECRD || history[0].Amount != -3 {
		t.Fatalf("unexpected newest transaction %+v", history[0])
	}
	if history[0].CreatedUnixUTC != fixedUnixUTC {
		t.Fatalf("expected created time %d, got %d", fixedUnixUTC, history[0].CreatedUnixUTC)
	}

	if _, err := service.RefundTransaction(ctx, userID, history[0].TransactionID, "render failed"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := service.RefundTransaction(ctx, userID, history[0].TransactionID, ""); !errors.Is(err, ledger.ErrAlreadyRefunded) {
		t.Fatalf(errorMismatchFmt, ledger.ErrAlreadyRefunded, err)
	}

	report, err := service.AuditUser(ctx, userID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Consistent() || report.TransactionCount != 6 || report.Replayed != (ledger.Snapshot{SCRD: 3, ECRD: 10}) {
		t.Fatalf("unexpected audit report %+v", report)
	}
}

func TestStoreGetBalanceUnknownUser(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	balance, err := store.GetBalance(context.Background(), mustUserID(t, "nobody"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != (ledger.Balance{}) {
		t.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestStoreUpdateBalanceRejectsStaleSequence(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	userID := mustUserID(t, testUserID)
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if balance != (ledger.Balance{}) {
			t.Errorf("expected a fresh zero row, got %+v", balance)
		}
		return txStore.UpdateBalance(ctx, userID, 5, ledger.Balance{SCRD: 1, Sequence: 6})
	})
	if !errors.Is(err, ledger.ErrConcurrentUpdate) {
		t.Fatalf(errorMismatchFmt, ledger.ErrConcurrentUpdate, err)
	}
}

func TestStoreClassifiesUniqueViolations(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	ctx := context.Background()
	if err := store.InsertTransaction(ctx, mustTransaction(t, "tx-1", 1, "key-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.InsertTransaction(ctx, mustTransaction(t, "tx-2", 2, "key-1"))
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf(errorMismatchFmt, ledger.ErrDuplicateIdempotencyKey, err)
	}
	err = store.InsertTransaction(ctx, mustTransaction(t, "tx-3", 1, "key-3"))
	if !errors.Is(err, ledger.ErrConcurrentUpdate) {
		t.Fatalf(errorMismatchFmt, ledger.ErrConcurrentUpdate, err)
	}
	if _, err := store.GetTransaction(ctx, mustUserID(t, testUserID), mustTransaction(t, "missing", 9, "k").TransactionID); !errors.Is(err, ledger.ErrUnknownTransaction) {
		t.Fatalf(errorMismatchFmt, ledger.ErrUnknownTransaction, err)
	}
}

func TestStoreRollsBackFailedUnit(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	userID := mustUserID(t, testUserID)
	errAbort := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockBalance(ctx, userID); err != nil {
			return err
		}
		if err := txStore.UpdateBalance(ctx, userID, 0, ledger.Balance{SCRD: 1, Sequence: 1, UpdatedUnixUTC: fixedUnixUTC}); err != nil {
			return err
		}
		if err := txStore.InsertTransaction(ctx, mustTransaction(t, "tx-1", 1, "key-1")); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf(errorMismatchFmt, errAbort, err)
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil || balance != (ledger.Balance{}) {
		t.Fatalf("expected rolled back balance, got %+v (%v)", balance, err)
	}
	page, err := store.ListTransactions(context.Background(), userID, ledger.Cursor{}, 10)
	if err != nil || len(page) != 0 {
		t.Fatalf("expected no transactions, got %d (%v)", len(page), err)
	}
}

func TestStoreConcurrentSpends(t *testing.T) {
	store := gormstore.New(openTestDatabase(t))
	service := newTestService(t, store)
	userID := mustUserID(t, testUserID)
	if _, err := service.GrantCredits(context.Background(), userID, ledger.KindEarn, ledger.CreditTypeSCRD, 4, ledger.Category("engagement"), ledger.Metadata{}, mustIdempotencyKey(t, "earn-1")); err != nil {
		t.Fatalf("earn: %v", err)
	}

	const workers = 12
	var succeeded atomic.Int64
	var waitGroup sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := service.SpendCredits(ctx, userID, mustActionID(t, actionImage), 1, ledger.Metadata{}, ledger.IdempotencyKey{})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
			default:
				t.Errorf("unexpected spend error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	if succeeded.Load() != 4 {
		t.Fatalf("expected 4 successful spends, got %d", succeeded.Load())
	}
	balance, err := store.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.SCRD != 0 || balance.Sequence != 5 {
		t.Fatalf("unexpected final balance %+v", balance)
	}
}
