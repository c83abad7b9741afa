package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var fixedNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "atelier.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })

	store := New(db)
	store.now = func() time.Time { return fixedNow }
	if err := store.AutoMigrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func newTestLedger(test *testing.T, store *Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, func() time.Time { return fixedNow })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustKey(test *testing.T, raw string) ledger.IdempotencyKey {
	test.Helper()
	key, err := ledger.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func bonus(accountID ledger.AccountID, amount ledger.Credits) ledger.MutationRequest {
	return ledger.MutationRequest{AccountID: accountID, Amount: amount, Metadata: ledger.BonusMetadata{Reason: "welcome"}}
}

func generationDebit(accountID ledger.AccountID, amount ledger.Credits) ledger.MutationRequest {
	return ledger.MutationRequest{AccountID: accountID, Amount: amount, Metadata: ledger.GenerationMetadata{ToolID: "poster"}}
}

func TestLedgerRoundTripOnSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-1")

	if _, err := service.Credit(ctx, bonus(accountID, 10)); err != nil {
		test.Fatalf("credit: %v", err)
	}
	debit, err := service.Debit(ctx, generationDebit(accountID, 4))
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if debit.Balance != 6 {
		test.Fatalf("expected balance 6, got %d", debit.Balance)
	}

	first, err := service.Refund(ctx, accountID, debit.TransactionID, "provider failed")
	if err != nil || first.AlreadyRefunded || first.Balance != 10 {
		test.Fatalf("first refund: %+v %v", first, err)
	}
	second, err := service.Refund(ctx, accountID, debit.TransactionID, "provider failed")
	if err != nil || !second.AlreadyRefunded || second.TransactionID != first.TransactionID || second.Balance != 10 {
		test.Fatalf("second refund: %+v %v", second, err)
	}

	transactions, err := service.ListTransactions(ctx, accountID, ledger.ListQuery{Ascending: true})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 3 {
		test.Fatalf("expected 3 transactions, got %d", len(transactions))
	}
	refund := transactions[2]
	if refund.Type != ledger.TransactionRefund || refund.Amount != 4 || refund.RefundOf == nil || *refund.RefundOf != debit.TransactionID {
		test.Fatalf("unexpected refund row %+v", refund)
	}
	metadata, ok := refund.Metadata.(ledger.RefundMetadata)
	if !ok || metadata.OriginalType != ledger.TransactionGeneration {
		test.Fatalf("unexpected refund metadata %#v", refund.Metadata)
	}
	if transactions[0].Sequence >= transactions[1].Sequence {
		test.Fatalf("sequence must increase: %d then %d", transactions[0].Sequence, transactions[1].Sequence)
	}
	if err := service.VerifyIntegrity(ctx, accountID); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestDebitBelowBalanceWritesNothing(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-poor")

	if _, err := service.Credit(ctx, bonus(accountID, 1)); err != nil {
		test.Fatalf("credit: %v", err)
	}
	_, err := service.Debit(ctx, generationDebit(accountID, 2))
	var insufficient ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Required != 2 || insufficient.Available != 1 {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	transactions, err := service.ListTransactions(ctx, accountID, ledger.ListQuery{})
	if err != nil || len(transactions) != 1 {
		test.Fatalf("expected only the credit row, got %d (%v)", len(transactions), err)
	}
}

func TestDuplicateIdempotencyKeyRollsBack(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-dup")

	request := bonus(accountID, 5)
	request.IdempotencyKey = mustKey(test, "webhook:evt_1")
	if _, err := service.Credit(ctx, request); err != nil {
		test.Fatalf("first credit: %v", err)
	}
	if _, err := service.Credit(ctx, request); !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	balance, err := service.Balance(ctx, accountID)
	if err != nil || balance != 5 {
		test.Fatalf("duplicate must not change the balance: %d %v", balance, err)
	}
	if err := service.VerifyIntegrity(ctx, accountID); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestSetAbsoluteRecordsDelta(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-sub")

	if _, err := service.Credit(ctx, bonus(accountID, 7)); err != nil {
		test.Fatalf("credit: %v", err)
	}
	receipt, err := service.SetAbsolute(ctx, ledger.MutationRequest{
		AccountID: accountID,
		Amount:    50,
		Metadata:  ledger.SubscriptionRechargeMetadata{PlanSlug: "pro", ExternalSubscriptionID: "sub_1"},
	})
	if err != nil || receipt.Balance != 50 {
		test.Fatalf("set absolute: %+v %v", receipt, err)
	}
	latest, err := service.ListTransactions(ctx, accountID, ledger.ListQuery{Limit: 1})
	if err != nil || len(latest) != 1 || latest[0].Amount != 43 || latest[0].BalanceAfter != 50 {
		test.Fatalf("unexpected recharge row %+v %v", latest, err)
	}
	if err := service.VerifyIntegrity(ctx, accountID); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-race")

	if _, err := service.Credit(ctx, bonus(accountID, 10)); err != nil {
		test.Fatalf("credit: %v", err)
	}
	const attempts = 15
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Debit(ctx, generationDebit(accountID, 1)); err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	if succeeded != 10 {
		test.Fatalf("expected 10 successful debits, got %d", succeeded)
	}
	balance, err := service.Balance(ctx, accountID)
	if err != nil || balance != 0 {
		test.Fatalf("expected zero balance, got %d (%v)", balance, err)
	}
	if err := service.VerifyIntegrity(ctx, accountID); err != nil {
		test.Fatalf("integrity: %v", err)
	}
}

func TestGetTransactionUnknown(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	service := newTestLedger(test, store)
	accountID := mustAccountID(test, "acct-1")
	missing, err := ledger.NewTransactionID("missing")
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	if _, err := service.Refund(context.Background(), accountID, missing, "nope"); !errors.Is(err, ledger.ErrUnknownTransaction) {
		test.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}
