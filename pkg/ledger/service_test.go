package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const (
	accountValue         = "acct-1"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

func generationDebit(accountID AccountID, amount Credits) MutationRequest {
	return MutationRequest{
		AccountID: accountID,
		Amount:    amount,
		Metadata:  GenerationMetadata{ToolID: "tool-1"},
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, fixedClock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ErrInvalidServiceConfig, err)
	}
}

func TestDebitRecordsNegativeAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	store.seed(accountID, 10)
	service := mustNewService(test, store)

	receipt, err := service.Debit(context.Background(), generationDebit(accountID, 4))
	if err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	if receipt.Balance != 6 {
		test.Fatalf("expected balance 6, got %d", receipt.Balance)
	}
	transactions, err := service.ListTransactions(context.Background(), accountID, ListQuery{})
	if err != nil {
		test.Fatalf("list failed: %v", err)
	}
	if len(transactions) != 1 {
		test.Fatalf("expected one transaction, got %d", len(transactions))
	}
	if transactions[0].Amount != -4 || transactions[0].BalanceAfter != 6 || transactions[0].Type != TransactionGeneration {
		test.Fatalf("unexpected transaction %+v", transactions[0])
	}
	if transactions[0].ID != receipt.TransactionID {
		test.Fatalf("receipt id %s does not match %s", receipt.TransactionID.String(), transactions[0].ID.String())
	}
}

func TestDebitInsufficientCreditsWritesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	store.seed(accountID, 1)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), generationDebit(accountID, 2))
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Required != 2 || insufficient.Available != 1 {
		test.Fatalf("unexpected amounts %+v", insufficient)
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits in chain")
	}
	balance, _ := service.Balance(context.Background(), accountID)
	if balance != 1 {
		test.Fatalf("expected balance 1, got %d", balance)
	}
	transactions, _ := service.ListTransactions(context.Background(), accountID, ListQuery{})
	if len(transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(transactions))
	}
}

func TestDebitOnUnknownAccountCreatesZeroBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "fresh")

	_, err := service.Debit(context.Background(), generationDebit(accountID, 1))
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf(errorMismatchMessage, ErrInsufficientCredits, err)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil || balance != 0 {
		test.Fatalf("expected zero balance, got %d (%v)", balance, err)
	}
}

func TestMutationValidation(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, accountValue)
	testCases := []struct {
		name    string
		request MutationRequest
		call    func(*Service, MutationRequest) error
		wantErr error
	}{
		{
			name:    "debit empty account",
			request: MutationRequest{Amount: 1, Metadata: GenerationMetadata{}},
			call:    debitCall,
			wantErr: ErrInvalidAccountID,
		},
		{
			name:    "debit nil metadata",
			request: MutationRequest{AccountID: accountID, Amount: 1},
			call:    debitCall,
			wantErr: ErrInvalidMetadata,
		},
		{
			name:    "debit with bonus type",
			request: MutationRequest{AccountID: accountID, Amount: 1, Metadata: BonusMetadata{Reason: "promo"}},
			call:    debitCall,
			wantErr: ErrInvalidTransactionType,
		},
		{
			name:    "debit zero",
			request: generationDebit(accountID, 0),
			call:    debitCall,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "credit with generation type",
			request: generationDebit(accountID, 5),
			call:    creditCall,
			wantErr: ErrInvalidTransactionType,
		},
		{
			name:    "credit negative",
			request: MutationRequest{AccountID: accountID, Amount: -3, Metadata: BonusMetadata{}},
			call:    creditCall,
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "set absolute with bonus type",
			request: MutationRequest{AccountID: accountID, Amount: 3, Metadata: BonusMetadata{}},
			call:    setAbsoluteCall,
			wantErr: ErrInvalidTransactionType,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service := mustNewService(test, newStubStore(test))
			err := testCase.call(service, testCase.request)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
		})
	}
}

func debitCall(service *Service, request MutationRequest) error {
	_, err := service.Debit(context.Background(), request)
	return err
}

func creditCall(service *Service, request MutationRequest) error {
	_, err := service.Credit(context.Background(), request)
	return err
}

func setAbsoluteCall(service *Service, request MutationRequest) error {
	_, err := service.SetAbsolute(context.Background(), request)
	return err
}

func TestSetAbsoluteRecordsSignedDelta(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	store.seed(accountID, 7)
	service := mustNewService(test, store)
	metadata := SubscriptionRechargeMetadata{PlanSlug: "pro", ExternalSubscriptionID: "sub_1"}

	if _, err := service.SetAbsolute(context.Background(), MutationRequest{AccountID: accountID, Amount: 30, Metadata: metadata}); err != nil {
		test.Fatalf("set absolute failed: %v", err)
	}
	receipt, err := service.SetAbsolute(context.Background(), MutationRequest{AccountID: accountID, Amount: 5, Metadata: metadata})
	if err != nil {
		test.Fatalf("set absolute failed: %v", err)
	}
	if receipt.Balance != 5 {
		test.Fatalf("expected balance 5, got %d", receipt.Balance)
	}
	transactions, _ := service.ListTransactions(context.Background(), accountID, ListQuery{Ascending: true})
	if len(transactions) != 2 {
		test.Fatalf("expected two transactions, got %d", len(transactions))
	}
	if transactions[0].Amount != 23 || transactions[1].Amount != -25 {
		test.Fatalf("unexpected deltas %d and %d", transactions[0].Amount, transactions[1].Amount)
	}
}

func TestRefundIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	store.seed(accountID, 5)
	service := mustNewService(test, store)

	debit, err := service.Debit(context.Background(), generationDebit(accountID, 2))
	if err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	first, err := service.Refund(context.Background(), accountID, debit.TransactionID, "provider failed")
	if err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if first.AlreadyRefunded || first.Balance != 5 {
		test.Fatalf("unexpected first refund %+v", first)
	}
	second, err := service.Refund(context.Background(), accountID, debit.TransactionID, "provider failed")
	if err != nil {
		test.Fatalf("second refund failed: %v", err)
	}
	if !second.AlreadyRefunded || second.TransactionID != first.TransactionID || second.Balance != 5 {
		test.Fatalf("unexpected second refund %+v", second)
	}
	transactions, _ := service.ListTransactions(context.Background(), accountID, ListQuery{Ascending: true})
	if len(transactions) != 2 {
		test.Fatalf("expected debit and one refund, got %d", len(transactions))
	}
	refund := transactions[1]
	if refund.Type != TransactionRefund || refund.Amount != 2 || refund.RefundOf == nil || *refund.RefundOf != debit.TransactionID {
		test.Fatalf("unexpected refund transaction %+v", refund)
	}
	metadata, ok := refund.Metadata.(RefundMetadata)
	if !ok || metadata.OriginalType != TransactionGeneration {
		test.Fatalf("unexpected refund metadata %+v", refund.Metadata)
	}
}

func TestRefundRejectsNonDebits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	service := mustNewService(test, store)

	credit, err := service.Credit(context.Background(), MutationRequest{AccountID: accountID, Amount: 3, Metadata: BonusMetadata{Reason: "welcome"}})
	if err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	if _, err := service.Refund(context.Background(), accountID, credit.TransactionID, ""); !errors.Is(err, ErrNotRefundable) {
		test.Fatalf(errorMismatchMessage, ErrNotRefundable, err)
	}
	unknown, _ := NewTransactionID("missing")
	if _, err := service.Refund(context.Background(), accountID, unknown, ""); !errors.Is(err, ErrUnknownTransaction) {
		test.Fatalf(errorMismatchMessage, ErrUnknownTransaction, err)
	}
}

func TestDuplicateIdempotencyKeyIsRejected(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	service := mustNewService(test, store)
	request := MutationRequest{
		AccountID:      accountID,
		Amount:         10,
		Metadata:       SubscriptionGrantMetadata{PlanSlug: "pro"},
		IdempotencyKey: mustIdempotencyKey(test, "webhook:evt_1"),
	}
	if _, err := service.Credit(context.Background(), request); err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	if _, err := service.Credit(context.Background(), request); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf(errorMismatchMessage, ErrDuplicateIdempotencyKey, err)
	}
	balance, _ := service.Balance(context.Background(), accountID)
	if balance != 10 {
		test.Fatalf("expected balance 10, got %d", balance)
	}
}

func TestStoreErrorsPropagate(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{name: "decrement", configure: func(store *stubStore) { store.decrementError = errStoreFailure }},
		{name: "insert", configure: func(store *stubStore) { store.insertError = errStoreFailure }},
		{name: "balance", configure: func(store *stubStore) { store.balanceError = errStoreFailure }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountValue)
			store.seed(accountID, 10)
			testCase.configure(store)
			service := mustNewService(test, store)
			_, err := service.Debit(context.Background(), generationDebit(accountID, 1))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
			store.mu.Lock()
			balance := store.balances[accountID.String()]
			store.mu.Unlock()
			if balance != 10 {
				test.Fatalf("expected rollback to 10, got %d", balance)
			}
		})
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	service := mustNewService(test, store)
	if _, err := service.Credit(context.Background(), MutationRequest{AccountID: accountID, Amount: 10, Metadata: BonusMetadata{Reason: "seed"}}); err != nil {
		test.Fatalf("seed credit: %v", err)
	}

	const attempts = 25
	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
		rejected  int
	)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Debit(context.Background(), generationDebit(accountID, 1))
			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientCredits):
				rejected++
			}
		}()
	}
	waitGroup.Wait()
	if succeeded != 10 || rejected != attempts-10 {
		test.Fatalf("expected 10 successes and %d rejections, got %d and %d", attempts-10, succeeded, rejected)
	}
	balance, _ := service.Balance(context.Background(), accountID)
	if balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
	if err := service.VerifyIntegrity(context.Background(), accountID); err != nil {
		test.Fatalf("integrity check failed: %v", err)
	}
}

func TestVerifyIntegrityDetectsDrift(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := mustAccountID(test, accountValue)
	service := mustNewService(test, store)

	if _, err := service.Credit(context.Background(), MutationRequest{AccountID: accountID, Amount: 8, Metadata: BonusMetadata{}}); err != nil {
		test.Fatalf("credit failed: %v", err)
	}
	debit, err := service.Debit(context.Background(), generationDebit(accountID, 3))
	if err != nil {
		test.Fatalf("debit failed: %v", err)
	}
	if _, err := service.Refund(context.Background(), accountID, debit.TransactionID, ""); err != nil {
		test.Fatalf("refund failed: %v", err)
	}
	if err := service.VerifyIntegrity(context.Background(), accountID); err != nil {
		test.Fatalf("integrity check failed: %v", err)
	}
	store.seed(accountID, 100)
	if err := service.VerifyIntegrity(context.Background(), accountID); !errors.Is(err, ErrLedgerMismatch) {
		test.Fatalf(errorMismatchMessage, ErrLedgerMismatch, err)
	}
}
