package ledger

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx serializes callers and rolls back
// on error so it behaves like a single-writer database.
type stubStore struct {
	mu           sync.Mutex
	balances     map[string]Credits
	transactions []Transaction
	nextID       int

	decrementError error
	insertError    error
	balanceError   error
	listError      error
}

type stubTx struct {
	store *stubStore
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{balances: make(map[string]Credits)}
}

func (store *stubStore) seed(accountID AccountID, balance Credits) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[accountID.String()] = balance
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	balances := make(map[string]Credits, len(store.balances))
	for key, value := range store.balances {
		balances[key] = value
	}
	transactionCount := len(store.transactions)
	if err := fn(ctx, stubTx{store: store}); err != nil {
		store.balances = balances
		store.transactions = store.transactions[:transactionCount]
		return err
	}
	return nil
}

func (store *stubStore) EnsureAccount(ctx context.Context, accountID AccountID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.EnsureAccount(ctx, accountID)
}

func (store *stubStore) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.Balance(ctx, accountID)
}

func (store *stubStore) DecrementIfSufficient(ctx context.Context, accountID AccountID, amount Credits) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.DecrementIfSufficient(ctx, accountID, amount)
}

func (store *stubStore) Increment(ctx context.Context, accountID AccountID, amount Credits) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.Increment(ctx, accountID, amount)
}

func (store *stubStore) Assign(ctx context.Context, accountID AccountID, amount Credits) (Credits, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.Assign(ctx, accountID, amount)
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.InsertTransaction(ctx, input)
}

func (store *stubStore) GetTransaction(ctx context.Context, accountID AccountID, transactionID TransactionID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.GetTransaction(ctx, accountID, transactionID)
}

func (store *stubStore) FindRefund(ctx context.Context, accountID AccountID, originalID TransactionID) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.FindRefund(ctx, accountID, originalID)
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, query ListQuery) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return stubTx{store: store}.ListTransactions(ctx, accountID, query)
}

func (tx stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx stubTx) EnsureAccount(_ context.Context, accountID AccountID) error {
	if _, ok := tx.store.balances[accountID.String()]; !ok {
		tx.store.balances[accountID.String()] = 0
	}
	return nil
}

func (tx stubTx) Balance(_ context.Context, accountID AccountID) (Credits, error) {
	if tx.store.balanceError != nil {
		return 0, tx.store.balanceError
	}
	balance, ok := tx.store.balances[accountID.String()]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return balance, nil
}

func (tx stubTx) DecrementIfSufficient(_ context.Context, accountID AccountID, amount Credits) (bool, error) {
	if tx.store.decrementError != nil {
		return false, tx.store.decrementError
	}
	balance := tx.store.balances[accountID.String()]
	if balance < amount {
		return false, nil
	}
	tx.store.balances[accountID.String()] = balance - amount
	return true, nil
}

func (tx stubTx) Increment(_ context.Context, accountID AccountID, amount Credits) error {
	tx.store.balances[accountID.String()] += amount
	return nil
}

func (tx stubTx) Assign(_ context.Context, accountID AccountID, amount Credits) (Credits, error) {
	previous := tx.store.balances[accountID.String()]
	tx.store.balances[accountID.String()] = amount
	return previous, nil
}

func (tx stubTx) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	if tx.store.insertError != nil {
		return Transaction{}, tx.store.insertError
	}
	for _, existing := range tx.store.transactions {
		if existing.AccountID != input.AccountID {
			continue
		}
		if !input.IdempotencyKey.IsZero() && existing.IdempotencyKey == input.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
		if input.RefundOf != nil && existing.RefundOf != nil && *existing.RefundOf == *input.RefundOf {
			return Transaction{}, ErrDuplicateRefund
		}
	}
	tx.store.nextID++
	transaction := Transaction{
		ID:             TransactionID{value: "txn-" + strconv.Itoa(tx.store.nextID)},
		AccountID:      input.AccountID,
		Type:           input.Type,
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter,
		Description:    input.Description,
		Metadata:       input.Metadata,
		IdempotencyKey: input.IdempotencyKey,
		RefundOf:       input.RefundOf,
		Sequence:       int64(tx.store.nextID),
		CreatedAt:      input.CreatedAt,
	}
	tx.store.transactions = append(tx.store.transactions, transaction)
	return transaction, nil
}

func (tx stubTx) GetTransaction(_ context.Context, accountID AccountID, transactionID TransactionID) (Transaction, error) {
	for _, transaction := range tx.store.transactions {
		if transaction.AccountID == accountID && transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (tx stubTx) FindRefund(_ context.Context, accountID AccountID, originalID TransactionID) (Transaction, bool, error) {
	for _, transaction := range tx.store.transactions {
		if transaction.AccountID == accountID && transaction.RefundOf != nil && *transaction.RefundOf == originalID {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (tx stubTx) ListTransactions(_ context.Context, accountID AccountID, query ListQuery) ([]Transaction, error) {
	if tx.store.listError != nil {
		return nil, tx.store.listError
	}
	var result []Transaction
	for _, transaction := range tx.store.transactions {
		if transaction.AccountID == accountID {
			result = append(result, transaction)
		}
	}
	if !query.Ascending {
		for left, right := 0, len(result)-1; left < right; left, right = left+1, right-1 {
			result[left], result[right] = result[right], result[left]
		}
	}
	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}
	return result, nil
}

func fixedClock() time.Time {
	return time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}
