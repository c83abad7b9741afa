package generation

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/retry"
)

type stubStore struct {
	mu          sync.Mutex
	generations map[string]Generation
	results     map[string]Result
	payloads    map[string][]byte
	createErr   error
	resultErr   error
	// refundsAtFailure records the ledger refund count seen when a row turned failed.
	refundsAtFailure map[string]int
	ledger           *stubLedger
}

func newStubStore(ledgerStub *stubLedger) *stubStore {
	return &stubStore{
		generations:      make(map[string]Generation),
		results:          make(map[string]Result),
		payloads:         make(map[string][]byte),
		refundsAtFailure: make(map[string]int),
		ledger:           ledgerStub,
	}
}

func (store *stubStore) CreateGeneration(_ context.Context, generation Generation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createErr != nil {
		return store.createErr
	}
	store.generations[generation.ID] = generation
	return nil
}

func (store *stubStore) GetGeneration(_ context.Context, generationID string) (Generation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	generation, ok := store.generations[generationID]
	if !ok {
		return Generation{}, ErrNotFound
	}
	return generation, nil
}

func (store *stubStore) TransitionStatus(_ context.Context, generationID string, from Status, to Status, transition Transition) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	generation, ok := store.generations[generationID]
	if !ok {
		return false, ErrNotFound
	}
	if generation.Status != from {
		return false, nil
	}
	generation.Status = to
	generation.UpdatedAt = transition.At
	if transition.Output != nil {
		generation.Output = transition.Output
	}
	if transition.FailureReason != "" {
		generation.FailureReason = transition.FailureReason
	}
	if to.IsTerminal() {
		completedAt := transition.At
		generation.CompletedAt = &completedAt
	}
	if to == StatusFailed && store.ledger != nil {
		store.refundsAtFailure[generationID] = store.ledger.refundCount(generation.DebitTransactionID)
	}
	store.generations[generationID] = generation
	return true, nil
}

func (store *stubStore) CreateResult(_ context.Context, result Result, cleanPayload []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.resultErr != nil {
		return store.resultErr
	}
	store.results[result.ID] = result
	store.payloads[result.ID] = cleanPayload
	return nil
}

func (store *stubStore) GetResult(_ context.Context, resultID string) (Result, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	result, ok := store.results[resultID]
	if !ok {
		return Result{}, ErrResultNotFound
	}
	return result, nil
}

func (store *stubStore) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]Generation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var stale []Generation
	for _, generation := range store.generations {
		if generation.Status.IsTerminal() || !generation.UpdatedAt.Before(updatedBefore) {
			continue
		}
		stale = append(stale, generation)
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (store *stubStore) generation(test *testing.T, generationID string) Generation {
	test.Helper()
	generation, err := store.GetGeneration(context.Background(), generationID)
	if err != nil {
		test.Fatalf("generation %s: %v", generationID, err)
	}
	return generation
}

type stubLedger struct {
	mu       sync.Mutex
	balances map[string]ledger.Credits
	debits   map[string]ledger.MutationRequest
	refunds  map[string]int
	nextID   int
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		balances: make(map[string]ledger.Credits),
		debits:   make(map[string]ledger.MutationRequest),
		refunds:  make(map[string]int),
	}
}

func (stub *stubLedger) Debit(_ context.Context, request ledger.MutationRequest) (ledger.Receipt, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	balance := stub.balances[request.AccountID.String()]
	if balance < request.Amount {
		return ledger.Receipt{}, ledger.InsufficientCreditsError{Required: request.Amount, Available: balance}
	}
	stub.nextID++
	transactionID, _ := ledger.NewTransactionID("debit-" + strconv.Itoa(stub.nextID))
	stub.balances[request.AccountID.String()] = balance - request.Amount
	stub.debits[transactionID.String()] = request
	return ledger.Receipt{TransactionID: transactionID, Balance: balance - request.Amount}, nil
}

func (stub *stubLedger) Refund(_ context.Context, accountID ledger.AccountID, originalID ledger.TransactionID, _ string) (ledger.RefundReceipt, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	debit, ok := stub.debits[originalID.String()]
	if !ok {
		return ledger.RefundReceipt{}, ledger.ErrUnknownTransaction
	}
	refundID, _ := ledger.NewTransactionID("refund-" + originalID.String())
	if stub.refunds[originalID.String()] > 0 {
		return ledger.RefundReceipt{Receipt: ledger.Receipt{TransactionID: refundID, Balance: stub.balances[accountID.String()]}, AlreadyRefunded: true}, nil
	}
	stub.refunds[originalID.String()]++
	stub.balances[accountID.String()] += debit.Amount
	return ledger.RefundReceipt{Receipt: ledger.Receipt{TransactionID: refundID, Balance: stub.balances[accountID.String()]}}, nil
}

func (stub *stubLedger) refundCount(originalID ledger.TransactionID) int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.refunds[originalID.String()]
}

func (stub *stubLedger) balance(accountID ledger.AccountID) ledger.Credits {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.balances[accountID.String()]
}

type providerError struct {
	retryable bool
}

func (err providerError) Error() string   { return "provider error" }
func (err providerError) Retryable() bool { return err.retryable }

type stubProvider struct {
	mu       sync.Mutex
	failures []error
	calls    int
	// onGenerate runs before every call.
	onGenerate func()
}

func (provider *stubProvider) Generate(context.Context, ProviderRequest) (Image, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.calls++
	if provider.onGenerate != nil {
		provider.onGenerate()
	}
	if len(provider.failures) > 0 {
		err := provider.failures[0]
		provider.failures = provider.failures[1:]
		return Image{}, err
	}
	return Image{Data: []byte("clean-image"), ContentType: "image/png"}, nil
}

type stubWatermarker struct{}

func (stubWatermarker) Watermark(_ context.Context, image Image) (Image, error) {
	return Image{Data: append([]byte("wm:"), image.Data...), ContentType: image.ContentType}, nil
}

type stubAssets struct {
	mu     sync.Mutex
	writes map[string][]byte
	err    error
}

func (assets *stubAssets) Put(_ context.Context, path string, data []byte, _ string) (string, error) {
	assets.mu.Lock()
	defer assets.mu.Unlock()
	if assets.err != nil {
		return "", assets.err
	}
	if assets.writes == nil {
		assets.writes = make(map[string][]byte)
	}
	assets.writes[path] = data
	return "https://cdn.example.test/" + path, nil
}

type stubCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (counter *stubCounter) Increment(_ context.Context, accountID ledger.AccountID, day string, limit int) (bool, error) {
	counter.mu.Lock()
	defer counter.mu.Unlock()
	if counter.counts == nil {
		counter.counts = make(map[string]int)
	}
	key := accountID.String() + "|" + day
	if counter.counts[key] >= limit {
		return false, nil
	}
	counter.counts[key]++
	return true, nil
}

type fixture struct {
	manager  *Manager
	store    *stubStore
	ledger   *stubLedger
	provider *stubProvider
	assets   *stubAssets
	counter  *stubCounter
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

func fastRetry(classifier retry.Classifier) retry.Policy {
	return retry.Policy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Retryable: classifier}
}

func newFixture(test *testing.T, dispatcher Dispatcher) *fixture {
	test.Helper()
	ledgerStub := newStubLedger()
	clock := &testClock{now: time.Date(2024, time.May, 10, 9, 0, 0, 0, time.UTC)}
	var (
		idMutex sync.Mutex
		nextID  int
	)
	fixture := &fixture{
		store:    newStubStore(ledgerStub),
		ledger:   ledgerStub,
		provider: &stubProvider{},
		assets:   &stubAssets{},
		counter:  &stubCounter{},
		clock:    clock,
	}
	manager, err := NewManager(Dependencies{
		Store:       fixture.store,
		Ledger:      ledgerStub,
		Pricer:      pricing.NewResolver(nil, nil),
		Provider:    fixture.provider,
		Watermarker: stubWatermarker{},
		Assets:      fixture.assets,
		Counter:     fixture.counter,
		Dispatcher:  dispatcher,
		Clock:       clock.Now,
		NewID: func() string {
			idMutex.Lock()
			defer idMutex.Unlock()
			nextID++
			return "id-" + strconv.Itoa(nextID)
		},
	}, Config{
		FeedbackDailyLimit: 3,
		ProviderRetry:      fastRetry(IsRetryable),
		StorageRetry:       fastRetry(retry.NotCanceled),
		CompensationRetry:  fastRetry(retry.NotCanceled),
	})
	if err != nil {
		test.Fatalf("manager init failed: %v", err)
	}
	fixture.manager = manager
	return fixture
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

var errStoreDown = errors.New("store unavailable")
