package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_test_secret"

type stubStore struct {
	mu              sync.Mutex
	events          map[string]EventRecord
	plans           []Plan
	subscriptions   []Subscription
	accounts        map[string]BillingAccount
	applyError      error
	applyCalls      int
	reads           int
	nextSubscriptID int
}

func newStubStore(plans ...Plan) *stubStore {
	return &stubStore{
		events:   map[string]EventRecord{},
		plans:    plans,
		accounts: map[string]BillingAccount{},
	}
}

func (store *stubStore) RecordEvent(_ context.Context, record EventRecord) (EventRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.reads++
	if existing, ok := store.events[record.ID]; ok {
		return existing, nil
	}
	store.events[record.ID] = record
	return record, nil
}

func (store *stubStore) MarkEventProcessed(_ context.Context, eventID string, processedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record := store.events[eventID]
	record.ProcessedAt = &processedAt
	record.ProcessingError = ""
	store.events[eventID] = record
	return nil
}

func (store *stubStore) MarkEventFailed(_ context.Context, eventID string, message string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.events[eventID]
	if !ok {
		return fmt.Errorf("event %s not recorded", eventID)
	}
	record.ProcessingError = message
	record.Attempts++
	store.events[eventID] = record
	return nil
}

func (store *stubStore) ListPendingEvents(_ context.Context, limit int) ([]EventRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	pending := make([]EventRecord, 0)
	for _, record := range store.events {
		if record.ProcessedAt == nil {
			pending = append(pending, record)
		}
	}
	sort.Slice(pending, func(left, right int) bool { return pending[left].ID < pending[right].ID })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *stubStore) AccountByCustomerID(_ context.Context, customerID string) (ledger.AccountID, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.reads++
	for _, account := range store.accounts {
		if account.ExternalCustomerID == customerID {
			return account.AccountID, true, nil
		}
	}
	return ledger.AccountID{}, false, nil
}

func (store *stubStore) GetBillingAccount(_ context.Context, accountID ledger.AccountID) (*BillingAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.reads++
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (store *stubStore) LatestSubscription(_ context.Context, externalSubscriptionID string) (*Subscription, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.reads++
	for index := len(store.subscriptions) - 1; index >= 0; index-- {
		if store.subscriptions[index].ExternalSubscriptionID == externalSubscriptionID {
			subscription := store.subscriptions[index]
			return &subscription, nil
		}
	}
	return nil, nil
}

func (store *stubStore) PlanByPriceID(_ context.Context, priceID string) (*Plan, error) {
	return store.findPlan(func(plan Plan) bool { return plan.ExternalPriceID == priceID }), nil
}

func (store *stubStore) PlanByID(_ context.Context, planID string) (*Plan, error) {
	return store.findPlan(func(plan Plan) bool { return plan.ID == planID }), nil
}

func (store *stubStore) FreePlan(_ context.Context) (*Plan, error) {
	return store.findPlan(func(plan Plan) bool { return plan.IsFree }), nil
}

func (store *stubStore) findPlan(match func(Plan) bool) *Plan {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.reads++
	for _, plan := range store.plans {
		if match(plan) {
			found := plan
			return &found
		}
	}
	return nil
}

func (store *stubStore) ApplyReduction(_ context.Context, reduction Reduction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.applyCalls++
	if store.applyError != nil {
		return store.applyError
	}
	if reduction.Subscription != nil {
		subscription := *reduction.Subscription
		replaced := false
		if subscription.ID != "" {
			for index := range store.subscriptions {
				if store.subscriptions[index].ID == subscription.ID {
					store.subscriptions[index] = subscription
					replaced = true
				}
			}
		}
		if !replaced {
			store.nextSubscriptID++
			subscription.ID = fmt.Sprintf("sub-row-%d", store.nextSubscriptID)
			store.subscriptions = append(store.subscriptions, subscription)
		}
	}
	if reduction.BillingAccount != nil {
		store.accounts[reduction.BillingAccount.AccountID.String()] = *reduction.BillingAccount
	}
	return nil
}

func (store *stubStore) event(eventID string) EventRecord {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.events[eventID]
}

func (store *stubStore) subscription(externalID string) Subscription {
	subscription, _ := store.LatestSubscription(context.Background(), externalID)
	if subscription == nil {
		return Subscription{}
	}
	return *subscription
}

type ledgerCall struct {
	kind    CommandKind
	account string
	amount  ledger.Credits
	key     string
}

type stubLedger struct {
	mu       sync.Mutex
	balances map[string]ledger.Credits
	keys     map[string]bool
	calls    []ledgerCall
	err      error
}

func newStubLedger() *stubLedger {
	return &stubLedger{balances: map[string]ledger.Credits{}, keys: map[string]bool{}}
}

func (stub *stubLedger) Credit(_ context.Context, request ledger.MutationRequest) (ledger.Receipt, error) {
	return stub.apply(CommandCredit, request)
}

func (stub *stubLedger) SetAbsolute(_ context.Context, request ledger.MutationRequest) (ledger.Receipt, error) {
	return stub.apply(CommandSetAbsolute, request)
}

func (stub *stubLedger) apply(kind CommandKind, request ledger.MutationRequest) (ledger.Receipt, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.err != nil {
		return ledger.Receipt{}, stub.err
	}
	account := request.AccountID.String()
	scoped := account + "/" + request.IdempotencyKey.String()
	if stub.keys[scoped] {
		return ledger.Receipt{}, ledger.ErrDuplicateIdempotencyKey
	}
	stub.keys[scoped] = true
	stub.calls = append(stub.calls, ledgerCall{kind: kind, account: account, amount: request.Amount, key: request.IdempotencyKey.String()})
	if kind == CommandSetAbsolute {
		stub.balances[account] = request.Amount
	} else {
		stub.balances[account] += request.Amount
	}
	return ledger.Receipt{Balance: stub.balances[account]}, nil
}

func (stub *stubLedger) balance(account string) ledger.Credits {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.balances[account]
}

func (stub *stubLedger) callCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return len(stub.calls)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (publisher *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.subjects = append(publisher.subjects, subject)
	return nil
}

var errStoreDown = errors.New("store down")

func testPlans() []Plan {
	return []Plan{
		{ID: "plan-free", Slug: "starter", IsFree: true},
		{ID: "plan-pro", Slug: "pro", MonthlyCredits: 50, ExternalPriceID: "price_pro"},
	}
}

func mustProcessor(test *testing.T, store Store, ledgerService Ledger, options ...ProcessorOption) *Processor {
	test.Helper()
	verifier, err := NewStripeVerifier(testWebhookSecret, 0)
	if err != nil {
		test.Fatalf("verifier: %v", err)
	}
	processor, err := NewProcessor(verifier, store, ledgerService, options...)
	if err != nil {
		test.Fatalf("processor: %v", err)
	}
	return processor
}

func eventBody(test *testing.T, eventID string, eventType EventType, object map[string]any) []byte {
	test.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        string(eventType),
		"created":     eventTime.Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		test.Fatalf("marshal event: %v", err)
	}
	return body
}

func sign(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func subscriptionObject(subscriptionID string, accountID string, status string) map[string]any {
	return map[string]any{
		"id":       subscriptionID,
		"object":   "subscription",
		"customer": "cus_1",
		"status":   status,
		"metadata": map[string]string{"account_id": accountID},
		"items": map[string]any{
			"data": []map[string]any{{
				"price":                map[string]any{"id": "price_pro"},
				"current_period_start": eventTime.Unix(),
				"current_period_end":   eventTime.AddDate(0, 1, 0).Unix(),
			}},
		},
	}
}

func cycleInvoiceObject(invoiceID string, subscriptionID string) map[string]any {
	return map[string]any{
		"id":             invoiceID,
		"object":         "invoice",
		"customer":       "cus_1",
		"billing_reason": BillingReasonSubscriptionCycle,
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": subscriptionID},
		},
	}
}
