package billing

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
)

// Reducer maps persisted state plus one event to the changes it implies.
// Reducers do no I/O.
type Reducer func(snapshot Snapshot, event Event) (Reduction, error)

var reducers = map[EventType]Reducer{
	EventCheckoutCompleted:       reduceCheckoutCompleted,
	EventSubscriptionCreated:     reduceSubscriptionCreated,
	EventSubscriptionUpdated:     reduceSubscriptionUpdated,
	EventSubscriptionDeleted:     reduceSubscriptionDeleted,
	EventInvoicePaymentSucceeded: reduceInvoicePaymentSucceeded,
	EventInvoicePaymentFailed:    reduceInvoicePaymentFailed,
}

// ReducerFor returns the reducer of eventType.
func ReducerFor(eventType EventType) (Reducer, bool) {
	reducer, ok := reducers[eventType]
	return reducer, ok
}

func reduceCheckoutCompleted(snapshot Snapshot, event Event) (Reduction, error) {
	if event.Checkout == nil {
		return Reduction{}, fmt.Errorf("%w: checkout payload missing", ErrMalformedEvent)
	}
	if snapshot.AccountID.String() == "" {
		return Reduction{}, fmt.Errorf("%w: checkout %s", ErrUnresolvedAccount, event.Checkout.ID)
	}
	account := baseAccount(snapshot, event)
	if event.Checkout.CustomerID != "" {
		account.ExternalCustomerID = event.Checkout.CustomerID
	}
	if event.Checkout.SubscriptionID != "" {
		account.ExternalSubscriptionID = event.Checkout.SubscriptionID
	}
	return Reduction{BillingAccount: &account}, nil
}

func reduceSubscriptionCreated(snapshot Snapshot, event Event) (Reduction, error) {
	payload := event.Subscription
	if payload == nil {
		return Reduction{}, fmt.Errorf("%w: subscription payload missing", ErrMalformedEvent)
	}
	if snapshot.AccountID.String() == "" {
		return Reduction{}, fmt.Errorf("%w: subscription %s", ErrUnresolvedAccount, payload.ID)
	}
	if snapshot.Plan == nil {
		return Reduction{}, fmt.Errorf("%w: price %q", ErrUnknownPlan, payload.PriceID)
	}
	if snapshot.Subscription != nil {
		// A row already exists for this external id: refresh it, never top up twice.
		reduction, err := reduceSubscriptionUpdated(snapshot, event)
		reduction.Note = "subscription already recorded, top-up skipped"
		return reduction, err
	}

	plan := snapshot.Plan
	subscription := Subscription{
		AccountID:                  snapshot.AccountID,
		PlanID:                     plan.ID,
		ExternalSubscriptionID:     payload.ID,
		ExternalCustomerID:         payload.CustomerID,
		Status:                     statusOrDefault(payload.Status, StatusActive),
		CurrentPeriodStart:         payload.CurrentPeriodStart,
		CurrentPeriodEnd:           payload.CurrentPeriodEnd,
		CreditsRechargedThisPeriod: plan.MonthlyCredits,
		CreatedAt:                  event.Created,
		UpdatedAt:                  event.Created,
	}
	account := baseAccount(snapshot, event)
	account.ExternalCustomerID = firstNonEmpty(payload.CustomerID, account.ExternalCustomerID)
	account.ExternalSubscriptionID = payload.ID
	account.PlanSlug = plan.Slug
	account.Status = subscription.Status

	reduction := Reduction{Subscription: &subscription, BillingAccount: &account}
	if plan.MonthlyCredits > 0 {
		reduction.Command = &LedgerCommand{
			Kind:      CommandCredit,
			AccountID: snapshot.AccountID,
			Amount:    plan.MonthlyCredits,
			Metadata: ledger.SubscriptionGrantMetadata{
				PlanSlug:               plan.Slug,
				ExternalSubscriptionID: payload.ID,
				EventID:                event.ID,
			},
			Description: "subscription started: " + plan.Slug,
		}
	}
	return reduction, nil
}

func reduceSubscriptionUpdated(snapshot Snapshot, event Event) (Reduction, error) {
	payload := event.Subscription
	if payload == nil {
		return Reduction{}, fmt.Errorf("%w: subscription payload missing", ErrMalformedEvent)
	}
	if snapshot.Subscription == nil {
		return Reduction{Note: "no subscription recorded for " + payload.ID}, nil
	}
	subscription := *snapshot.Subscription
	subscription.Status = statusOrDefault(payload.Status, subscription.Status)
	if payload.CurrentPeriodStart != nil {
		subscription.CurrentPeriodStart = payload.CurrentPeriodStart
	}
	if payload.CurrentPeriodEnd != nil {
		subscription.CurrentPeriodEnd = payload.CurrentPeriodEnd
	}
	if snapshot.Plan != nil {
		subscription.PlanID = snapshot.Plan.ID
	}
	subscription.UpdatedAt = event.Created

	reduction := Reduction{Subscription: &subscription}
	if snapshot.BillingAccount != nil && snapshot.BillingAccount.ExternalSubscriptionID == payload.ID {
		account := *snapshot.BillingAccount
		account.Status = subscription.Status
		if snapshot.Plan != nil {
			account.PlanSlug = snapshot.Plan.Slug
		}
		account.UpdatedAt = event.Created
		reduction.BillingAccount = &account
	}
	return reduction, nil
}

func reduceSubscriptionDeleted(snapshot Snapshot, event Event) (Reduction, error) {
	payload := event.Subscription
	if payload == nil {
		return Reduction{}, fmt.Errorf("%w: subscription payload missing", ErrMalformedEvent)
	}
	reduction := Reduction{}
	if snapshot.Subscription != nil {
		subscription := *snapshot.Subscription
		subscription.Status = StatusCanceled
		canceledAt := event.Created
		if payload.CanceledAt != nil {
			canceledAt = *payload.CanceledAt
		}
		subscription.CanceledAt = &canceledAt
		subscription.UpdatedAt = event.Created
		reduction.Subscription = &subscription
	}
	account := snapshot.BillingAccount
	if account != nil && (account.ExternalSubscriptionID == payload.ID || account.ExternalSubscriptionID == "") {
		demoted := *account
		demoted.ExternalSubscriptionID = ""
		demoted.PlanSlug = freePlanSlug
		if snapshot.FreePlan != nil {
			demoted.PlanSlug = snapshot.FreePlan.Slug
		}
		demoted.Status = StatusCanceled
		demoted.UpdatedAt = event.Created
		reduction.BillingAccount = &demoted
	}
	if reduction.Subscription == nil && reduction.BillingAccount == nil {
		reduction.Note = "nothing recorded for " + payload.ID
	}
	return reduction, nil
}

func reduceInvoicePaymentSucceeded(snapshot Snapshot, event Event) (Reduction, error) {
	payload := event.Invoice
	if payload == nil {
		return Reduction{}, fmt.Errorf("%w: invoice payload missing", ErrMalformedEvent)
	}
	if payload.BillingReason != BillingReasonSubscriptionCycle {
		return Reduction{Note: "billing reason " + payload.BillingReason + " does not recharge"}, nil
	}
	if snapshot.Subscription == nil {
		return Reduction{}, fmt.Errorf("%w: no subscription %s for invoice %s", ErrUnresolvedAccount, payload.SubscriptionID, payload.ID)
	}
	if snapshot.Plan == nil {
		return Reduction{}, fmt.Errorf("%w: subscription %s", ErrUnknownPlan, payload.SubscriptionID)
	}
	plan := snapshot.Plan
	subscription := *snapshot.Subscription
	subscription.Status = StatusActive
	subscription.CreditsRechargedThisPeriod = plan.MonthlyCredits
	subscription.ExtraCreditsUsedThisPeriod = 0
	subscription.UpdatedAt = event.Created

	reduction := Reduction{
		Subscription: &subscription,
		Command: &LedgerCommand{
			Kind:      CommandSetAbsolute,
			AccountID: subscription.AccountID,
			Amount:    plan.MonthlyCredits,
			Metadata: ledger.SubscriptionRechargeMetadata{
				PlanSlug:               plan.Slug,
				ExternalSubscriptionID: subscription.ExternalSubscriptionID,
				InvoiceID:              payload.ID,
				EventID:                event.ID,
			},
			Description: "monthly recharge: " + plan.Slug,
		},
	}
	if snapshot.BillingAccount != nil {
		account := *snapshot.BillingAccount
		account.Status = StatusActive
		account.UpdatedAt = event.Created
		reduction.BillingAccount = &account
	}
	return reduction, nil
}

func reduceInvoicePaymentFailed(snapshot Snapshot, event Event) (Reduction, error) {
	payload := event.Invoice
	if payload == nil {
		return Reduction{}, fmt.Errorf("%w: invoice payload missing", ErrMalformedEvent)
	}
	reduction := Reduction{}
	if snapshot.Subscription != nil {
		subscription := *snapshot.Subscription
		subscription.Status = StatusPastDue
		subscription.UpdatedAt = event.Created
		reduction.Subscription = &subscription
	}
	if snapshot.BillingAccount != nil {
		account := *snapshot.BillingAccount
		account.Status = StatusPastDue
		account.UpdatedAt = event.Created
		reduction.BillingAccount = &account
	}
	if reduction.Subscription == nil && reduction.BillingAccount == nil {
		reduction.Note = "nothing recorded for invoice " + payload.ID
	}
	return reduction, nil
}

func baseAccount(snapshot Snapshot, event Event) BillingAccount {
	if snapshot.BillingAccount != nil {
		account := *snapshot.BillingAccount
		account.UpdatedAt = event.Created
		return account
	}
	return BillingAccount{
		AccountID: snapshot.AccountID,
		PlanSlug:  freePlanSlug,
		Status:    StatusFree,
		UpdatedAt: event.Created,
	}
}

func statusOrDefault(status string, fallback string) string {
	if status == "" {
		return fallback
	}
	return status
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
