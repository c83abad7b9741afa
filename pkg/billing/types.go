// Package billing reconciles subscription state and credit recharges from
// signed, at-least-once billing provider webhooks.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedEvent    = errors.New("malformed webhook event")
	ErrUnresolvedAccount = errors.New("event does not resolve to an account")
	ErrUnknownPlan       = errors.New("event references an unknown plan")
	ErrInvalidConfig     = errors.New("invalid billing processor config")
)

// Subscription and account status values.
const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusFree     = "free"

	BillingReasonSubscriptionCycle = "subscription_cycle"

	ProviderStripe = "stripe"
	freePlanSlug   = "free"
)

// Plan is read-only reference data.
type Plan struct {
	ID                string
	Slug              string
	Name              string
	MonthlyCredits    ledger.Credits
	ExternalPriceID   string
	ExternalProductID string
	BillingInterval   string
	IsFree            bool
}

// Subscription is an account's subscription to a plan.
type Subscription struct {
	ID                         string
	AccountID                  ledger.AccountID
	PlanID                     string
	ExternalSubscriptionID     string
	ExternalCustomerID         string
	Status                     string
	CurrentPeriodStart         *time.Time
	CurrentPeriodEnd           *time.Time
	CreditsRechargedThisPeriod ledger.Credits
	ExtraCreditsUsedThisPeriod ledger.Credits
	CanceledAt                 *time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// BillingAccount is the account-level billing profile.
type BillingAccount struct {
	AccountID              ledger.AccountID
	ExternalCustomerID     string
	ExternalSubscriptionID string
	PlanSlug               string
	Status                 string
	UpdatedAt              time.Time
}

// EventRecord is a stored webhook event.
type EventRecord struct {
	ID              string
	Provider        string
	Type            string
	Payload         []byte
	ProcessedAt     *time.Time
	ProcessingError string
	Attempts        int
	CreatedAt       time.Time
}

// Snapshot is the persisted state a reducer sees.
type Snapshot struct {
	AccountID      ledger.AccountID
	BillingAccount *BillingAccount
	Subscription   *Subscription
	Plan           *Plan
	FreePlan       *Plan
}

// CommandKind selects the ledger primitive of a LedgerCommand.
type CommandKind string

const (
	CommandCredit      CommandKind = "credit"
	CommandSetAbsolute CommandKind = "set_absolute"
)

// LedgerCommand is a balance change requested by a reducer.
type LedgerCommand struct {
	Kind        CommandKind
	AccountID   ledger.AccountID
	Amount      ledger.Credits
	Metadata    ledger.Metadata
	Description string
}

// Reduction is the outcome of a reducer: state to persist and an optional
// ledger command. Nil fields mean "unchanged".
type Reduction struct {
	Subscription   *Subscription
	BillingAccount *BillingAccount
	Command        *LedgerCommand
	Note           string
}

// Store persists billing state and the processed-event ledger.
type Store interface {
	// RecordEvent inserts the event if absent and returns the stored row.
	RecordEvent(ctx context.Context, record EventRecord) (EventRecord, error)
	MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) error
	MarkEventFailed(ctx context.Context, eventID string, message string) error
	ListPendingEvents(ctx context.Context, limit int) ([]EventRecord, error)

	AccountByCustomerID(ctx context.Context, customerID string) (ledger.AccountID, bool, error)
	GetBillingAccount(ctx context.Context, accountID ledger.AccountID) (*BillingAccount, error)
	// LatestSubscription returns the most recently created row for the
	// external id, or nil.
	LatestSubscription(ctx context.Context, externalSubscriptionID string) (*Subscription, error)
	PlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
	PlanByID(ctx context.Context, planID string) (*Plan, error)
	FreePlan(ctx context.Context) (*Plan, error)
	// ApplyReduction writes the subscription and billing account in one transaction.
	ApplyReduction(ctx context.Context, reduction Reduction) error
}

// Ledger is the part of the credit ledger billing needs.
type Ledger interface {
	Credit(ctx context.Context, request ledger.MutationRequest) (ledger.Receipt, error)
	SetAbsolute(ctx context.Context, request ledger.MutationRequest) (ledger.Receipt, error)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}
