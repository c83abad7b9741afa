package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Credits is the authoritative balance.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;default:0;check:chk_accounts_credits_non_negative,credits >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
// Sequence orders the log; TransactionID is the public identifier.
type CreditTransaction struct {
	Sequence       int64          `gorm:"primaryKey;autoIncrement"`
	TransactionID  string         `gorm:"not null;uniqueIndex:uniq_credit_transactions_id"`
	AccountID      string         `gorm:"not null;index:idx_credit_transactions_account_seq,priority:1;uniqueIndex:uniq_credit_transactions_account_key,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	Description    string         `gorm:"not null;default:''"`
	Metadata       datatypes.JSON `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_credit_transactions_account_key,priority:2"`
	RefundOf       *string        `gorm:"uniqueIndex:uniq_credit_transactions_refund_of"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_credit_transactions_account_seq,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// GenerationRow mirrors the generations table.
type GenerationRow struct {
	GenerationID       string                               `gorm:"primaryKey"`
	AccountID          string                               `gorm:"not null;index"`
	ToolID             string                               `gorm:"not null"`
	Kind               string                               `gorm:"not null"`
	Status             string                               `gorm:"not null;index:idx_generations_status_updated,priority:1"`
	Input              datatypes.JSONType[generation.Input] `gorm:"not null"`
	OutputResultID     string                               `gorm:"not null;default:''"`
	OutputImageURL     string                               `gorm:"not null;default:''"`
	CreditsUsed        int64                                `gorm:"not null;default:0"`
	DebitTransactionID string                               `gorm:"not null;default:''"`
	ParentResultID     string                               `gorm:"not null;default:''"`
	FailureReason      string                               `gorm:"not null;default:''"`
	CreatedAt          time.Time                            `gorm:"not null"`
	UpdatedAt          time.Time                            `gorm:"not null;index:idx_generations_status_updated,priority:2"`
	CompletedAt        *time.Time
}

func (GenerationRow) TableName() string { return "generations" }

func (row *GenerationRow) BeforeCreate(tx *gorm.DB) error {
	if row.GenerationID == "" {
		row.GenerationID = uuid.NewString()
	}
	return nil
}

// GenerationResultRow mirrors the generation_results table. CleanPayload is
// only read by the download path.
type GenerationResultRow struct {
	ResultID        string `gorm:"primaryKey"`
	GenerationID    string `gorm:"not null;index"`
	AccountID       string `gorm:"not null;index"`
	ImageURL        string `gorm:"not null"`
	ContentType     string `gorm:"not null;default:''"`
	CleanPayload    []byte
	HasCleanPayload bool   `gorm:"not null;default:false"`
	IsPurchased     bool   `gorm:"not null;default:false"`
	PurchaseBucket  string `gorm:"not null;default:''"`
	PurchasePath    string `gorm:"not null;default:''"`
	PurchaseURL     string `gorm:"not null;default:''"`
	PurchasedAt     *time.Time
	CreatedAt       time.Time `gorm:"not null"`
}

func (GenerationResultRow) TableName() string { return "generation_results" }

func (row *GenerationResultRow) BeforeCreate(tx *gorm.DB) error {
	if row.ResultID == "" {
		row.ResultID = uuid.NewString()
	}
	return nil
}

// DownloadRecord mirrors the download_records table.
type DownloadRecord struct {
	DownloadID     string    `gorm:"primaryKey"`
	ResultID       string    `gorm:"not null;uniqueIndex"`
	AccountID      string    `gorm:"not null;index"`
	CreditsCharged int64     `gorm:"not null;default:0"`
	TransactionID  string    `gorm:"not null;default:''"`
	ImageURL       string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (DownloadRecord) TableName() string { return "download_records" }

func (record *DownloadRecord) BeforeCreate(tx *gorm.DB) error {
	if record.DownloadID == "" {
		record.DownloadID = uuid.NewString()
	}
	return nil
}

// SubscriptionPlan mirrors the subscription_plans reference table.
type SubscriptionPlan struct {
	PlanID            string  `gorm:"primaryKey"`
	Slug              string  `gorm:"not null;uniqueIndex"`
	Name              string  `gorm:"not null;default:''"`
	MonthlyCredits    int64   `gorm:"not null;default:0"`
	ExternalPriceID   *string `gorm:"uniqueIndex"`
	ExternalProductID string  `gorm:"not null;default:''"`
	BillingInterval   string  `gorm:"not null;default:'month'"`
	IsFree            bool    `gorm:"not null;default:false"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

func (plan *SubscriptionPlan) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	return nil
}

// UserSubscription mirrors the user_subscriptions table.
type UserSubscription struct {
	SubscriptionID             string `gorm:"primaryKey"`
	AccountID                  string `gorm:"not null;index"`
	PlanID                     string `gorm:"not null"`
	ExternalSubscriptionID     string `gorm:"not null;index:idx_user_subscriptions_external,priority:1"`
	ExternalCustomerID         string `gorm:"not null;default:'';index"`
	Status                     string `gorm:"not null"`
	CurrentPeriodStart         *time.Time
	CurrentPeriodEnd           *time.Time
	CreditsRechargedThisPeriod int64 `gorm:"not null;default:0"`
	ExtraCreditsUsedThisPeriod int64 `gorm:"not null;default:0"`
	CanceledAt                 *time.Time
	CreatedAt                  time.Time `gorm:"not null;index:idx_user_subscriptions_external,priority:2"`
	UpdatedAt                  time.Time `gorm:"not null"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

func (subscription *UserSubscription) BeforeCreate(tx *gorm.DB) error {
	if subscription.SubscriptionID == "" {
		subscription.SubscriptionID = uuid.NewString()
	}
	return nil
}

// BillingAccountRow mirrors the billing_accounts table.
type BillingAccountRow struct {
	AccountID              string    `gorm:"primaryKey"`
	ExternalCustomerID     string    `gorm:"not null;default:'';index"`
	ExternalSubscriptionID string    `gorm:"not null;default:''"`
	PlanSlug               string    `gorm:"not null"`
	Status                 string    `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

func (BillingAccountRow) TableName() string { return "billing_accounts" }

// WebhookEvent mirrors the webhook_events table, the processed-event ledger.
type WebhookEvent struct {
	EventID         string         `gorm:"primaryKey"`
	Provider        string         `gorm:"not null"`
	EventType       string         `gorm:"not null;index"`
	Payload         datatypes.JSON `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:"index"`
	ProcessingError string         `gorm:"not null;default:''"`
	Attempts        int            `gorm:"not null;default:0"`
	CreatedAt       time.Time      `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// PricingOverride mirrors the pricing_overrides table.
type PricingOverride struct {
	ActionSlug string    `gorm:"primaryKey"`
	Credits    int64     `gorm:"not null"`
	Active     bool      `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (PricingOverride) TableName() string { return "pricing_overrides" }

// FeedbackCounter mirrors the feedback_counters table.
type FeedbackCounter struct {
	AccountID string `gorm:"primaryKey"`
	Day       string `gorm:"primaryKey"`
	Count     int    `gorm:"not null;default:0"`
}

func (FeedbackCounter) TableName() string { return "feedback_counters" }

// Models lists every table for AutoMigrate on sqlite.
func Models() []any {
	return []any{
		&Account{},
		&CreditTransaction{},
		&GenerationRow{},
		&GenerationResultRow{},
		&DownloadRecord{},
		&SubscriptionPlan{},
		&UserSubscription{},
		&BillingAccountRow{},
		&WebhookEvent{},
		&PricingOverride{},
		&FeedbackCounter{},
	}
}
