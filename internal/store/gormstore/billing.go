package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/billing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordEvent inserts the event unless it exists and returns the stored row.
func (store *Store) RecordEvent(ctx context.Context, record billing.EventRecord) (billing.EventRecord, error) {
	row := WebhookEvent{
		EventID:   record.ID,
		Provider:  record.Provider,
		EventType: record.Type,
		Payload:   datatypesJSON(record.Payload),
		CreatedAt: record.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	database := store.db.WithContext(ctx)
	err := database.
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return billing.EventRecord{}, wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	var stored WebhookEvent
	if err := database.Where("event_id = ?", record.ID).Take(&stored).Error; err != nil {
		return billing.EventRecord{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return mapEvent(stored), nil
}

func (store *Store) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	err := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"processed_at": processedAt.UTC(), "processing_error": ""}).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) MarkEventFailed(ctx context.Context, eventID string, message string) error {
	err := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"processing_error": message, "attempts": gorm.Expr("attempts + 1")}).Error
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeUpdate, err)
	}
	return nil
}

// ListPendingEvents returns events never marked processed, oldest first.
func (store *Store) ListPendingEvents(ctx context.Context, limit int) ([]billing.EventRecord, error) {
	statement := store.db.WithContext(ctx).Where("processed_at IS NULL").Order("created_at ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var rows []WebhookEvent
	if err := statement.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	records := make([]billing.EventRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapEvent(row))
	}
	return records, nil
}

func (store *Store) AccountByCustomerID(ctx context.Context, customerID string) (ledger.AccountID, bool, error) {
	var accounts []BillingAccountRow
	err := store.db.WithContext(ctx).Where("external_customer_id = ?", customerID).Limit(1).Find(&accounts).Error
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectBilling, errorCodeLookup, err)
	}
	raw := ""
	if len(accounts) > 0 {
		raw = accounts[0].AccountID
	} else {
		var subscriptions []UserSubscription
		err := store.db.WithContext(ctx).
			Where("external_customer_id = ?", customerID).
			Order("created_at DESC").
			Limit(1).
			Find(&subscriptions).Error
		if err != nil {
			return ledger.AccountID{}, false, wrapStoreError(errorSubjectBilling, errorCodeLookup, err)
		}
		if len(subscriptions) == 0 {
			return ledger.AccountID{}, false, nil
		}
		raw = subscriptions[0].AccountID
	}
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		return ledger.AccountID{}, false, wrapStoreError(errorSubjectBilling, errorCodeInvalid, err)
	}
	return accountID, true, nil
}

func (store *Store) GetBillingAccount(ctx context.Context, accountID ledger.AccountID) (*billing.BillingAccount, error) {
	var row BillingAccountRow
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectBilling, errorCodeGet, err)
	}
	account := billing.BillingAccount{
		AccountID:              accountID,
		ExternalCustomerID:     row.ExternalCustomerID,
		ExternalSubscriptionID: row.ExternalSubscriptionID,
		PlanSlug:               row.PlanSlug,
		Status:                 row.Status,
		UpdatedAt:              row.UpdatedAt.UTC(),
	}
	return &account, nil
}

func (store *Store) LatestSubscription(ctx context.Context, externalSubscriptionID string) (*billing.Subscription, error) {
	var rows []UserSubscription
	err := store.db.WithContext(ctx).
		Where("external_subscription_id = ?", externalSubscriptionID).
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBilling, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	subscription, err := mapSubscription(rows[0])
	if err != nil {
		return nil, wrapStoreError(errorSubjectBilling, errorCodeInvalid, err)
	}
	return &subscription, nil
}

func (store *Store) PlanByPriceID(ctx context.Context, priceID string) (*billing.Plan, error) {
	return store.findPlan(ctx, "external_price_id = ?", priceID)
}

func (store *Store) PlanByID(ctx context.Context, planID string) (*billing.Plan, error) {
	return store.findPlan(ctx, "plan_id = ?", planID)
}

func (store *Store) FreePlan(ctx context.Context) (*billing.Plan, error) {
	return store.findPlan(ctx, "is_free = ?", true)
}

// UpsertPlans writes the plan catalogue, keyed by slug.
func (store *Store) UpsertPlans(ctx context.Context, plans []billing.Plan) error {
	for _, plan := range plans {
		row := SubscriptionPlan{
			PlanID:            plan.ID,
			Slug:              plan.Slug,
			Name:              plan.Name,
			MonthlyCredits:    plan.MonthlyCredits.Int64(),
			ExternalPriceID:   optionalString(plan.ExternalPriceID),
			ExternalProductID: plan.ExternalProductID,
			BillingInterval:   plan.BillingInterval,
			IsFree:            plan.IsFree,
		}
		if row.PlanID == "" {
			row.PlanID = plan.Slug
		}
		if row.BillingInterval == "" {
			row.BillingInterval = "month"
		}
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "slug"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_credits", "external_price_id", "external_product_id", "billing_interval", "is_free"}),
			}).
			Create(&row).Error
		if err != nil {
			return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
		}
	}
	return nil
}

// ApplyReduction writes the subscription and the billing account together.
func (store *Store) ApplyReduction(ctx context.Context, reduction billing.Reduction) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		now := store.now().UTC()
		if reduction.Subscription != nil {
			row := subscriptionRow(*reduction.Subscription, now)
			var err error
			if row.SubscriptionID == "" {
				err = transaction.Create(&row).Error
			} else {
				err = transaction.Save(&row).Error
			}
			if err != nil {
				return wrapStoreError(errorSubjectBilling, errorCodeUpdate, err)
			}
		}
		if reduction.BillingAccount != nil {
			account := reduction.BillingAccount
			row := BillingAccountRow{
				AccountID:              account.AccountID.String(),
				ExternalCustomerID:     account.ExternalCustomerID,
				ExternalSubscriptionID: account.ExternalSubscriptionID,
				PlanSlug:               account.PlanSlug,
				Status:                 account.Status,
				UpdatedAt:              account.UpdatedAt.UTC(),
			}
			if row.UpdatedAt.IsZero() {
				row.UpdatedAt = now
			}
			err := transaction.
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, UpdateAll: true}).
				Create(&row).Error
			if err != nil {
				return wrapStoreError(errorSubjectBilling, errorCodeUpdate, err)
			}
		}
		return nil
	})
}

// ListOverrides implements pricing.OverrideStore.
func (store *Store) ListOverrides(ctx context.Context) ([]pricing.Override, error) {
	var rows []PricingOverride
	if err := store.db.WithContext(ctx).Order("action_slug ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	overrides := make([]pricing.Override, 0, len(rows))
	for _, row := range rows {
		overrides = append(overrides, pricing.Override{ActionSlug: row.ActionSlug, Credits: row.Credits, Active: row.Active})
	}
	return overrides, nil
}

// UpsertOverride sets the price of one action slug.
func (store *Store) UpsertOverride(ctx context.Context, override pricing.Override) error {
	row := PricingOverride{
		ActionSlug: override.ActionSlug,
		Credits:    override.Credits,
		Active:     override.Active,
		UpdatedAt:  store.now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "action_slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"credits", "active", "updated_at"}),
		}).
		Select("*").
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) findPlan(ctx context.Context, query string, argument any) (*billing.Plan, error) {
	var rows []SubscriptionPlan
	if err := store.db.WithContext(ctx).Where(query, argument).Order("slug ASC").Limit(1).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	plan := billing.Plan{
		ID:                row.PlanID,
		Slug:              row.Slug,
		Name:              row.Name,
		MonthlyCredits:    ledger.Credits(row.MonthlyCredits),
		ExternalProductID: row.ExternalProductID,
		BillingInterval:   row.BillingInterval,
		IsFree:            row.IsFree,
	}
	if row.ExternalPriceID != nil {
		plan.ExternalPriceID = *row.ExternalPriceID
	}
	return &plan, nil
}

func subscriptionRow(subscription billing.Subscription, now time.Time) UserSubscription {
	row := UserSubscription{
		SubscriptionID:             subscription.ID,
		AccountID:                  subscription.AccountID.String(),
		PlanID:                     subscription.PlanID,
		ExternalSubscriptionID:     subscription.ExternalSubscriptionID,
		ExternalCustomerID:         subscription.ExternalCustomerID,
		Status:                     subscription.Status,
		CurrentPeriodStart:         subscription.CurrentPeriodStart,
		CurrentPeriodEnd:           subscription.CurrentPeriodEnd,
		CreditsRechargedThisPeriod: subscription.CreditsRechargedThisPeriod.Int64(),
		ExtraCreditsUsedThisPeriod: subscription.ExtraCreditsUsedThisPeriod.Int64(),
		CanceledAt:                 subscription.CanceledAt,
		CreatedAt:                  subscription.CreatedAt.UTC(),
		UpdatedAt:                  subscription.UpdatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	return row
}

func mapSubscription(row UserSubscription) (billing.Subscription, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return billing.Subscription{}, err
	}
	return billing.Subscription{
		ID:                         row.SubscriptionID,
		AccountID:                  accountID,
		PlanID:                     row.PlanID,
		ExternalSubscriptionID:     row.ExternalSubscriptionID,
		ExternalCustomerID:         row.ExternalCustomerID,
		Status:                     row.Status,
		CurrentPeriodStart:         row.CurrentPeriodStart,
		CurrentPeriodEnd:           row.CurrentPeriodEnd,
		CreditsRechargedThisPeriod: ledger.Credits(row.CreditsRechargedThisPeriod),
		ExtraCreditsUsedThisPeriod: ledger.Credits(row.ExtraCreditsUsedThisPeriod),
		CanceledAt:                 row.CanceledAt,
		CreatedAt:                  row.CreatedAt.UTC(),
		UpdatedAt:                  row.UpdatedAt.UTC(),
	}, nil
}

func mapEvent(row WebhookEvent) billing.EventRecord {
	return billing.EventRecord{
		ID:              row.EventID,
		Provider:        row.Provider,
		Type:            row.EventType,
		Payload:         []byte(row.Payload),
		ProcessedAt:     row.ProcessedAt,
		ProcessingError: row.ProcessingError,
		Attempts:        row.Attempts,
		CreatedAt:       row.CreatedAt.UTC(),
	}
}
