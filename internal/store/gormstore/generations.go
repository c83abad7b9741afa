package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/download"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) CreateGeneration(ctx context.Context, record generation.Generation) error {
	row := GenerationRow{
		GenerationID:       record.ID,
		AccountID:          record.AccountID.String(),
		ToolID:             record.ToolID,
		Kind:               string(record.Kind),
		Status:             string(record.Status),
		Input:              datatypes.NewJSONType(record.Input),
		CreditsUsed:        record.CreditsUsed.Int64(),
		DebitTransactionID: record.DebitTransactionID.String(),
		ParentResultID:     record.ParentResultID,
		FailureReason:      record.FailureReason,
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
		CompletedAt:        record.CompletedAt,
	}
	if record.Output != nil {
		row.OutputResultID = record.Output.ResultID
		row.OutputImageURL = record.Output.ImageURL
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetGeneration(ctx context.Context, generationID string) (generation.Generation, error) {
	var row GenerationRow
	err := store.db.WithContext(ctx).Where("generation_id = ?", generationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, generation.ErrNotFound)
	}
	if err != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, err)
	}
	record, err := mapGeneration(row)
	if err != nil {
		return generation.Generation{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	return record, nil
}

// TransitionStatus is a compare-and-set on status; only the caller that
// observes RowsAffected == 1 owns the transition.
func (store *Store) TransitionStatus(ctx context.Context, generationID string, from generation.Status, to generation.Status, transition generation.Transition) (bool, error) {
	at := transition.At.UTC()
	if at.IsZero() {
		at = store.now().UTC()
	}
	updates := map[string]any{
		"status":     string(to),
		"updated_at": at,
	}
	if transition.Output != nil {
		updates["output_result_id"] = transition.Output.ResultID
		updates["output_image_url"] = transition.Output.ImageURL
	}
	if transition.FailureReason != "" {
		updates["failure_reason"] = transition.FailureReason
	}
	if to.IsTerminal() {
		updates["completed_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&GenerationRow{}).
		Where("generation_id = ? AND status = ?", generationID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectGeneration, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) CreateResult(ctx context.Context, result generation.Result, cleanPayload []byte) error {
	row := GenerationResultRow{
		ResultID:        result.ID,
		GenerationID:    result.GenerationID,
		AccountID:       result.AccountID.String(),
		ImageURL:        result.ImageURL,
		ContentType:     result.ContentType,
		CleanPayload:    cleanPayload,
		HasCleanPayload: len(cleanPayload) > 0,
		CreatedAt:       result.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectResult, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetResult(ctx context.Context, resultID string) (generation.Result, error) {
	var row GenerationResultRow
	err := store.db.WithContext(ctx).
		Omit("clean_payload").
		Where("result_id = ?", resultID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Result{}, wrapStoreError(errorSubjectResult, errorCodeGet, generation.ErrResultNotFound)
	}
	if err != nil {
		return generation.Result{}, wrapStoreError(errorSubjectResult, errorCodeGet, err)
	}
	result, err := mapResult(row)
	if err != nil {
		return generation.Result{}, wrapStoreError(errorSubjectResult, errorCodeInvalid, err)
	}
	return result, nil
}

// ListStale returns non-terminal generations whose last update is older than
// updatedBefore, oldest first.
func (store *Store) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]generation.Generation, error) {
	statement := store.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(generation.StatusPending), string(generation.StatusProcessing)}, updatedBefore.UTC()).
		Order("updated_at ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var rows []GenerationRow
	if err := statement.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	records := make([]generation.Generation, 0, len(rows))
	for _, row := range rows {
		record, err := mapGeneration(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// CleanPayload returns the hidden clean asset; empty once purchased.
func (store *Store) CleanPayload(ctx context.Context, resultID string) ([]byte, error) {
	var row GenerationResultRow
	err := store.db.WithContext(ctx).
		Select("result_id", "clean_payload").
		Where("result_id = ?", resultID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrapStoreError(errorSubjectResult, errorCodeGet, generation.ErrResultNotFound)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectResult, errorCodeGet, err)
	}
	return row.CleanPayload, nil
}

func (store *Store) MarkPurchased(ctx context.Context, resultID string, purchase download.Purchase) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&GenerationResultRow{}).
		Where("result_id = ? AND is_purchased = ?", resultID, false).
		Updates(map[string]any{
			"is_purchased":      true,
			"purchase_bucket":   purchase.Bucket,
			"purchase_path":     purchase.Path,
			"purchase_url":      purchase.URL,
			"purchased_at":      purchase.At.UTC(),
			"clean_payload":     nil,
			"has_clean_payload": false,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectResult, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) RecordDownload(ctx context.Context, record download.Record) error {
	row := DownloadRecord{
		DownloadID:     record.ID,
		ResultID:       record.ResultID,
		AccountID:      record.AccountID.String(),
		CreditsCharged: record.CreditsCharged.Int64(),
		TransactionID:  record.TransactionID.String(),
		ImageURL:       record.ImageURL,
		CreatedAt:      record.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectDownload, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDownload, errorCodeInsert, err)
	}
	return nil
}

// DailyCounter implements generation.DailyCounter on the feedback_counters table.
type DailyCounter struct {
	db *gorm.DB
}

// DailyCounter returns the SQL-backed feedback counter sharing this store's database.
func (store *Store) DailyCounter() *DailyCounter {
	return &DailyCounter{db: store.db}
}

// Increment counts one feedback regeneration for accountID on day unless
// limit is already reached. The conditional update makes it safe under
// concurrent callers.
func (counter *DailyCounter) Increment(ctx context.Context, accountID ledger.AccountID, day string, limit int) (bool, error) {
	accepted := false
	err := counter.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		seed := FeedbackCounter{AccountID: accountID.String(), Day: day}
		err := transaction.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}, {Name: "day"}}, DoNothing: true}).
			Create(&seed).Error
		if err != nil {
			return err
		}
		result := transaction.
			Model(&FeedbackCounter{}).
			Where("account_id = ? AND day = ? AND count < ?", accountID.String(), day, limit).
			Update("count", gorm.Expr("count + 1"))
		if result.Error != nil {
			return result.Error
		}
		accepted = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, wrapStoreError(errorSubjectCounter, errorCodeIncrement, err)
	}
	return accepted, nil
}

func mapGeneration(row GenerationRow) (generation.Generation, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return generation.Generation{}, err
	}
	record := generation.Generation{
		ID:             row.GenerationID,
		AccountID:      accountID,
		ToolID:         row.ToolID,
		Kind:           generation.Kind(row.Kind),
		Status:         generation.Status(row.Status),
		Input:          row.Input.Data(),
		CreditsUsed:    ledger.Credits(row.CreditsUsed),
		ParentResultID: row.ParentResultID,
		FailureReason:  row.FailureReason,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
		CompletedAt:    row.CompletedAt,
	}
	if row.DebitTransactionID != "" {
		debitID, err := ledger.NewTransactionID(row.DebitTransactionID)
		if err != nil {
			return generation.Generation{}, err
		}
		record.DebitTransactionID = debitID
	}
	if row.OutputResultID != "" {
		record.Output = &generation.Output{ResultID: row.OutputResultID, ImageURL: row.OutputImageURL}
	}
	return record, nil
}

func mapResult(row GenerationResultRow) (generation.Result, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return generation.Result{}, err
	}
	return generation.Result{
		ID:              row.ResultID,
		GenerationID:    row.GenerationID,
		AccountID:       accountID,
		ImageURL:        row.ImageURL,
		ContentType:     row.ContentType,
		HasCleanPayload: row.HasCleanPayload,
		IsPurchased:     row.IsPurchased,
		PurchaseBucket:  row.PurchaseBucket,
		PurchasePath:    row.PurchasePath,
		PurchaseURL:     row.PurchaseURL,
		PurchasedAt:     row.PurchasedAt,
		CreatedAt:       row.CreatedAt.UTC(),
	}, nil
}
