package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectGeneration  = "generation"
	errorSubjectResult      = "result"
	errorSubjectDownload    = "download"
	errorSubjectEvent       = "event"
	errorSubjectPlan        = "plan"
	errorSubjectBilling     = "billing"
	errorSubjectPricing     = "pricing"
	errorSubjectCounter     = "counter"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeDecrement      = "decrement"
	errorCodeIncrement      = "increment"
	errorCodeAssign         = "assign"
)

// Store implements the persistence contracts of every domain package using
// GORM: ledger.Store, generation.Store, download.Store, billing.Store,
// pricing.OverrideStore and generation.DailyCounter.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates every table. Used for sqlite; postgres is
// migrated with the SQL files in internal/store/migrations.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, now: store.now})
	})
}

// EnsureAccount creates an empty account row when none exists.
func (store *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	now := store.now().UTC()
	account := Account{AccountID: accountID.String(), CreatedAt: now, UpdatedAt: now}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Credits(account.Credits), nil
}

// DecrementIfSufficient is the conditional update the ledger's no-overdraft
// guarantee rests on.
func (store *Store) DecrementIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND credits >= ?", accountID.String(), amount.Int64()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount.Int64()),
			"updated_at": store.now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) Increment(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", amount.Int64()),
			"updated_at": store.now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) Assign(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (ledger.Credits, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAssign, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAssign, err)
	}
	err = store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]any{"credits": amount.Int64(), "updated_at": store.now().UTC()}).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAssign, err)
	}
	return ledger.Credits(account.Credits), nil
}

func (store *Store) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	metadata, err := ledger.EncodeMetadata(input.Metadata)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	row := CreditTransaction{
		AccountID:      input.AccountID.String(),
		Type:           input.Type.String(),
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter.Int64(),
		Description:    input.Description,
		Metadata:       datatypesJSON(metadata),
		IdempotencyKey: optionalString(input.IdempotencyKey.String()),
		CreatedAt:      input.CreatedAt.UTC(),
	}
	if input.RefundOf != nil {
		row.RefundOf = optionalString(input.RefundOf.String())
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		// Refund rows never carry an idempotency key, so a conflict there is refund_of.
		if input.RefundOf != nil {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateRefund)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapCreditTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, accountID ledger.AccountID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND transaction_id = ?", accountID.String(), transactionID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapCreditTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) FindRefund(ctx context.Context, accountID ledger.AccountID, originalID ledger.TransactionID) (ledger.Transaction, bool, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND refund_of = ?", accountID.String(), originalID.String()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	if len(rows) == 0 {
		return ledger.Transaction{}, false, nil
	}
	transaction, err := mapCreditTransaction(rows[0])
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID ledger.AccountID, query ledger.ListQuery) ([]ledger.Transaction, error) {
	order := "sequence DESC"
	if query.Ascending {
		order = "sequence ASC"
	}
	statement := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Order(order)
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}
	var rows []CreditTransaction
	if err := statement.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapCreditTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.DecodeMetadata(transactionType, row.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	balanceAfter, err := ledger.NewCredits(row.BalanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:           transactionID,
		AccountID:    accountID,
		Type:         transactionType,
		Amount:       row.Amount,
		BalanceAfter: balanceAfter,
		Description:  row.Description,
		Metadata:     metadata,
		Sequence:     row.Sequence,
		CreatedAt:    row.CreatedAt.UTC(),
	}
	if row.IdempotencyKey != nil {
		key, err := ledger.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transaction.IdempotencyKey = key
	}
	if row.RefundOf != nil {
		refundOf, err := ledger.NewTransactionID(*row.RefundOf)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transaction.RefundOf = &refundOf
	}
	return transaction, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
