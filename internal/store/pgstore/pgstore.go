// Package pgstore implements ledger.Store directly on a pgx pool. It is the
// hot path for balance mutations when the service runs on postgres.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintAccountIdempotencyKey = "uniq_credit_transactions_account_key"
	constraintRefundOf              = "uniq_credit_transactions_refund_of"
	pgUniqueViolationCode           = "23505"
	errorOperationStore             = "store"
	errorSubjectAccount             = "account"
	errorSubjectBalance             = "balance"
	errorSubjectTransaction         = "transaction"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
	errorCodeCreate                 = "create"
	errorCodeDuplicate              = "duplicate"
	errorCodeGet                    = "get"
	errorCodeInsert                 = "insert"
	errorCodeInvalid                = "invalid"
	errorCodeList                   = "list"
	errorCodeLookup                 = "lookup"
	errorCodeDecrement              = "decrement"
	errorCodeIncrement              = "increment"
	errorCodeAssign                 = "assign"

	sqlEnsureAccount = `
		insert into accounts(account_id, credits, created_at, updated_at) values($1, 0, $2, $2)
		on conflict (account_id) do nothing
	`

	sqlSelectBalance = `select credits from accounts where account_id = $1`

	sqlDecrementIfSufficient = `
		update accounts set credits = credits - $2, updated_at = $3
		where account_id = $1 and credits >= $2
	`

	sqlIncrement = `
		update accounts set credits = credits + $2, updated_at = $3
		where account_id = $1
	`

	sqlAssign = `
		with previous as (
			select credits from accounts where account_id = $1 for update
		)
		update accounts set credits = $2, updated_at = $3
		from previous
		where accounts.account_id = $1
		returning previous.credits
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, account_id, type, amount, balance_after, description, metadata, idempotency_key, refund_of, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7::jsonb, nullif($8,''), nullif($9,''), $10)
		returning sequence
	`

	sqlTransactionColumns = `
		select
			sequence,
			transaction_id,
			account_id,
			type,
			amount,
			balance_after,
			description,
			metadata::text,
			coalesce(idempotency_key,''),
			coalesce(refund_of,''),
			created_at
		from credit_transactions
	`

	sqlSelectTransaction = sqlTransactionColumns + ` where account_id = $1 and transaction_id = $2`
	sqlSelectRefund      = sqlTransactionColumns + ` where account_id = $1 and refund_of = $2 limit 1`
	sqlListAscending     = sqlTransactionColumns + ` where account_id = $1 order by sequence asc limit $2`
	sqlListDescending    = sqlTransactionColumns + ` where account_id = $1 order by sequence desc limit $2`
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

type queries struct {
	db  querier
	now func() time.Time
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool, now: time.Now}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx, now: store.now}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) EnsureAccount(ctx context.Context, accountID ledger.AccountID) error {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, accountID.String(), store.now().UTC()); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store queries) Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var credits int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, accountID.String()).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Credits(credits), nil
}

func (store queries) DecrementIfSufficient(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlDecrementIfSufficient, accountID.String(), amount.Int64(), store.now().UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store queries) Increment(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) error {
	tag, err := store.db.Exec(ctx, sqlIncrement, accountID.String(), amount.Int64(), store.now().UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store queries) Assign(ctx context.Context, accountID ledger.AccountID, amount ledger.Credits) (ledger.Credits, error) {
	var previous int64
	err := store.db.QueryRow(ctx, sqlAssign, accountID.String(), amount.Int64(), store.now().UTC()).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAssign, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeAssign, err)
	}
	return ledger.Credits(previous), nil
}

func (store queries) InsertTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	metadata, err := ledger.EncodeMetadata(input.Metadata)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := input.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = store.now().UTC()
	}
	refundOf := ""
	if input.RefundOf != nil {
		refundOf = input.RefundOf.String()
	}
	transactionID := uuid.NewString()
	var sequence int64
	err = store.db.QueryRow(ctx, sqlInsertTransaction,
		transactionID,
		input.AccountID.String(),
		input.Type.String(),
		input.Amount,
		input.BalanceAfter.Int64(),
		input.Description,
		string(metadata),
		input.IdempotencyKey.String(),
		refundOf,
		createdAt,
	).Scan(&sequence)
	switch conflictConstraint(err) {
	case constraintRefundOf:
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateRefund)
	case constraintAccountIdempotencyKey:
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	parsedID, err := ledger.NewTransactionID(transactionID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return ledger.Transaction{
		ID:             parsedID,
		AccountID:      input.AccountID,
		Type:           input.Type,
		Amount:         input.Amount,
		BalanceAfter:   input.BalanceAfter,
		Description:    input.Description,
		Metadata:       input.Metadata,
		IdempotencyKey: input.IdempotencyKey,
		RefundOf:       input.RefundOf,
		Sequence:       sequence,
		CreatedAt:      createdAt,
	}, nil
}

func (store queries) GetTransaction(ctx context.Context, accountID ledger.AccountID, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlSelectTransaction, accountID.String(), transactionID.String())
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrUnknownTransaction)
	}
	return transactions[0], nil
}

func (store queries) FindRefund(ctx context.Context, accountID ledger.AccountID, originalID ledger.TransactionID) (ledger.Transaction, bool, error) {
	rows, err := store.db.Query(ctx, sqlSelectRefund, accountID.String(), originalID.String())
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, false, nil
	}
	return transactions[0], true, nil
}

func (store queries) ListTransactions(ctx context.Context, accountID ledger.AccountID, query ledger.ListQuery) ([]ledger.Transaction, error) {
	statement := sqlListDescending
	if query.Ascending {
		statement = sqlListAscending
	}
	// limit null is "no limit" in postgres.
	var limit *int
	if query.Limit > 0 {
		limit = &query.Limit
	}
	rows, err := store.db.Query(ctx, statement, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, 16)
	for rows.Next() {
		var (
			sequence         int64
			transactionValue string
			accountValue     string
			typeValue        string
			amount           int64
			balanceAfter     int64
			description      string
			metadataValue    string
			idempotencyValue string
			refundOfValue    string
			createdAt        time.Time
		)
		if err := rows.Scan(
			&sequence,
			&transactionValue,
			&accountValue,
			&typeValue,
			&amount,
			&balanceAfter,
			&description,
			&metadataValue,
			&idempotencyValue,
			&refundOfValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		transaction, err := buildTransaction(sequence, transactionValue, accountValue, typeValue, amount, balanceAfter, description, []byte(metadataValue), idempotencyValue, refundOfValue, createdAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, rows.Err()
}

func buildTransaction(sequence int64, transactionValue, accountValue, typeValue string, amount, balanceAfter int64, description string, metadataValue []byte, idempotencyValue, refundOfValue string, createdAt time.Time) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(transactionValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	accountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.DecodeMetadata(transactionType, metadataValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	credits, err := ledger.NewCredits(balanceAfter)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:           transactionID,
		AccountID:    accountID,
		Type:         transactionType,
		Amount:       amount,
		BalanceAfter: credits,
		Description:  description,
		Metadata:     metadata,
		Sequence:     sequence,
		CreatedAt:    createdAt.UTC(),
	}
	if idempotencyValue != "" {
		key, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transaction.IdempotencyKey = key
	}
	if refundOfValue != "" {
		refundOf, err := ledger.NewTransactionID(refundOfValue)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transaction.RefundOf = &refundOf
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// conflictConstraint returns the violated unique constraint, or "".
func conflictConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		return pgErr.ConstraintName
	}
	return ""
}
