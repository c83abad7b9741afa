package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credits is a non-negative whole number of spendable credits.
type Credits int64

// AccountID identifies the owner of a balance.
type AccountID struct {
	value string
}

// TransactionID identifies a credit transaction.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for a single account.
// The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// TransactionType tags a credit transaction.
type TransactionType string

const (
	TransactionGeneration           TransactionType = "generation"
	TransactionImprovement          TransactionType = "improvement"
	TransactionRefund               TransactionType = "refund"
	TransactionPurchase             TransactionType = "purchase"
	TransactionSubscriptionRecharge TransactionType = "subscription_recharge"
	TransactionSubscriptionGrant    TransactionType = "subscription_grant"
	TransactionBonus                TransactionType = "bonus"
	TransactionAdjustment           TransactionType = "adjustment"
)

// Transaction is an immutable line of the credit log.
type Transaction struct {
	ID             TransactionID
	AccountID      AccountID
	Type           TransactionType
	Amount         int64
	BalanceAfter   Credits
	Description    string
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
	RefundOf       *TransactionID
	Sequence       int64
	CreatedAt      time.Time
}

// TransactionInput is what the service hands to the store for insertion.
type TransactionInput struct {
	AccountID      AccountID
	Type           TransactionType
	Amount         int64
	BalanceAfter   Credits
	Description    string
	Metadata       Metadata
	IdempotencyKey IdempotencyKey
	RefundOf       *TransactionID
	CreatedAt      time.Time
}

// MutationRequest describes a debit, credit, or absolute assignment.
type MutationRequest struct {
	AccountID      AccountID
	Amount         Credits
	Metadata       Metadata
	Description    string
	IdempotencyKey IdempotencyKey
}

// Receipt is returned by every successful balance mutation.
type Receipt struct {
	TransactionID TransactionID
	Balance       Credits
}

// RefundReceipt reports whether the refund had already been applied.
type RefundReceipt struct {
	Receipt
	AlreadyRefunded bool
}

// ListQuery bounds a transaction listing. Limit <= 0 returns every row.
type ListQuery struct {
	Limit     int
	Ascending bool
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID) error
	Balance(ctx context.Context, accountID AccountID) (Credits, error)
	// DecrementIfSufficient must be a single conditional update; it reports
	// false without mutating anything when the balance is below amount.
	DecrementIfSufficient(ctx context.Context, accountID AccountID, amount Credits) (bool, error)
	Increment(ctx context.Context, accountID AccountID, amount Credits) error
	// Assign replaces the balance and returns the value it replaced.
	Assign(ctx context.Context, accountID AccountID, amount Credits) (Credits, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, accountID AccountID, transactionID TransactionID) (Transaction, error)
	FindRefund(ctx context.Context, accountID AccountID, originalID TransactionID) (Transaction, bool, error)
	ListTransactions(ctx context.Context, accountID AccountID, query ListQuery) ([]Transaction, error)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewCredits validates a balance or target amount (zero allowed).
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates an amount moved by a debit or credit.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// ParseTransactionType validates a stored or requested type tag.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch transactionType := TransactionType(strings.TrimSpace(raw)); transactionType {
	case TransactionGeneration,
		TransactionImprovement,
		TransactionRefund,
		TransactionPurchase,
		TransactionSubscriptionRecharge,
		TransactionSubscriptionGrant,
		TransactionBonus,
		TransactionAdjustment:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the tag.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}
