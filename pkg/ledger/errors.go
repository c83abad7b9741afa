package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateRefund         = errors.New("transaction already refunded")
	ErrNotRefundable           = errors.New("transaction is not refundable")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidMetadata         = errors.New("invalid metadata")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrLedgerMismatch          = errors.New("ledger does not reproduce balance")
)

// InsufficientCreditsError carries the amounts behind a rejected debit.
type InsufficientCreditsError struct {
	Required  Credits
	Available Credits
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("%v: required %d, available %d", ErrInsufficientCredits, insufficient.Required, insufficient.Available)
}

// Unwrap returns ErrInsufficientCredits.
func (insufficient InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsBusinessError reports whether err is an expected outcome rather than a fault.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrNotRefundable) ||
		errors.Is(err, ErrUnknownTransaction)
}
