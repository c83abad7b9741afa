package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
)

var (
	ErrNotFound          = errors.New("generation not found")
	ErrResultNotFound    = errors.New("generation result not found")
	ErrForbidden         = errors.New("generation belongs to another account")
	ErrDailyLimitReached = errors.New("daily feedback regeneration limit reached")
	ErrNotCompleted      = errors.New("generation has no result yet")
	ErrInvalidRequest    = errors.New("invalid generation request")
	ErrInvalidConfig     = errors.New("invalid generation manager config")
)

// CompensatedError reports that a debit was taken, the dependent write failed,
// and the debit was refunded before returning. RefundErr is set when the
// refund itself could not be applied.
type CompensatedError struct {
	Cause               error
	DebitTransactionID  ledger.TransactionID
	RefundTransactionID ledger.TransactionID
	RefundErr           error
}

func (compensated CompensatedError) Error() string {
	if compensated.RefundErr != nil {
		return fmt.Sprintf("generation not created: %v; refund of %s failed: %v", compensated.Cause, compensated.DebitTransactionID.String(), compensated.RefundErr)
	}
	return fmt.Sprintf("generation not created: %v; debit %s refunded", compensated.Cause, compensated.DebitTransactionID.String())
}

func (compensated CompensatedError) Unwrap() error {
	return compensated.Cause
}

type retryable interface {
	Retryable() bool
}

// IsRetryable classifies provider and storage errors: timeouts are transient,
// errors that report Retryable() follow their own verdict, everything else
// fails fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var candidate retryable
	if errors.As(err, &candidate) {
		return candidate.Retryable()
	}
	return false
}
