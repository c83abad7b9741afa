package metrics

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger implements ledger.OperationLogger with zap and the ledger
// counters.
type OperationLogger struct {
	logger     *zap.Logger
	collectors *Collectors
}

// NewOperationLogger builds a logger; collectors may be nil.
func NewOperationLogger(logger *zap.Logger, collectors *Collectors) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger"), collectors: collectors}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if operationLogger.collectors != nil {
		transactionType := entry.TransactionType.String()
		operationLogger.collectors.ledgerOperations.WithLabelValues(entry.Operation, transactionType, entry.Status).Inc()
		if entry.Error == nil && entry.Amount > 0 {
			operationLogger.collectors.ledgerCredits.WithLabelValues(entry.Operation, transactionType).Add(float64(entry.Amount))
		}
	}

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("type", entry.TransactionType.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()), zap.Int64("balance", entry.Balance.Int64()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error == nil {
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	if isExpected(entry.Error) {
		operationLogger.logger.Info("ledger operation rejected", fields...)
		return
	}
	operationLogger.logger.Error("ledger operation failed", fields...)
}

// isExpected reports business outcomes that are not faults.
func isExpected(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientCredits) ||
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ledger.ErrNotRefundable) ||
		errors.Is(err, ledger.ErrUnknownTransaction)
}
