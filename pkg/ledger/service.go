package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	debitTypes = map[TransactionType]bool{
		TransactionGeneration:  true,
		TransactionImprovement: true,
		TransactionPurchase:    true,
		TransactionAdjustment:  true,
	}
	creditTypes = map[TransactionType]bool{
		TransactionBonus:             true,
		TransactionSubscriptionGrant: true,
		TransactionPurchase:          true,
		TransactionAdjustment:        true,
	}
	absoluteTypes = map[TransactionType]bool{
		TransactionSubscriptionRecharge: true,
	}
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Debit removes credits with a single conditional update. A balance below the
// requested amount yields InsufficientCreditsError and writes nothing.
func (service *Service) Debit(ctx context.Context, request MutationRequest) (Receipt, error) {
	var receipt Receipt
	operationError := validateMutation(request, debitTypes, true)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.EnsureAccount(ctx, request.AccountID); err != nil {
				return err
			}
			applied, err := transactionStore.DecrementIfSufficient(ctx, request.AccountID, request.Amount)
			if err != nil {
				return err
			}
			if !applied {
				available, err := transactionStore.Balance(ctx, request.AccountID)
				if err != nil {
					return err
				}
				return InsufficientCreditsError{Required: request.Amount, Available: available}
			}
			balance, err := transactionStore.Balance(ctx, request.AccountID)
			if err != nil {
				return err
			}
			transaction, err := transactionStore.InsertTransaction(ctx, service.newInput(request, -request.Amount.Int64(), balance, nil))
			if err != nil {
				return err
			}
			receipt = Receipt{TransactionID: transaction.ID, Balance: balance}
			return nil
		})
	}
	service.logMutation(ctx, operationDebit, request, receipt, operationError)
	return receipt, operationError
}

// Credit adds credits; it only fails on storage or validation errors.
func (service *Service) Credit(ctx context.Context, request MutationRequest) (Receipt, error) {
	var receipt Receipt
	operationError := validateMutation(request, creditTypes, true)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.EnsureAccount(ctx, request.AccountID); err != nil {
				return err
			}
			if err := transactionStore.Increment(ctx, request.AccountID, request.Amount); err != nil {
				return err
			}
			balance, err := transactionStore.Balance(ctx, request.AccountID)
			if err != nil {
				return err
			}
			transaction, err := transactionStore.InsertTransaction(ctx, service.newInput(request, request.Amount.Int64(), balance, nil))
			if err != nil {
				return err
			}
			receipt = Receipt{TransactionID: transaction.ID, Balance: balance}
			return nil
		})
	}
	service.logMutation(ctx, operationCredit, request, receipt, operationError)
	return receipt, operationError
}

// SetAbsolute replaces the balance with request.Amount. The recorded amount is
// the signed difference so the log keeps summing to the balance.
func (service *Service) SetAbsolute(ctx context.Context, request MutationRequest) (Receipt, error) {
	var receipt Receipt
	operationError := validateMutation(request, absoluteTypes, false)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if err := transactionStore.EnsureAccount(ctx, request.AccountID); err != nil {
				return err
			}
			previous, err := transactionStore.Assign(ctx, request.AccountID, request.Amount)
			if err != nil {
				return err
			}
			delta := request.Amount.Int64() - previous.Int64()
			transaction, err := transactionStore.InsertTransaction(ctx, service.newInput(request, delta, request.Amount, nil))
			if err != nil {
				return err
			}
			receipt = Receipt{TransactionID: transaction.ID, Balance: request.Amount}
			return nil
		})
	}
	service.logMutation(ctx, operationSetAbsolute, request, receipt, operationError)
	return receipt, operationError
}

// Refund credits back the exact amount of a prior debit. Refunding the same
// transaction again returns the first refund with AlreadyRefunded set.
func (service *Service) Refund(ctx context.Context, accountID AccountID, originalID TransactionID, reason string) (RefundReceipt, error) {
	var (
		result RefundReceipt
		amount Credits
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindRefund(ctx, accountID, originalID)
		if err != nil {
			return err
		}
		if found {
			balance, err := transactionStore.Balance(ctx, accountID)
			if err != nil {
				return err
			}
			result = RefundReceipt{Receipt: Receipt{TransactionID: existing.ID, Balance: balance}, AlreadyRefunded: true}
			amount = Credits(existing.Amount)
			return nil
		}
		original, err := transactionStore.GetTransaction(ctx, accountID, originalID)
		if err != nil {
			return err
		}
		if original.Amount >= 0 || original.Type == TransactionRefund {
			return fmt.Errorf("%w: %s is a %s of %d", ErrNotRefundable, originalID.String(), original.Type, original.Amount)
		}
		amount = Credits(-original.Amount)
		if err := transactionStore.Increment(ctx, accountID, amount); err != nil {
			return err
		}
		balance, err := transactionStore.Balance(ctx, accountID)
		if err != nil {
			return err
		}
		request := MutationRequest{
			AccountID:   accountID,
			Amount:      amount,
			Description: refundDescriptionPrefix + originalID.String(),
			Metadata: RefundMetadata{
				OriginalTransactionID: originalID.String(),
				OriginalType:          original.Type,
				Reason:                reason,
			},
		}
		refundOf := originalID
		transaction, err := transactionStore.InsertTransaction(ctx, service.newInput(request, amount.Int64(), balance, &refundOf))
		if err != nil {
			return err
		}
		result = RefundReceipt{Receipt: Receipt{TransactionID: transaction.ID, Balance: balance}}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateRefund) {
		// A concurrent refund won the unique refund_of constraint.
		existing, found, err := service.store.FindRefund(ctx, accountID, originalID)
		if err == nil && found {
			balance, balanceErr := service.store.Balance(ctx, accountID)
			if balanceErr == nil {
				result = RefundReceipt{Receipt: Receipt{TransactionID: existing.ID, Balance: balance}, AlreadyRefunded: true}
				amount = Credits(existing.Amount)
				operationError = nil
			}
		}
	}
	status := ""
	if operationError == nil && result.AlreadyRefunded {
		status = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operationRefund,
		AccountID:       accountID,
		TransactionType: TransactionRefund,
		Amount:          amount,
		TransactionID:   result.TransactionID,
		Balance:         result.Balance,
		Status:          status,
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) newInput(request MutationRequest, amount int64, balanceAfter Credits, refundOf *TransactionID) TransactionInput {
	return TransactionInput{
		AccountID:      request.AccountID,
		Type:           request.Metadata.TransactionType(),
		Amount:         amount,
		BalanceAfter:   balanceAfter,
		Description:    request.Description,
		Metadata:       request.Metadata,
		IdempotencyKey: request.IdempotencyKey,
		RefundOf:       refundOf,
		CreatedAt:      service.nowFn().UTC(),
	}
}

func (service *Service) logMutation(ctx context.Context, operation string, request MutationRequest, receipt Receipt, operationError error) {
	var transactionType TransactionType
	if request.Metadata != nil {
		transactionType = request.Metadata.TransactionType()
	}
	service.logOperation(ctx, OperationLog{
		Operation:       operation,
		AccountID:       request.AccountID,
		TransactionType: transactionType,
		Amount:          request.Amount,
		TransactionID:   receipt.TransactionID,
		Balance:         receipt.Balance,
		IdempotencyKey:  request.IdempotencyKey,
		Error:           operationError,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateMutation(request MutationRequest, allowed map[TransactionType]bool, requirePositive bool) error {
	if request.AccountID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if request.Metadata == nil {
		return fmt.Errorf("%w: nil metadata", ErrInvalidMetadata)
	}
	if !allowed[request.Metadata.TransactionType()] {
		return fmt.Errorf("%w: %s not allowed here", ErrInvalidTransactionType, request.Metadata.TransactionType())
	}
	if request.Amount < 0 || (requirePositive && request.Amount == 0) {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, request.Amount)
	}
	return nil
}
