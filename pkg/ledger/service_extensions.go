package ledger

import (
	"context"
	"fmt"
)

// Balance returns the current balance, creating an empty account on first use.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Credits, error) {
	if err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return service.store.Balance(ctx, accountID)
}

// ListTransactions lists the transaction log of an account.
func (service *Service) ListTransactions(ctx context.Context, accountID AccountID, query ListQuery) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, accountID, query)
}

// VerifyIntegrity replays the log from zero and checks every balance_after
// and the final balance against the stored one.
func (service *Service) VerifyIntegrity(ctx context.Context, accountID AccountID) error {
	transactions, err := service.store.ListTransactions(ctx, accountID, ListQuery{Ascending: true})
	if err != nil {
		return err
	}
	var running int64
	for _, transaction := range transactions {
		running += transaction.Amount
		if running != transaction.BalanceAfter.Int64() {
			return fmt.Errorf("%w: transaction %s records %d, replay gives %d", ErrLedgerMismatch, transaction.ID.String(), transaction.BalanceAfter, running)
		}
	}
	balance, err := service.store.Balance(ctx, accountID)
	if err != nil {
		return err
	}
	if balance.Int64() != running {
		return fmt.Errorf("%w: balance %d, replay gives %d", ErrLedgerMismatch, balance, running)
	}
	return nil
}
