// Package generation drives image generations through their lifecycle,
// debiting before work starts and refunding when it cannot finish.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultFeedbackDailyLimit = 3
	DefaultProviderTimeout    = 90 * time.Second
	DefaultSweepBatch         = 100

	dayLayout = "2006-01-02"

	subjectStarted   = "generation.started"
	subjectCompleted = "generation.completed"
	subjectFailed    = "generation.failed"
)

// Config tunes the manager.
type Config struct {
	FeedbackDailyLimit int
	ProviderRetry      retry.Policy
	StorageRetry       retry.Policy
	CompensationRetry  retry.Policy
	SweepBatch         int
	// CompletionDeadline is how long after being claimed an execution may
	// still complete. It must stay below the sweep cutoff. Zero disables it.
	CompletionDeadline time.Duration
}

// DefaultConfig mirrors production settings.
func DefaultConfig() Config {
	providerRetry := retry.DefaultPolicy()
	providerRetry.AttemptTimeout = DefaultProviderTimeout
	providerRetry.Retryable = IsRetryable
	return Config{
		FeedbackDailyLimit: DefaultFeedbackDailyLimit,
		ProviderRetry:      providerRetry,
		StorageRetry:       retry.DefaultPolicy(),
		CompensationRetry:  retry.DefaultPolicy(),
		SweepBatch:         DefaultSweepBatch,
	}
}

// Dependencies are the collaborators of a Manager. Publisher and Logger may be nil.
type Dependencies struct {
	Store       Store
	Ledger      Ledger
	Pricer      Pricer
	Provider    Provider
	Watermarker Watermarker
	Assets      AssetStore
	Counter     DailyCounter
	Dispatcher  Dispatcher
	Publisher   Publisher
	Logger      *zap.Logger
	Clock       func() time.Time
	NewID       func() string
}

// Manager owns the generation state machine.
type Manager struct {
	store       Store
	ledger      Ledger
	pricer      Pricer
	provider    Provider
	watermarker Watermarker
	assets      AssetStore
	counter     DailyCounter
	dispatcher  Dispatcher
	publisher   Publisher
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
	config      Config
}

// NewManager validates dependencies and builds a Manager.
func NewManager(dependencies Dependencies, config Config) (*Manager, error) {
	switch {
	case dependencies.Store == nil:
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	case dependencies.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case dependencies.Pricer == nil:
		return nil, fmt.Errorf("%w: pricer is nil", ErrInvalidConfig)
	case dependencies.Provider == nil:
		return nil, fmt.Errorf("%w: provider is nil", ErrInvalidConfig)
	case dependencies.Watermarker == nil:
		return nil, fmt.Errorf("%w: watermarker is nil", ErrInvalidConfig)
	case dependencies.Assets == nil:
		return nil, fmt.Errorf("%w: asset store is nil", ErrInvalidConfig)
	case dependencies.Counter == nil:
		return nil, fmt.Errorf("%w: daily counter is nil", ErrInvalidConfig)
	}
	if config.FeedbackDailyLimit <= 0 {
		config.FeedbackDailyLimit = DefaultFeedbackDailyLimit
	}
	if config.SweepBatch <= 0 {
		config.SweepBatch = DefaultSweepBatch
	}
	if config.ProviderRetry.Retryable == nil {
		config.ProviderRetry.Retryable = IsRetryable
	}
	manager := &Manager{
		store:       dependencies.Store,
		ledger:      dependencies.Ledger,
		pricer:      dependencies.Pricer,
		provider:    dependencies.Provider,
		watermarker: dependencies.Watermarker,
		assets:      dependencies.Assets,
		counter:     dependencies.Counter,
		dispatcher:  dependencies.Dispatcher,
		publisher:   dependencies.Publisher,
		logger:      dependencies.Logger,
		now:         dependencies.Clock,
		newID:       dependencies.NewID,
		config:      config,
	}
	if manager.dispatcher == nil {
		manager.dispatcher = InlineDispatcher{}
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.now == nil {
		manager.now = time.Now
	}
	if manager.newID == nil {
		manager.newID = func() string { return uuid.NewString() }
	}
	return manager, nil
}

// Start prices and debits a new generation, records it as pending, and
// dispatches execution.
func (manager *Manager) Start(ctx context.Context, request StartRequest) (Generation, error) {
	if request.AccountID.String() == "" {
		return Generation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, ledger.ErrInvalidAccountID)
	}
	toolID := strings.TrimSpace(request.ToolID)
	if toolID == "" {
		return Generation{}, fmt.Errorf("%w: tool id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Input.Prompt) == "" {
		return Generation{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	cost := manager.pricer.Resolve(ctx, request.AccountID, pricing.OperationSpec{
		Kind:  pricing.OperationGeneration,
		Edits: request.Input.Edits,
	})
	edits := make([]string, 0, len(cost.Edits))
	for _, edit := range cost.SortedEdits() {
		edits = append(edits, string(edit))
	}
	pending := Generation{
		ID:        manager.newID(),
		AccountID: request.AccountID,
		ToolID:    toolID,
		Kind:      KindStandard,
		Input:     request.Input,
	}
	return manager.debitAndCreate(ctx, pending, cost.Total, ledger.GenerationMetadata{ToolID: toolID, Edits: edits}, "generation with "+toolID)
}

// Improve starts a paid regeneration that references an existing result.
func (manager *Manager) Improve(ctx context.Context, request ImproveRequest) (Generation, error) {
	original, err := manager.Get(ctx, request.AccountID, request.GenerationID)
	if err != nil {
		return Generation{}, err
	}
	resultID := strings.TrimSpace(request.ResultID)
	if resultID == "" {
		if original.Output == nil {
			return Generation{}, ErrNotCompleted
		}
		resultID = original.Output.ResultID
	}
	result, err := manager.store.GetResult(ctx, resultID)
	if err != nil {
		return Generation{}, err
	}
	if result.GenerationID != original.ID {
		return Generation{}, ErrResultNotFound
	}
	if result.AccountID != request.AccountID {
		return Generation{}, ErrForbidden
	}

	cost := manager.pricer.Resolve(ctx, request.AccountID, pricing.OperationSpec{Kind: pricing.OperationImprovement})
	input := original.Input
	input.Instructions = strings.TrimSpace(request.Instructions)
	input.FeedbackReason = ""
	pending := Generation{
		ID:             manager.newID(),
		AccountID:      request.AccountID,
		ToolID:         original.ToolID,
		Kind:           KindImprovement,
		Input:          input,
		ParentResultID: result.ID,
	}
	metadata := ledger.ImprovementMetadata{SourceGenerationID: original.ID, SourceResultID: result.ID}
	return manager.debitAndCreate(ctx, pending, cost.Total, metadata, "improvement of "+result.ID)
}

// FeedbackRegenerate starts a free regeneration, limited per account and UTC day.
func (manager *Manager) FeedbackRegenerate(ctx context.Context, request FeedbackRequest) (Generation, error) {
	original, err := manager.Get(ctx, request.AccountID, request.GenerationID)
	if err != nil {
		return Generation{}, err
	}
	day := manager.now().UTC().Format(dayLayout)
	allowed, err := manager.counter.Increment(ctx, request.AccountID, day, manager.config.FeedbackDailyLimit)
	if err != nil {
		return Generation{}, err
	}
	if !allowed {
		return Generation{}, ErrDailyLimitReached
	}

	input := original.Input
	input.FeedbackReason = strings.TrimSpace(request.Reason)
	pending := Generation{
		ID:        manager.newID(),
		AccountID: request.AccountID,
		ToolID:    original.ToolID,
		Kind:      KindFeedback,
		Input:     input,
	}
	if original.Output != nil {
		pending.ParentResultID = original.Output.ResultID
	}
	return manager.debitAndCreate(ctx, pending, 0, nil, "")
}

// Get returns a generation owned by accountID.
func (manager *Manager) Get(ctx context.Context, accountID ledger.AccountID, generationID string) (Generation, error) {
	generation, err := manager.store.GetGeneration(ctx, strings.TrimSpace(generationID))
	if err != nil {
		return Generation{}, err
	}
	if generation.AccountID != accountID {
		return Generation{}, ErrForbidden
	}
	return generation, nil
}

func (manager *Manager) debitAndCreate(ctx context.Context, pending Generation, cost ledger.Credits, metadata ledger.Metadata, description string) (Generation, error) {
	if cost > 0 {
		receipt, err := manager.ledger.Debit(ctx, ledger.MutationRequest{
			AccountID:   pending.AccountID,
			Amount:      cost,
			Metadata:    metadata,
			Description: description,
		})
		if err != nil {
			return Generation{}, err
		}
		pending.DebitTransactionID = receipt.TransactionID
	}
	createdAt := manager.now().UTC()
	pending.Status = StatusPending
	pending.CreditsUsed = cost
	pending.CreatedAt = createdAt
	pending.UpdatedAt = createdAt

	if err := manager.store.CreateGeneration(ctx, pending); err != nil {
		if pending.DebitTransactionID.IsZero() {
			return Generation{}, err
		}
		return Generation{}, manager.compensate(ctx, pending, err)
	}

	manager.publish(ctx, subjectStarted, pending, "")
	generationID := pending.ID
	manager.dispatcher.Dispatch(ctx, func(runCtx context.Context) {
		if err := manager.Execute(runCtx, generationID); err != nil {
			manager.logger.Warn("generation execution ended with error",
				zap.String("generation_id", generationID),
				zap.Error(err),
			)
		}
	})
	return pending, nil
}

func (manager *Manager) compensate(ctx context.Context, pending Generation, cause error) error {
	compensated := CompensatedError{Cause: cause, DebitTransactionID: pending.DebitTransactionID}
	refundCtx := context.WithoutCancel(ctx)
	receipt, err := retry.Do(refundCtx, manager.config.CompensationRetry, func(ctx context.Context) (ledger.RefundReceipt, error) {
		return manager.ledger.Refund(ctx, pending.AccountID, pending.DebitTransactionID, "generation could not be recorded")
	})
	if err != nil {
		compensated.RefundErr = err
		manager.logger.Error("compensating refund failed",
			zap.String("account_id", pending.AccountID.String()),
			zap.String("debit_transaction_id", pending.DebitTransactionID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return compensated
	}
	compensated.RefundTransactionID = receipt.TransactionID
	manager.logger.Warn("generation create failed, debit refunded",
		zap.String("account_id", pending.AccountID.String()),
		zap.String("debit_transaction_id", pending.DebitTransactionID.String()),
		zap.Error(cause),
	)
	return compensated
}

func (manager *Manager) publish(ctx context.Context, subject string, generation Generation, reason string) {
	if manager.publisher == nil {
		return
	}
	event := Event{
		GenerationID: generation.ID,
		AccountID:    generation.AccountID.String(),
		Kind:         generation.Kind,
		Status:       generation.Status,
		CreditsUsed:  generation.CreditsUsed,
		Reason:       reason,
	}
	if generation.Output != nil {
		event.ResultID = generation.Output.ResultID
	}
	if err := manager.publisher.Publish(ctx, subject, event); err != nil {
		manager.logger.Warn("generation event not published", zap.String("subject", subject), zap.Error(err))
	}
}

// IsExpected reports whether err is a normal business outcome of this package
// or the ledger.
func IsExpected(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrResultNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrDailyLimitReached) ||
		errors.Is(err, ErrNotCompleted) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ledger.ErrInsufficientCredits)
}
