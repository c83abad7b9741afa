package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"go.uber.org/zap"
)

const idempotencyKeyPrefix = "webhook:"

// OutcomeStatus summarizes how an event was handled.
type OutcomeStatus string

const (
	OutcomeProcessed OutcomeStatus = "processed"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeIgnored   OutcomeStatus = "ignored"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome reports the handling of one event. Err is set for OutcomeFailed.
type Outcome struct {
	EventID string
	Type    EventType
	Status  OutcomeStatus
	Note    string
	Err     error
}

// Processor verifies, records and reduces webhook events.
type Processor struct {
	verifier  Verifier
	store     Store
	ledger    Ledger
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithPublisher emits billing.<event type> after each processed event.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(processor *Processor) {
		processor.publisher = publisher
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ProcessorOption {
	return func(processor *Processor) {
		if now != nil {
			processor.now = now
		}
	}
}

// NewProcessor builds a Processor.
func NewProcessor(verifier Verifier, store Store, ledgerService Ledger, options ...ProcessorOption) (*Processor, error) {
	if verifier == nil || store == nil || ledgerService == nil {
		return nil, fmt.Errorf("%w: verifier, store and ledger are required", ErrInvalidConfig)
	}
	processor := &Processor{
		verifier: verifier,
		store:    store,
		ledger:   ledgerService,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// HandleWebhook verifies the signature before anything else. It returns an
// error only for ErrInvalidSignature and ErrMalformedEvent; failures of the
// event's handler are recorded on the event row and reported in the Outcome.
func (processor *Processor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	envelope, err := processor.verifier.Verify(payload, signatureHeader)
	if err != nil {
		return Outcome{}, err
	}
	event, err := DecodeEvent(envelope)
	if err != nil {
		return Outcome{}, err
	}
	return processor.Process(ctx, event, payload), nil
}

// Process records event, skips it when already processed, and otherwise
// applies its reduction.
func (processor *Processor) Process(ctx context.Context, event Event, payload []byte) Outcome {
	outcome := Outcome{EventID: event.ID, Type: event.Type}
	record, err := processor.store.RecordEvent(ctx, EventRecord{
		ID:        event.ID,
		Provider:  ProviderStripe,
		Type:      string(event.Type),
		Payload:   payload,
		CreatedAt: processor.now().UTC(),
	})
	if err != nil {
		return processor.failed(ctx, outcome, err, false)
	}
	if record.ProcessedAt != nil {
		outcome.Status = OutcomeDuplicate
		processor.logger.Info("webhook event already processed", zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
		return outcome
	}

	reducer, known := ReducerFor(event.Type)
	if !known {
		outcome.Status = OutcomeIgnored
		outcome.Note = "unhandled event type"
		if err := processor.store.MarkEventProcessed(ctx, event.ID, processor.now().UTC()); err != nil {
			return processor.failed(ctx, outcome, err, false)
		}
		return outcome
	}

	snapshot, err := processor.loadSnapshot(ctx, event)
	if err != nil {
		return processor.failed(ctx, outcome, err, true)
	}
	reduction, err := reducer(snapshot, event)
	if err != nil {
		return processor.failed(ctx, outcome, err, true)
	}
	outcome.Note = reduction.Note

	// The ledger command goes first: it is keyed by event id, so a replay
	// after a failed state write re-applies it as a no-op.
	if reduction.Command != nil {
		if err := processor.applyCommand(ctx, event, *reduction.Command); err != nil {
			return processor.failed(ctx, outcome, err, true)
		}
	}
	if reduction.Subscription != nil || reduction.BillingAccount != nil {
		if err := processor.store.ApplyReduction(ctx, reduction); err != nil {
			return processor.failed(ctx, outcome, err, true)
		}
	}
	if err := processor.store.MarkEventProcessed(ctx, event.ID, processor.now().UTC()); err != nil {
		return processor.failed(ctx, outcome, err, false)
	}

	outcome.Status = OutcomeProcessed
	processor.logger.Info("webhook event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("account_id", snapshot.AccountID.String()),
		zap.String("note", reduction.Note),
	)
	processor.publish(ctx, event, snapshot.AccountID)
	return outcome
}

// Replay re-runs stored events that were never marked processed.
func (processor *Processor) Replay(ctx context.Context, limit int) ([]Outcome, error) {
	records, err := processor.store.ListPendingEvents(ctx, limit)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(records))
	for _, record := range records {
		envelope, err := ParseEnvelope(record.Payload)
		if err == nil {
			var event Event
			event, err = DecodeEvent(envelope)
			if err == nil {
				outcomes = append(outcomes, processor.Process(ctx, event, record.Payload))
				continue
			}
		}
		outcome := Outcome{EventID: record.ID, Type: EventType(record.Type)}
		outcomes = append(outcomes, processor.failed(ctx, outcome, err, true))
	}
	return outcomes, nil
}

func (processor *Processor) loadSnapshot(ctx context.Context, event Event) (Snapshot, error) {
	var (
		snapshot       Snapshot
		rawAccountID   string
		customerID     string
		subscriptionID string
		priceID        string
	)
	switch {
	case event.Checkout != nil:
		rawAccountID = event.Checkout.AccountID
		customerID = event.Checkout.CustomerID
	case event.Subscription != nil:
		rawAccountID = event.Subscription.AccountID
		customerID = event.Subscription.CustomerID
		subscriptionID = event.Subscription.ID
		priceID = event.Subscription.PriceID
	case event.Invoice != nil:
		customerID = event.Invoice.CustomerID
		subscriptionID = event.Invoice.SubscriptionID
		priceID = event.Invoice.PriceID
	}

	if subscriptionID != "" {
		subscription, err := processor.store.LatestSubscription(ctx, subscriptionID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Subscription = subscription
	}

	switch {
	case rawAccountID != "":
		accountID, err := ledger.NewAccountID(rawAccountID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrUnresolvedAccount, err)
		}
		snapshot.AccountID = accountID
	case snapshot.Subscription != nil:
		snapshot.AccountID = snapshot.Subscription.AccountID
	case customerID != "":
		accountID, found, err := processor.store.AccountByCustomerID(ctx, customerID)
		if err != nil {
			return Snapshot{}, err
		}
		if found {
			snapshot.AccountID = accountID
		}
	}

	if snapshot.AccountID.String() != "" {
		account, err := processor.store.GetBillingAccount(ctx, snapshot.AccountID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.BillingAccount = account
	}

	if event.Subscription != nil && priceID != "" {
		plan, err := processor.store.PlanByPriceID(ctx, priceID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Plan = plan
	}
	if snapshot.Plan == nil && snapshot.Subscription != nil && snapshot.Subscription.PlanID != "" {
		plan, err := processor.store.PlanByID(ctx, snapshot.Subscription.PlanID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Plan = plan
	}
	if snapshot.Plan == nil && event.Subscription == nil && priceID != "" {
		plan, err := processor.store.PlanByPriceID(ctx, priceID)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Plan = plan
	}
	if event.Type == EventSubscriptionDeleted {
		freePlan, err := processor.store.FreePlan(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.FreePlan = freePlan
	}
	return snapshot, nil
}

func (processor *Processor) applyCommand(ctx context.Context, event Event, command LedgerCommand) error {
	key, err := ledger.NewIdempotencyKey(idempotencyKeyPrefix + event.ID)
	if err != nil {
		return err
	}
	request := ledger.MutationRequest{
		AccountID:      command.AccountID,
		Amount:         command.Amount,
		Metadata:       command.Metadata,
		Description:    command.Description,
		IdempotencyKey: key,
	}
	switch command.Kind {
	case CommandCredit:
		_, err = processor.ledger.Credit(ctx, request)
	case CommandSetAbsolute:
		_, err = processor.ledger.SetAbsolute(ctx, request)
	default:
		return fmt.Errorf("unknown ledger command %q", command.Kind)
	}
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		processor.logger.Info("ledger command already applied", zap.String("event_id", event.ID))
		return nil
	}
	return err
}

// failed logs and, when recordable, stores the failure on the event row.
func (processor *Processor) failed(ctx context.Context, outcome Outcome, err error, record bool) Outcome {
	outcome.Status = OutcomeFailed
	outcome.Err = err
	fields := []zap.Field{
		zap.String("event_id", outcome.EventID),
		zap.String("event_type", string(outcome.Type)),
		zap.Error(err),
	}
	if errors.Is(err, ErrUnresolvedAccount) || errors.Is(err, ErrUnknownPlan) || errors.Is(err, ErrMalformedEvent) {
		processor.logger.Warn("webhook event not applied", fields...)
	} else {
		processor.logger.Error("webhook event failed", fields...)
	}
	if record {
		if markErr := processor.store.MarkEventFailed(context.WithoutCancel(ctx), outcome.EventID, err.Error()); markErr != nil {
			processor.logger.Error("webhook failure not recorded", append(fields, zap.NamedError("record_error", markErr))...)
		}
	}
	return outcome
}

func (processor *Processor) publish(ctx context.Context, event Event, accountID ledger.AccountID) {
	if processor.publisher == nil {
		return
	}
	payload := map[string]string{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"account_id": accountID.String(),
	}
	if err := processor.publisher.Publish(ctx, "billing."+string(event.Type), payload); err != nil {
		processor.logger.Warn("billing event not published", zap.String("event_id", event.ID), zap.Error(err))
	}
}
