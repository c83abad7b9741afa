package ledger

import (
	"encoding/json"
	"fmt"
)

// Metadata is the closed set of per-type transaction payloads.
type Metadata interface {
	TransactionType() TransactionType
}

// GenerationMetadata accompanies a debit for a new generation.
type GenerationMetadata struct {
	ToolID string   `json:"tool_id"`
	Edits  []string `json:"edits,omitempty"`
}

// ImprovementMetadata accompanies a paid regeneration.
type ImprovementMetadata struct {
	SourceGenerationID string `json:"source_generation_id"`
	SourceResultID     string `json:"source_result_id"`
}

// RefundMetadata references the debit being reversed.
type RefundMetadata struct {
	OriginalTransactionID string          `json:"original_transaction_id"`
	OriginalType          TransactionType `json:"original_type"`
	Reason                string          `json:"reason,omitempty"`
}

// PurchaseMetadata accompanies a paid clean-asset download.
type PurchaseMetadata struct {
	ResultID string `json:"result_id"`
}

// SubscriptionRechargeMetadata accompanies the periodic absolute reset.
type SubscriptionRechargeMetadata struct {
	PlanSlug               string `json:"plan_slug"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	InvoiceID              string `json:"invoice_id,omitempty"`
	EventID                string `json:"event_id,omitempty"`
}

// SubscriptionGrantMetadata accompanies the additive top-up on subscription creation.
type SubscriptionGrantMetadata struct {
	PlanSlug               string `json:"plan_slug"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	EventID                string `json:"event_id,omitempty"`
}

// BonusMetadata accompanies promotional credits.
type BonusMetadata struct {
	Reason string `json:"reason"`
}

// AdjustmentMetadata accompanies operator corrections.
type AdjustmentMetadata struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator,omitempty"`
}

func (GenerationMetadata) TransactionType() TransactionType  { return TransactionGeneration }
func (ImprovementMetadata) TransactionType() TransactionType { return TransactionImprovement }
func (RefundMetadata) TransactionType() TransactionType      { return TransactionRefund }
func (PurchaseMetadata) TransactionType() TransactionType    { return TransactionPurchase }
func (SubscriptionRechargeMetadata) TransactionType() TransactionType {
	return TransactionSubscriptionRecharge
}
func (SubscriptionGrantMetadata) TransactionType() TransactionType {
	return TransactionSubscriptionGrant
}
func (BonusMetadata) TransactionType() TransactionType      { return TransactionBonus }
func (AdjustmentMetadata) TransactionType() TransactionType { return TransactionAdjustment }

// EncodeMetadata serializes a payload for storage.
func EncodeMetadata(metadata Metadata) ([]byte, error) {
	if metadata == nil {
		return nil, fmt.Errorf("%w: nil metadata", ErrInvalidMetadata)
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return raw, nil
}

// DecodeMetadata restores the payload variant that belongs to transactionType.
func DecodeMetadata(transactionType TransactionType, raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var (
		metadata Metadata
		err      error
	)
	switch transactionType {
	case TransactionGeneration:
		metadata, err = decodeInto[GenerationMetadata](raw)
	case TransactionImprovement:
		metadata, err = decodeInto[ImprovementMetadata](raw)
	case TransactionRefund:
		metadata, err = decodeInto[RefundMetadata](raw)
	case TransactionPurchase:
		metadata, err = decodeInto[PurchaseMetadata](raw)
	case TransactionSubscriptionRecharge:
		metadata, err = decodeInto[SubscriptionRechargeMetadata](raw)
	case TransactionSubscriptionGrant:
		metadata, err = decodeInto[SubscriptionGrantMetadata](raw)
	case TransactionBonus:
		metadata, err = decodeInto[BonusMetadata](raw)
	case TransactionAdjustment:
		metadata, err = decodeInto[AdjustmentMetadata](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransactionType, transactionType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return metadata, nil
}

func decodeInto[T Metadata](raw []byte) (Metadata, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
