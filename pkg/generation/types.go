package generation

import (
	"context"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (status Status) IsTerminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// Kind distinguishes how a generation was paid for.
type Kind string

const (
	KindStandard    Kind = "standard"
	KindImprovement Kind = "improvement"
	KindFeedback    Kind = "feedback"
)

// Input holds the parameters handed to the provider.
type Input struct {
	Prompt          string         `json:"prompt"`
	ReferenceImages []string       `json:"reference_images,omitempty"`
	Edits           []pricing.Edit `json:"edits,omitempty"`
	Instructions    string         `json:"instructions,omitempty"`
	FeedbackReason  string         `json:"feedback_reason,omitempty"`
}

// Output is recorded when a generation completes.
type Output struct {
	ResultID string `json:"result_id"`
	ImageURL string `json:"image_url"`
}

// Generation is one tracked request to the image provider.
type Generation struct {
	ID                 string
	AccountID          ledger.AccountID
	ToolID             string
	Kind               Kind
	Status             Status
	Input              Input
	Output             *Output
	CreditsUsed        ledger.Credits
	DebitTransactionID ledger.TransactionID
	ParentResultID     string
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// Result is the watermarked preview produced by a completed generation. The
// clean payload is stored alongside it but never exposed here.
type Result struct {
	ID              string
	GenerationID    string
	AccountID       ledger.AccountID
	ImageURL        string
	ContentType     string
	HasCleanPayload bool
	IsPurchased     bool
	PurchaseBucket  string
	PurchasePath    string
	PurchaseURL     string
	PurchasedAt     *time.Time
	CreatedAt       time.Time
}

// Transition carries the fields written alongside a status change.
type Transition struct {
	Output        *Output
	FailureReason string
	At            time.Time
}

// Store persists generations and their results.
type Store interface {
	CreateGeneration(ctx context.Context, generation Generation) error
	GetGeneration(ctx context.Context, generationID string) (Generation, error)
	// TransitionStatus applies the change only while the row is still in from.
	TransitionStatus(ctx context.Context, generationID string, from Status, to Status, transition Transition) (bool, error)
	CreateResult(ctx context.Context, result Result, cleanPayload []byte) error
	GetResult(ctx context.Context, resultID string) (Result, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]Generation, error)
}

// Ledger is the part of the credit ledger the lifecycle needs.
type Ledger interface {
	Debit(ctx context.Context, request ledger.MutationRequest) (ledger.Receipt, error)
	Refund(ctx context.Context, accountID ledger.AccountID, originalID ledger.TransactionID, reason string) (ledger.RefundReceipt, error)
}

// Pricer prices an operation.
type Pricer interface {
	Resolve(ctx context.Context, accountID ledger.AccountID, spec pricing.OperationSpec) pricing.CostBreakdown
}

// ProviderRequest is what the image provider receives.
type ProviderRequest struct {
	ToolID          string
	Prompt          string
	ReferenceImages []string
	Edits           []pricing.Edit
}

// Image is raw image bytes.
type Image struct {
	Data        []byte
	ContentType string
}

// Provider produces images. Errors implementing Retryable() bool are retried
// when it reports true.
type Provider interface {
	Generate(ctx context.Context, request ProviderRequest) (Image, error)
}

// Watermarker produces the preview shown before purchase.
type Watermarker interface {
	Watermark(ctx context.Context, image Image) (Image, error)
}

// AssetStore persists a buffer under path and returns its public URL.
type AssetStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// DailyCounter enforces a per-account, per-day cap. Increment reports false
// without counting when the cap is already reached.
type DailyCounter interface {
	Increment(ctx context.Context, accountID ledger.AccountID, day string, limit int) (bool, error)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// StartRequest starts a paid generation.
type StartRequest struct {
	AccountID ledger.AccountID
	ToolID    string
	Input     Input
}

// ImproveRequest starts a paid regeneration of an existing result.
type ImproveRequest struct {
	AccountID    ledger.AccountID
	GenerationID string
	ResultID     string
	Instructions string
}

// FeedbackRequest starts a free, rate-limited regeneration.
type FeedbackRequest struct {
	AccountID    ledger.AccountID
	GenerationID string
	Reason       string
}

// Event is the payload published on lifecycle changes.
type Event struct {
	GenerationID string         `json:"generation_id"`
	AccountID    string         `json:"account_id"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status"`
	CreditsUsed  ledger.Credits `json:"credits_used"`
	ResultID     string         `json:"result_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// ContentExtension maps an image content type to a file extension.
func ContentExtension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
