// Package download turns a watermarked generation result into a purchased
// clean asset exactly once.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound          = errors.New("result not found")
	ErrForbidden         = errors.New("result belongs to another account")
	ErrMissingCleanAsset = errors.New("clean asset missing, regenerate the image")
	ErrInvalidConfig     = errors.New("invalid download finalizer config")
)

const cacheBustParam = "v"

// Purchase is written when a result flips to purchased.
type Purchase struct {
	Bucket string
	Path   string
	URL    string
	At     time.Time
}

// Record is the download history row.
type Record struct {
	ID             string
	ResultID       string
	AccountID      ledger.AccountID
	CreditsCharged ledger.Credits
	TransactionID  ledger.TransactionID
	ImageURL       string
	CreatedAt      time.Time
}

// Store persists purchase state.
type Store interface {
	GetResult(ctx context.Context, resultID string) (generation.Result, error)
	CleanPayload(ctx context.Context, resultID string) ([]byte, error)
	// MarkPurchased flips is_purchased only while it is still false and clears
	// the clean payload. It reports whether this call made the change.
	MarkPurchased(ctx context.Context, resultID string, purchase Purchase) (bool, error)
	RecordDownload(ctx context.Context, record Record) error
}

// Ledger is the part of the credit ledger a purchase needs.
type Ledger interface {
	Debit(ctx context.Context, request ledger.MutationRequest) (ledger.Receipt, error)
	Refund(ctx context.Context, accountID ledger.AccountID, originalID ledger.TransactionID, reason string) (ledger.RefundReceipt, error)
}

// Pricer prices the download.
type Pricer interface {
	Resolve(ctx context.Context, accountID ledger.AccountID, spec pricing.OperationSpec) pricing.CostBreakdown
}

// AssetStore persists purchased assets. Implementations may also expose
// Bucket() string, which is stored with the purchase.
type AssetStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type bucketNamer interface {
	Bucket() string
}

// Receipt is what the caller receives.
type Receipt struct {
	ImageURL         string
	AlreadyPurchased bool
}

// Finalizer converts previews into purchased assets.
type Finalizer struct {
	store        Store
	ledger       Ledger
	pricer       Pricer
	assets       AssetStore
	storageRetry retry.Policy
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithStorageRetry overrides the retry policy of the asset write.
func WithStorageRetry(policy retry.Policy) Option {
	return func(finalizer *Finalizer) {
		finalizer.storageRetry = policy
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(finalizer *Finalizer) {
		if logger != nil {
			finalizer.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(finalizer *Finalizer) {
		if now != nil {
			finalizer.now = now
		}
	}
}

// NewFinalizer builds a Finalizer.
func NewFinalizer(store Store, ledgerService Ledger, pricer Pricer, assets AssetStore, options ...Option) (*Finalizer, error) {
	if store == nil || ledgerService == nil || pricer == nil || assets == nil {
		return nil, fmt.Errorf("%w: store, ledger, pricer and asset store are required", ErrInvalidConfig)
	}
	finalizer := &Finalizer{
		store:        store,
		ledger:       ledgerService,
		pricer:       pricer,
		assets:       assets,
		storageRetry: retry.DefaultPolicy(),
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(finalizer)
		}
	}
	return finalizer, nil
}

// FinalizeDownload returns the purchased asset URL of resultID, purchasing it
// on the first call.
func (finalizer *Finalizer) FinalizeDownload(ctx context.Context, resultID string, accountID ledger.AccountID) (Receipt, error) {
	resultID = strings.TrimSpace(resultID)
	result, err := finalizer.loadOwned(ctx, resultID, accountID)
	if err != nil {
		return Receipt{}, err
	}
	if result.IsPurchased {
		return purchasedReceipt(result), nil
	}

	payload, err := finalizer.store.CleanPayload(ctx, resultID)
	if err != nil {
		return Receipt{}, err
	}
	if len(payload) == 0 {
		return Receipt{}, ErrMissingCleanAsset
	}

	cost := finalizer.pricer.Resolve(ctx, accountID, pricing.OperationSpec{Kind: pricing.OperationDownload})
	var debit ledger.Receipt
	if cost.Total > 0 {
		debit, err = finalizer.ledger.Debit(ctx, ledger.MutationRequest{
			AccountID:   accountID,
			Amount:      cost.Total,
			Metadata:    ledger.PurchaseMetadata{ResultID: resultID},
			Description: "download of " + resultID,
		})
		if err != nil {
			return Receipt{}, err
		}
	}

	path := fmt.Sprintf("purchased/%s/%s.%s", accountID.String(), resultID, generation.ContentExtension(result.ContentType))
	imageURL, err := retry.Do(ctx, finalizer.storageRetry, func(ctx context.Context) (string, error) {
		return finalizer.assets.Put(ctx, path, payload, result.ContentType)
	})
	if err != nil {
		finalizer.refund(ctx, accountID, debit.TransactionID, "clean asset could not be stored")
		return Receipt{}, err
	}

	purchase := Purchase{Path: path, URL: imageURL, At: finalizer.now().UTC().Truncate(time.Second)}
	if named, ok := finalizer.assets.(bucketNamer); ok {
		purchase.Bucket = named.Bucket()
	}
	won, err := finalizer.store.MarkPurchased(ctx, resultID, purchase)
	if err != nil {
		finalizer.refund(ctx, accountID, debit.TransactionID, "purchase could not be recorded")
		return Receipt{}, err
	}
	if !won {
		finalizer.refund(ctx, accountID, debit.TransactionID, "result purchased by a concurrent request")
		winner, err := finalizer.store.GetResult(ctx, resultID)
		if err != nil {
			return Receipt{}, err
		}
		return purchasedReceipt(winner), nil
	}

	record := Record{
		ID:             uuid.NewString(),
		ResultID:       resultID,
		AccountID:      accountID,
		CreditsCharged: cost.Total,
		TransactionID:  debit.TransactionID,
		ImageURL:       imageURL,
		CreatedAt:      purchase.At,
	}
	if err := finalizer.store.RecordDownload(ctx, record); err != nil {
		finalizer.logger.Warn("download record not written",
			zap.String("result_id", resultID),
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
	}
	return Receipt{ImageURL: cacheBusted(imageURL, purchase.At)}, nil
}

func (finalizer *Finalizer) loadOwned(ctx context.Context, resultID string, accountID ledger.AccountID) (generation.Result, error) {
	if resultID == "" {
		return generation.Result{}, ErrNotFound
	}
	result, err := finalizer.store.GetResult(ctx, resultID)
	if errors.Is(err, generation.ErrResultNotFound) {
		return generation.Result{}, ErrNotFound
	}
	if err != nil {
		return generation.Result{}, err
	}
	if result.AccountID != accountID {
		return generation.Result{}, ErrForbidden
	}
	return result, nil
}

func (finalizer *Finalizer) refund(ctx context.Context, accountID ledger.AccountID, transactionID ledger.TransactionID, reason string) {
	if transactionID.IsZero() {
		return
	}
	refundCtx := context.WithoutCancel(ctx)
	_, err := retry.Do(refundCtx, retry.DefaultPolicy(), func(ctx context.Context) (ledger.RefundReceipt, error) {
		return finalizer.ledger.Refund(ctx, accountID, transactionID, reason)
	})
	if err != nil {
		finalizer.logger.Error("download refund failed",
			zap.String("account_id", accountID.String()),
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err),
		)
	}
}

func purchasedReceipt(result generation.Result) Receipt {
	purchasedAt := time.Time{}
	if result.PurchasedAt != nil {
		purchasedAt = *result.PurchasedAt
	}
	return Receipt{ImageURL: cacheBusted(result.PurchaseURL, purchasedAt), AlreadyPurchased: true}
}

func cacheBusted(rawURL string, purchasedAt time.Time) string {
	version := strconv.FormatInt(purchasedAt.Unix(), 10)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		separator := "?"
		if strings.Contains(rawURL, "?") {
			separator = "&"
		}
		return rawURL + separator + cacheBustParam + "=" + version
	}
	query := parsed.Query()
	query.Set(cacheBustParam, version)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
