package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/billing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

type debitRequest struct {
	AccountID      string          `json:"accountId"`
	Amount         int64           `json:"amount"`
	Type           string          `json:"type"`
	Metadata       json.RawMessage `json:"metadata"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type debitResponse struct {
	Balance int64  `json:"balance"`
	TxID    string `json:"txId"`
}

type transactionResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balanceAfter"`
	Description  string          `json:"description,omitempty"`
	Metadata     ledger.Metadata `json:"metadata,omitempty"`
	RefundOf     string          `json:"refundOf,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type accountResponse struct {
	AccountID    string                `json:"accountId"`
	Balance      int64                 `json:"balance"`
	Transactions []transactionResponse `json:"transactions"`
}

type generationInput struct {
	Prompt          string   `json:"prompt"`
	ReferenceImages []string `json:"referenceImages"`
	Edits           []string `json:"edits"`
}

type startGenerationRequest struct {
	AccountID string          `json:"accountId"`
	ToolID    string          `json:"toolId"`
	Input     generationInput `json:"input"`
}

type improveGenerationRequest struct {
	AccountID    string `json:"accountId"`
	ResultID     string `json:"resultId"`
	Instructions string `json:"instructions"`
}

type feedbackRegenerateRequest struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

type generationCreatedResponse struct {
	GenerationID string `json:"generationId"`
	CreditsUsed  int64  `json:"creditsUsed"`
	Status       string `json:"status"`
}

type generationResponse struct {
	GenerationID   string     `json:"generationId"`
	ToolID         string     `json:"toolId"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	CreditsUsed    int64      `json:"creditsUsed"`
	ResultID       string     `json:"resultId,omitempty"`
	ImageURL       string     `json:"imageUrl,omitempty"`
	ParentResultID string     `json:"parentResultId,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type downloadRequest struct {
	AccountID string `json:"accountId"`
}

type downloadResponse struct {
	ImageURL         string `json:"imageUrl"`
	AlreadyPurchased bool   `json:"alreadyPurchased"`
}

func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	var request debitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	accountID, ok := handler.accountFrom(ctx, request.AccountID)
	if !ok {
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactionType, err := ledger.ParseTransactionType(request.Type)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := ledger.DecodeMetadata(transactionType, request.Metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	mutation := ledger.MutationRequest{
		AccountID:   accountID,
		Amount:      amount,
		Metadata:    metadata,
		Description: strings.TrimSpace(request.Description),
	}
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, keyErr := ledger.NewIdempotencyKey(request.IdempotencyKey)
		if keyErr != nil {
			handler.respondError(ctx, keyErr)
			return
		}
		mutation.IdempotencyKey = key
	}
	receipt, err := handler.ledger.Debit(ctx.Request.Context(), mutation)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, debitResponse{Balance: receipt.Balance.Int64(), TxID: receipt.TransactionID.String()})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	accountID, ok := handler.accountFrom(ctx, ctx.Param("accountId"))
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxTransactionLimit)
	}
	balance, err := handler.ledger.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.ledger.ListTransactions(ctx.Request.Context(), accountID, ledger.ListQuery{Limit: limit})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := accountResponse{
		AccountID:    accountID.String(),
		Balance:      balance.Int64(),
		Transactions: make([]transactionResponse, 0, len(transactions)),
	}
	for _, transaction := range transactions {
		item := transactionResponse{
			ID:           transaction.ID.String(),
			Type:         transaction.Type.String(),
			Amount:       transaction.Amount,
			BalanceAfter: transaction.BalanceAfter.Int64(),
			Description:  transaction.Description,
			Metadata:     transaction.Metadata,
			CreatedAt:    transaction.CreatedAt,
		}
		if transaction.RefundOf != nil {
			item.RefundOf = transaction.RefundOf.String()
		}
		response.Transactions = append(response.Transactions, item)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleStartGeneration(ctx *gin.Context) {
	var request startGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	accountID, ok := handler.accountFrom(ctx, request.AccountID)
	if !ok {
		return
	}
	edits := make([]pricing.Edit, 0, len(request.Input.Edits))
	for _, rawEdit := range request.Input.Edits {
		edit, known := pricing.ParseEdit(rawEdit)
		if !known {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidRequest, "unknown edit "+strconv.Quote(rawEdit)))
			return
		}
		edits = append(edits, edit)
	}
	created, err := handler.generations.Start(ctx.Request.Context(), generation.StartRequest{
		AccountID: accountID,
		ToolID:    request.ToolID,
		Input: generation.Input{
			Prompt:          request.Input.Prompt,
			ReferenceImages: request.Input.ReferenceImages,
			Edits:           edits,
		},
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, createdResponse(created))
}

func (handler *httpHandler) handleGetGeneration(ctx *gin.Context) {
	accountID, ok := handler.accountFrom(ctx, ctx.Query("accountId"))
	if !ok {
		return
	}
	found, err := handler.generations.Get(ctx.Request.Context(), accountID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := generationResponse{
		GenerationID:   found.ID,
		ToolID:         found.ToolID,
		Kind:           string(found.Kind),
		Status:         string(found.Status),
		CreditsUsed:    found.CreditsUsed.Int64(),
		ParentResultID: found.ParentResultID,
		FailureReason:  found.FailureReason,
		CreatedAt:      found.CreatedAt,
		CompletedAt:    found.CompletedAt,
	}
	if found.Output != nil {
		response.ResultID = found.Output.ResultID
		response.ImageURL = found.Output.ImageURL
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleImproveGeneration(ctx *gin.Context) {
	var request improveGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	accountID, ok := handler.accountFrom(ctx, request.AccountID)
	if !ok {
		return
	}
	created, err := handler.generations.Improve(ctx.Request.Context(), generation.ImproveRequest{
		AccountID:    accountID,
		GenerationID: ctx.Param("id"),
		ResultID:     request.ResultID,
		Instructions: request.Instructions,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, createdResponse(created))
}

func (handler *httpHandler) handleFeedbackRegenerate(ctx *gin.Context) {
	var request feedbackRegenerateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	accountID, ok := handler.accountFrom(ctx, request.AccountID)
	if !ok {
		return
	}
	created, err := handler.generations.FeedbackRegenerate(ctx.Request.Context(), generation.FeedbackRequest{
		AccountID:    accountID,
		GenerationID: ctx.Param("id"),
		Reason:       request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, createdResponse(created))
}

func (handler *httpHandler) handleDownload(ctx *gin.Context) {
	var request downloadRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return
	}
	accountID, ok := handler.accountFrom(ctx, request.AccountID)
	if !ok {
		return
	}
	receipt, err := handler.downloads.FinalizeDownload(ctx.Request.Context(), ctx.Param("resultId"), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, downloadResponse{ImageURL: receipt.ImageURL, AlreadyPurchased: receipt.AlreadyPurchased})
}

func (handler *httpHandler) handleBillingWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.config.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(errorInvalidPayload, "payload too large"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "unreadable body"))
		return
	}
	outcome, err := handler.billing.HandleWebhook(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHeader))
	if err != nil {
		handler.observeWebhook("unverified", "rejected")
		if errors.Is(err, billing.ErrInvalidSignature) {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidSignature, "signature verification failed"))
			return
		}
		if errors.Is(err, billing.ErrMalformedEvent) {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
			return
		}
		handler.respondError(ctx, err)
		return
	}
	handler.observeWebhook(string(outcome.Type), string(outcome.Status))
	if outcome.Status == billing.OutcomeFailed {
		handler.logger.Warn("billing webhook handler failed",
			zap.String("event_id", outcome.EventID),
			zap.String("event_type", string(outcome.Type)),
			zap.Error(outcome.Err),
		)
	}
	// Handler failures are recorded on the event row for replay; the provider
	// only needs to know the delivery was received.
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (handler *httpHandler) observeWebhook(eventType string, outcome string) {
	if handler.metrics != nil {
		handler.metrics.ObserveWebhook(eventType, outcome)
	}
}

// accountFrom validates raw and checks it against the caller's token.
func (handler *httpHandler) accountFrom(ctx *gin.Context, raw string) (ledger.AccountID, bool) {
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.AccountID{}, false
	}
	if !authorizeAccount(ctx, accountID.String()) {
		return ledger.AccountID{}, false
	}
	return accountID, true
}

func createdResponse(created generation.Generation) generationCreatedResponse {
	return generationCreatedResponse{
		GenerationID: created.ID,
		CreditsUsed:  created.CreditsUsed.Int64(),
		Status:       string(created.Status),
	}
}
