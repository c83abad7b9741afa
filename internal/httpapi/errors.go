package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/atelier/pkg/download"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidPayload           = "invalid_payload"
	errorInvalidAccountID         = "invalid_account_id"
	errorInvalidAmount            = "invalid_amount"
	errorInvalidTransactionType   = "invalid_transaction_type"
	errorInvalidMetadata          = "invalid_metadata"
	errorInvalidIdempotencyKey    = "invalid_idempotency_key"
	errorInvalidRequest           = "invalid_request"
	errorInsufficientCredits      = "insufficient_credits"
	errorDuplicateIdempotencyKey  = "duplicate_idempotency_key"
	errorUnknownAccount           = "unknown_account"
	errorNotFound                 = "not_found"
	errorForbidden                = "forbidden"
	errorUnauthorized             = "unauthorized"
	errorDailyLimitReached        = "daily_limit_reached"
	errorNotCompleted             = "not_completed"
	errorMissingCleanAsset        = "missing_clean_asset"
	errorGenerationNotCreated     = "generation_not_created"
	errorInvalidSignature         = "invalid_signature"
	errorInternal                 = "internal_error"
	messageInternal               = "internal error"
	messageGenerationNotCreated   = "generation could not be created, credits were refunded"
	messageGenerationRefundFailed = "generation could not be created and the refund failed"
)

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError maps domain errors onto HTTP statuses.
func (handler *httpHandler) respondError(ctx *gin.Context, source error) {
	var insufficient ledger.InsufficientCreditsError
	if errors.As(source, &insufficient) {
		response := errorResponse(errorInsufficientCredits, source.Error())
		response["required"] = insufficient.Required.Int64()
		response["available"] = insufficient.Available.Int64()
		ctx.JSON(http.StatusPaymentRequired, response)
		return
	}
	var compensated generation.CompensatedError
	if errors.As(source, &compensated) {
		handler.logger.Error("generation compensated", zap.Error(source))
		message := messageGenerationNotCreated
		refunded := compensated.RefundErr == nil
		if !refunded {
			message = messageGenerationRefundFailed
		}
		response := errorResponse(errorGenerationNotCreated, message)
		response["refunded"] = refunded
		ctx.JSON(http.StatusInternalServerError, response)
		return
	}

	status, code := classifyError(source)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(source))
		ctx.JSON(status, errorResponse(code, messageInternal))
		return
	}
	if status == http.StatusTooManyRequests {
		response := errorResponse(code, source.Error())
		response["limitReached"] = true
		ctx.JSON(status, response)
		return
	}
	ctx.JSON(status, errorResponse(code, source.Error()))
}

func classifyError(source error) (int, string) {
	switch {
	case errors.Is(source, ledger.ErrInvalidAccountID):
		return http.StatusBadRequest, errorInvalidAccountID
	case errors.Is(source, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, errorInvalidAmount
	case errors.Is(source, ledger.ErrInvalidTransactionType):
		return http.StatusBadRequest, errorInvalidTransactionType
	case errors.Is(source, ledger.ErrInvalidMetadata):
		return http.StatusBadRequest, errorInvalidMetadata
	case errors.Is(source, ledger.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, errorInvalidIdempotencyKey
	case errors.Is(source, generation.ErrInvalidRequest):
		return http.StatusBadRequest, errorInvalidRequest
	case errors.Is(source, ledger.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, errorDuplicateIdempotencyKey
	case errors.Is(source, generation.ErrNotCompleted):
		return http.StatusConflict, errorNotCompleted
	case errors.Is(source, ledger.ErrUnknownAccount):
		return http.StatusNotFound, errorUnknownAccount
	case errors.Is(source, generation.ErrNotFound),
		errors.Is(source, generation.ErrResultNotFound),
		errors.Is(source, download.ErrNotFound):
		return http.StatusNotFound, errorNotFound
	case errors.Is(source, generation.ErrForbidden),
		errors.Is(source, download.ErrForbidden):
		return http.StatusForbidden, errorForbidden
	case errors.Is(source, generation.ErrDailyLimitReached):
		return http.StatusTooManyRequests, errorDailyLimitReached
	case errors.Is(source, download.ErrMissingCleanAsset):
		return http.StatusUnprocessableEntity, errorMissingCleanAsset
	default:
		return http.StatusInternalServerError, errorInternal
	}
}
