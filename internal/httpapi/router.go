// Package httpapi exposes the credit, generation, download and billing
// operations over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/internal/metrics"
	"github.com/MarkoPoloResearchLab/atelier/pkg/billing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/download"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxWebhookBytes = 1 << 20
	stripeSignatureHeader  = "Stripe-Signature"
)

var ErrInvalidConfig = errors.New("invalid http api config")

// LedgerService is the ledger surface exposed over HTTP.
type LedgerService interface {
	Debit(ctx context.Context, request ledger.MutationRequest) (ledger.Receipt, error)
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error)
	ListTransactions(ctx context.Context, accountID ledger.AccountID, query ledger.ListQuery) ([]ledger.Transaction, error)
}

// GenerationService is the generation lifecycle surface.
type GenerationService interface {
	Start(ctx context.Context, request generation.StartRequest) (generation.Generation, error)
	Improve(ctx context.Context, request generation.ImproveRequest) (generation.Generation, error)
	FeedbackRegenerate(ctx context.Context, request generation.FeedbackRequest) (generation.Generation, error)
	Get(ctx context.Context, accountID ledger.AccountID, generationID string) (generation.Generation, error)
}

// DownloadService finalizes purchases.
type DownloadService interface {
	FinalizeDownload(ctx context.Context, resultID string, accountID ledger.AccountID) (download.Receipt, error)
}

// WebhookHandler consumes signed billing webhooks.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
}

// Config tunes the router.
type Config struct {
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	MaxWebhookBytes int64
	// Auth enables bearer service tokens when SigningKey is set.
	Auth AuthConfig
}

// Dependencies are the services behind the routes. Metrics and Logger may be nil.
type Dependencies struct {
	Ledger      LedgerService
	Generations GenerationService
	Downloads   DownloadService
	Billing     WebhookHandler
	Metrics     *metrics.Collectors
	Logger      *zap.Logger
}

type httpHandler struct {
	ledger      LedgerService
	generations GenerationService
	downloads   DownloadService
	billing     WebhookHandler
	metrics     *metrics.Collectors
	logger      *zap.Logger
	config      Config
}

// NewRouter builds the gin engine.
func NewRouter(config Config, dependencies Dependencies) (*gin.Engine, error) {
	if dependencies.Ledger == nil || dependencies.Generations == nil || dependencies.Downloads == nil || dependencies.Billing == nil {
		return nil, fmt.Errorf("%w: ledger, generations, downloads and billing are required", ErrInvalidConfig)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxWebhookBytes <= 0 {
		config.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		ledger:      dependencies.Ledger,
		generations: dependencies.Generations,
		downloads:   dependencies.Downloads,
		billing:     dependencies.Billing,
		metrics:     dependencies.Metrics,
		logger:      logger,
		config:      config,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if handler.metrics != nil {
		router.Use(handler.metrics.GinMiddleware())
	}
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	// The webhook authenticates by signature, not by service token.
	router.POST("/billing/webhook", handler.handleBillingWebhook)

	api := router.Group("/")
	api.Use(requestTimeout(config.RequestTimeout))
	if config.Auth.enabled() {
		api.Use(serviceTokenMiddleware(config.Auth))
	}
	api.POST("/credits/debit", handler.handleDebit)
	api.GET("/credits/:accountId", handler.handleAccount)
	api.POST("/generations", handler.handleStartGeneration)
	api.GET("/generations/:id", handler.handleGetGeneration)
	api.POST("/generations/:id/improve", handler.handleImproveGeneration)
	api.POST("/generations/:id/feedback-regenerate", handler.handleFeedbackRegenerate)
	api.POST("/downloads/:resultId", handler.handleDownload)

	return router, nil
}

func requestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(requestCtx)
		ctx.Next()
	}
}
