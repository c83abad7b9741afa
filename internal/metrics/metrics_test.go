package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func mustAccountID(test *testing.T) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID("acct-1")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func TestOperationLoggerLevelsAndCounters(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zap.DebugLevel)
	collectorSet := New()
	operationLogger := NewOperationLogger(zap.New(core), collectorSet)
	accountID := mustAccountID(test)
	transactionID, _ := ledger.NewTransactionID("txn-1")

	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "debit", AccountID: accountID, TransactionType: ledger.TransactionGeneration,
		Amount: 3, TransactionID: transactionID, Balance: 7, Status: "ok",
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "debit", AccountID: accountID, TransactionType: ledger.TransactionGeneration,
		Amount: 30, Status: "error", Error: ledger.InsufficientCreditsError{Required: 30, Available: 7},
	})
	operationLogger.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "credit", AccountID: accountID, TransactionType: ledger.TransactionBonus,
		Amount: 5, Status: "error", Error: ledger.ErrUnknownAccount,
	})

	if observed.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		test.Fatalf("only the unexpected failure should log at error, got %d", observed.FilterLevelExact(zapcore.ErrorLevel).Len())
	}
	if observed.FilterMessage("ledger operation rejected").Len() != 1 {
		test.Fatalf("insufficient credits should be logged as a rejection")
	}
	if got := testutil.ToFloat64(collectorSet.ledgerCredits.WithLabelValues("debit", "generation")); got != 3 {
		test.Fatalf("expected 3 debited credits, got %v", got)
	}
	if got := testutil.ToFloat64(collectorSet.ledgerOperations.WithLabelValues("debit", "generation", "error")); got != 1 {
		test.Fatalf("expected one failed debit, got %v", got)
	}
}

func TestGinMiddlewareUsesRouteTemplate(test *testing.T) {
	test.Parallel()
	gin.SetMode(gin.TestMode)
	collectorSet := New()
	router := gin.New()
	router.Use(collectorSet.GinMiddleware())
	router.GET("/generations/:id", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })
	router.GET("/metrics", gin.WrapH(collectorSet.Handler()))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/generations/gen-42", nil))
	if got := testutil.ToFloat64(collectorSet.httpRequests.WithLabelValues("GET", "/generations/:id", "204")); got != 1 {
		test.Fatalf("expected one request under the route template, got %v", got)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "atelier_http_requests_total") {
		test.Fatalf("metrics endpoint missing collectors: %d", recorder.Code)
	}
}
