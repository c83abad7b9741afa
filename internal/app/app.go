package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/internal/counter"
	"github.com/MarkoPoloResearchLab/atelier/internal/events"
	"github.com/MarkoPoloResearchLab/atelier/internal/httpapi"
	"github.com/MarkoPoloResearchLab/atelier/internal/metrics"
	"github.com/MarkoPoloResearchLab/atelier/internal/provider"
	"github.com/MarkoPoloResearchLab/atelier/internal/storage"
	"github.com/MarkoPoloResearchLab/atelier/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/atelier/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/atelier/internal/watermark"
	"github.com/MarkoPoloResearchLab/atelier/pkg/billing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/download"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/MarkoPoloResearchLab/atelier/pkg/pricing"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	assetRoute        = "/assets"
)

// Application holds the wired services of one process.
type Application struct {
	config      Config
	logger      *zap.Logger
	ledger      *ledger.Service
	generations *generation.Manager
	downloads   *download.Finalizer
	billing     *billing.Processor
	dispatcher  *generation.AsyncDispatcher
	metrics     *metrics.Collectors
	router      *gin.Engine
	closers     []func()
}

// New opens every dependency named by config and wires the domain services.
// Close releases them.
func New(ctx context.Context, config Config, logger *zap.Logger) (*Application, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	application := &Application{config: config, logger: logger}
	if err := application.wire(ctx); err != nil {
		application.Close()
		return nil, err
	}
	return application, nil
}

func (application *Application) wire(ctx context.Context) error {
	config := application.config
	logger := application.logger

	db, err := openDatabase(config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	application.closers = append(application.closers, func() { _ = db.close() })
	version, err := db.prepareSchema(ctx)
	if err != nil {
		return fmt.Errorf("prepare schema: %w", err)
	}
	logger.Info("database ready", zap.String("driver", db.target.driver), zap.Int64("schema_version", version))

	store := gormstore.New(db.gorm)
	if plans := config.billingPlans(); len(plans) > 0 {
		if err := store.UpsertPlans(ctx, plans); err != nil {
			return fmt.Errorf("seed plans: %w", err)
		}
	}

	if config.MetricsEnabled {
		application.metrics = metrics.New()
	}

	var ledgerStore ledger.Store = store
	if config.LedgerDriver == LedgerDriverPGX {
		pool, err := pgxpool.New(ctx, config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		application.closers = append(application.closers, pool.Close)
		ledgerStore = pgstore.New(pool)
	}
	ledgerService, err := ledger.NewService(ledgerStore, time.Now,
		ledger.WithOperationLogger(metrics.NewOperationLogger(logger, application.metrics)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	application.ledger = ledgerService

	assets, err := application.openAssets()
	if err != nil {
		return err
	}
	imageProvider, err := provider.NewClient(config.Provider, logger.Named("provider"))
	if err != nil {
		return err
	}
	dailyCounter, err := application.openCounter(ctx, store)
	if err != nil {
		return err
	}
	publisher, err := application.openPublisher()
	if err != nil {
		return err
	}
	resolver := pricing.NewResolver(store, logger.Named("pricing"), pricing.WithCacheTTL(config.PricingCacheTTL))

	application.dispatcher = generation.NewAsyncDispatcher(config.GenerationTimeout, logger)
	generationConfig := generation.DefaultConfig()
	generationConfig.FeedbackDailyLimit = config.FeedbackDailyLimit
	generationConfig.CompletionDeadline = config.GenerationTimeout
	if config.Provider.Timeout > 0 {
		generationConfig.ProviderRetry.AttemptTimeout = config.Provider.Timeout
	}
	application.generations, err = generation.NewManager(generation.Dependencies{
		Store:       store,
		Ledger:      ledgerService,
		Pricer:      resolver,
		Provider:    imageProvider,
		Watermarker: watermark.NewStamper(),
		Assets:      assets,
		Counter:     dailyCounter,
		Dispatcher:  application.dispatcher,
		Publisher:   publisher,
		Logger:      logger.Named("generation"),
	}, generationConfig)
	if err != nil {
		return fmt.Errorf("generation manager init: %w", err)
	}

	application.downloads, err = download.NewFinalizer(store, ledgerService, resolver, assets, download.WithLogger(logger.Named("download")))
	if err != nil {
		return fmt.Errorf("download finalizer init: %w", err)
	}

	verifier, err := billing.NewStripeVerifier(config.StripeWebhookSecret, config.StripeTolerance)
	if err != nil {
		return err
	}
	application.billing, err = billing.NewProcessor(verifier, store, ledgerService,
		billing.WithLogger(logger.Named("billing")),
		billing.WithPublisher(publisher),
	)
	if err != nil {
		return fmt.Errorf("billing processor init: %w", err)
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		AllowedOrigins:  config.AllowedOrigins,
		RequestTimeout:  config.RequestTimeout,
		MaxWebhookBytes: config.MaxWebhookBytes,
		Auth:            httpapi.AuthConfig{SigningKey: config.AuthSigningKey, Issuer: config.AuthIssuer},
	}, httpapi.Dependencies{
		Ledger:      ledgerService,
		Generations: application.generations,
		Downloads:   application.downloads,
		Billing:     application.billing,
		Metrics:     application.metrics,
		Logger:      logger.Named("http"),
	})
	if err != nil {
		return err
	}
	if config.Storage.S3.Bucket == "" && config.Storage.ServeAssetDir {
		router.Static(assetRoute, config.Storage.AssetDir)
	}
	application.router = router
	return nil
}

func (application *Application) openAssets() (generation.AssetStore, error) {
	storageConfig := application.config.Storage
	if storageConfig.S3.Bucket != "" {
		store, err := storage.NewS3Store(storageConfig.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 storage init: %w", err)
		}
		return store, nil
	}
	store, err := storage.NewFileStore(storageConfig.AssetDir, storageConfig.AssetBaseURL)
	if err != nil {
		return nil, fmt.Errorf("file storage init: %w", err)
	}
	application.logger.Warn("storing assets on the local filesystem", zap.String("dir", storageConfig.AssetDir))
	return store, nil
}

func (application *Application) openCounter(ctx context.Context, store *gormstore.Store) (generation.DailyCounter, error) {
	if application.config.RedisURL == "" {
		return store.DailyCounter(), nil
	}
	client, err := counter.Connect(ctx, application.config.RedisURL)
	if err != nil {
		return nil, err
	}
	application.closers = append(application.closers, func() { _ = client.Close() })
	return counter.NewRedisDailyCounter(client), nil
}

func (application *Application) openPublisher() (generation.Publisher, error) {
	var publisher generation.Publisher = events.NewLogPublisher(application.logger.Named("events"))
	if application.config.NATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(application.config.NATSURL, application.logger.Named("events"))
		if err != nil {
			return nil, err
		}
		application.closers = append(application.closers, natsPublisher.Close)
		publisher = natsPublisher
	}
	if application.metrics == nil {
		return publisher, nil
	}
	return observedPublisher{next: publisher, metrics: application.metrics}, nil
}

// Handler exposes the HTTP surface.
func (application *Application) Handler() http.Handler {
	return application.router
}

// Run serves HTTP until ctx is canceled, then drains in-flight requests and
// generation executions.
func (application *Application) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              application.config.ListenAddr,
		Handler:           application.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		application.logger.Info("http server starting", zap.String("listen_addr", application.config.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		application.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		application.dispatcher.Wait()
		return err
	})
	return group.Wait()
}

// SweepStale fails and refunds generations stuck longer than the configured cutoff.
func (application *Application) SweepStale(ctx context.Context) (int, error) {
	return application.generations.SweepStale(ctx, application.config.StaleGenerationCutoff)
}

// ReplayBilling re-runs webhook events that were recorded but never processed.
func (application *Application) ReplayBilling(ctx context.Context) ([]billing.Outcome, error) {
	return application.billing.Replay(ctx, application.config.ReplayLimit)
}

// VerifyLedger replays an account's transaction log against its balance.
func (application *Application) VerifyLedger(ctx context.Context, rawAccountID string) (ledger.Credits, error) {
	accountID, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		return 0, err
	}
	balance, err := application.ledger.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := application.ledger.VerifyIntegrity(ctx, accountID); err != nil {
		return 0, err
	}
	return balance, nil
}

// Close releases connections in reverse order of opening.
func (application *Application) Close() {
	for index := len(application.closers) - 1; index >= 0; index-- {
		application.closers[index]()
	}
	application.closers = nil
}

type observedPublisher struct {
	next    generation.Publisher
	metrics *metrics.Collectors
}

func (publisher observedPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if event, ok := payload.(generation.Event); ok {
		publisher.metrics.ObserveGeneration(string(event.Kind), string(event.Status))
	}
	return publisher.next.Publish(ctx, subject, payload)
}
