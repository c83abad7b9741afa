package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/atelier/internal/app"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "ATELIER"

	flagConfigFile            = "config"
	flagEnvFile               = "env-file"
	flagDatabaseURL           = "database-url"
	flagLedgerDriver          = "ledger-driver"
	flagListenAddr            = "listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagRequestTimeout        = "request-timeout"
	flagMaxWebhookBytes       = "max-webhook-bytes"
	flagAuthSigningKey        = "auth-signing-key"
	flagAuthIssuer            = "auth-issuer"
	flagStripeWebhookSecret   = "stripe-webhook-secret"
	flagStripeTolerance       = "stripe-tolerance"
	flagS3Endpoint            = "s3-endpoint"
	flagS3Region              = "s3-region"
	flagS3AccessKey           = "s3-access-key"
	flagS3SecretKey           = "s3-secret-key"
	flagS3Bucket              = "s3-bucket"
	flagS3PublicBaseURL       = "s3-public-base-url"
	flagS3PathStyle           = "s3-path-style"
	flagS3Prefix              = "s3-prefix"
	flagS3PublicRead          = "s3-public-read"
	flagAssetDir              = "asset-dir"
	flagAssetBaseURL          = "asset-base-url"
	flagServeAssets           = "serve-assets"
	flagProviderBaseURL       = "provider-base-url"
	flagProviderAPIKey        = "provider-api-key"
	flagProviderTimeout       = "provider-timeout"
	flagRedisURL              = "redis-url"
	flagNATSURL               = "nats-url"
	flagFeedbackDailyLimit    = "feedback-daily-limit"
	flagGenerationTimeout     = "generation-timeout"
	flagStaleGenerationCutoff = "stale-generation-cutoff"
	flagPricingCacheTTL       = "pricing-cache-ttl"
	flagReplayLimit           = "replay-limit"
	flagLogLevel              = "log-level"
	flagLogFile               = "log-file"
	flagLogDevelopment        = "log-development"
	flagMetricsEnabled        = "metrics-enabled"

	configKeyPlans = "plans"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "atelier: %v\n", err)
		os.Exit(1)
	}
}

type commandState struct {
	settings *viper.Viper
	config   app.Config
}

func newRootCommand() *cobra.Command {
	return newCommand(&commandState{settings: viper.New()})
}

func newCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "atelier",
		Short:         "Credit ledger, generation lifecycle and billing reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML/TOML/JSON config file (plans are read from its plans key)")
	flags.String(flagEnvFile, ".env", "optional dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "sqlite:// path or postgres:// connection string")
	flags.String(flagLedgerDriver, app.LedgerDriverGORM, "ledger store driver: gorm or pgx")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.Int64(flagMaxWebhookBytes, 0, "maximum accepted webhook body size")
	flags.String(flagAuthSigningKey, "", "HS256 key for service tokens; empty disables token checks")
	flags.String(flagAuthIssuer, "", "required service token issuer")
	flags.String(flagStripeWebhookSecret, "", "stripe webhook signing secret")
	flags.Duration(flagStripeTolerance, 0, "accepted webhook timestamp skew")
	flags.String(flagS3Endpoint, "", "S3-compatible endpoint")
	flags.String(flagS3Region, "", "S3 region")
	flags.String(flagS3AccessKey, "", "S3 access key")
	flags.String(flagS3SecretKey, "", "S3 secret key")
	flags.String(flagS3Bucket, "", "S3 bucket; empty stores assets on the local filesystem")
	flags.String(flagS3PublicBaseURL, "", "public base URL of the bucket")
	flags.Bool(flagS3PathStyle, false, "use path-style S3 addressing")
	flags.String(flagS3Prefix, "", "object key prefix")
	flags.Bool(flagS3PublicRead, false, "upload objects with a public-read ACL")
	flags.String(flagAssetDir, "", "local asset directory")
	flags.String(flagAssetBaseURL, "", "public base URL of the local asset directory")
	flags.Bool(flagServeAssets, false, "serve the local asset directory under /assets")
	flags.String(flagProviderBaseURL, "", "image provider base URL")
	flags.String(flagProviderAPIKey, "", "image provider API key")
	flags.Duration(flagProviderTimeout, 0, "timeout of a single provider call")
	flags.String(flagRedisURL, "", "redis URL for the feedback counter; empty uses the database")
	flags.String(flagNATSURL, "", "NATS URL for domain events; empty logs them")
	flags.Int(flagFeedbackDailyLimit, 0, "free feedback regenerations per account and UTC day")
	flags.Duration(flagGenerationTimeout, 0, "execution timeout of a generation")
	flags.Duration(flagStaleGenerationCutoff, 0, "age after which unfinished generations are failed and refunded")
	flags.Duration(flagPricingCacheTTL, 0, "pricing override cache TTL")
	flags.Int(flagReplayLimit, 0, "maximum webhook events replayed per run")
	flags.String(flagLogLevel, "", "log level")
	flags.String(flagLogFile, "", "rotated JSON log file")
	flags.Bool(flagLogDevelopment, false, "human-readable console logs")
	flags.Bool(flagMetricsEnabled, true, "expose prometheus metrics on /metrics")

	cmd.AddCommand(
		newServeCommand(state),
		newMigrateCommand(state),
		newSweepCommand(state),
		newBillingCommand(state),
		newLedgerCommand(state),
	)
	return cmd
}

func (state *commandState) load(cmd *cobra.Command) error {
	settings := state.settings
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if _, err := app.LoadEnvFiles(settings.GetString(flagEnvFile)); err != nil {
		return err
	}
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if configFile := settings.GetString(flagConfigFile); configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	config := app.Config{
		DatabaseURL:         settings.GetString(flagDatabaseURL),
		LedgerDriver:        settings.GetString(flagLedgerDriver),
		ListenAddr:          settings.GetString(flagListenAddr),
		AllowedOrigins:      settings.GetStringSlice(flagAllowedOrigins),
		RequestTimeout:      settings.GetDuration(flagRequestTimeout),
		MaxWebhookBytes:     settings.GetInt64(flagMaxWebhookBytes),
		AuthSigningKey:      settings.GetString(flagAuthSigningKey),
		AuthIssuer:          settings.GetString(flagAuthIssuer),
		StripeWebhookSecret: settings.GetString(flagStripeWebhookSecret),
		StripeTolerance:     settings.GetDuration(flagStripeTolerance),
		Storage: app.StorageConfig{
			AssetDir:      settings.GetString(flagAssetDir),
			AssetBaseURL:  settings.GetString(flagAssetBaseURL),
			ServeAssetDir: settings.GetBool(flagServeAssets),
		},
		RedisURL:              settings.GetString(flagRedisURL),
		NATSURL:               settings.GetString(flagNATSURL),
		FeedbackDailyLimit:    settings.GetInt(flagFeedbackDailyLimit),
		GenerationTimeout:     settings.GetDuration(flagGenerationTimeout),
		StaleGenerationCutoff: settings.GetDuration(flagStaleGenerationCutoff),
		PricingCacheTTL:       settings.GetDuration(flagPricingCacheTTL),
		ReplayLimit:           settings.GetInt(flagReplayLimit),
		Log: app.LogConfig{
			Level:       settings.GetString(flagLogLevel),
			File:        settings.GetString(flagLogFile),
			Development: settings.GetBool(flagLogDevelopment),
		},
		MetricsEnabled: settings.GetBool(flagMetricsEnabled),
	}
	config.Storage.S3.Endpoint = settings.GetString(flagS3Endpoint)
	config.Storage.S3.Region = settings.GetString(flagS3Region)
	config.Storage.S3.AccessKey = settings.GetString(flagS3AccessKey)
	config.Storage.S3.SecretKey = settings.GetString(flagS3SecretKey)
	config.Storage.S3.Bucket = settings.GetString(flagS3Bucket)
	config.Storage.S3.PublicBaseURL = settings.GetString(flagS3PublicBaseURL)
	config.Storage.S3.UsePathStyle = settings.GetBool(flagS3PathStyle)
	config.Storage.S3.Prefix = settings.GetString(flagS3Prefix)
	config.Storage.S3.PublicRead = settings.GetBool(flagS3PublicRead)
	config.Provider.BaseURL = settings.GetString(flagProviderBaseURL)
	config.Provider.APIKey = settings.GetString(flagProviderAPIKey)
	config.Provider.Timeout = settings.GetDuration(flagProviderTimeout)
	if err := settings.UnmarshalKey(configKeyPlans, &config.Plans); err != nil {
		return fmt.Errorf("decode plans: %w", err)
	}
	state.config = config
	return nil
}

// withApplication builds the logger and application around run.
func (state *commandState) withApplication(cmd *cobra.Command, run func(ctx context.Context, application *app.Application, logger *zap.Logger) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := state.config
	if err := config.Validate(); err != nil {
		return err
	}
	logger, cleanup, err := app.NewLogger(config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer cleanup()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer application.Close()
	return run(ctx, application, logger)
}

func newServeCommand(state *commandState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			gin.SetMode(gin.ReleaseMode)
			return state.withApplication(cmd, func(ctx context.Context, application *app.Application, _ *zap.Logger) error {
				return application.Run(ctx)
			})
		},
	}
}

func newMigrateCommand(state *commandState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			databaseURL := strings.TrimSpace(state.config.DatabaseURL)
			if databaseURL == "" {
				databaseURL = app.DefaultDatabaseURL
			}
			version, err := app.Migrate(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (version %d)\n", version)
			return nil
		},
	}
}

func newSweepCommand(state *commandState) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail and refund generations stuck past the stale cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withApplication(cmd, func(ctx context.Context, application *app.Application, logger *zap.Logger) error {
				swept, err := application.SweepStale(ctx)
				logger.Info("stale generations swept", zap.Int("count", swept))
				fmt.Fprintf(cmd.OutOrStdout(), "swept %d generations\n", swept)
				return err
			})
		},
	}
}

func newBillingCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Re-run webhook events that were recorded but not processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withApplication(cmd, func(ctx context.Context, application *app.Application, _ *zap.Logger) error {
				outcomes, err := application.ReplayBilling(ctx)
				if err != nil {
					return err
				}
				failed := 0
				for _, outcome := range outcomes {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", outcome.EventID, outcome.Type, outcome.Status)
					if outcome.Err != nil {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d events failed again", failed, len(outcomes))
				}
				return nil
			})
		},
	})
	return cmd
}

func newLedgerCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify ACCOUNT_ID",
		Short: "Replay an account's transaction log against its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withApplication(cmd, func(ctx context.Context, application *app.Application, _ *zap.Logger) error {
				balance, err := application.VerifyLedger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d verified\n", args[0], balance)
				return nil
			})
		},
	})
	return cmd
}
