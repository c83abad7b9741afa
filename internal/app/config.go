// Package app wires configuration, persistence, adapters and the HTTP server
// into a runnable service.
package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/internal/provider"
	"github.com/MarkoPoloResearchLab/atelier/internal/storage"
	"github.com/MarkoPoloResearchLab/atelier/pkg/billing"
	"github.com/MarkoPoloResearchLab/atelier/pkg/generation"
	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/joho/godotenv"
)

const (
	LedgerDriverGORM = "gorm"
	LedgerDriverPGX  = "pgx"

	DefaultDatabaseURL           = "sqlite:///tmp/atelier.db"
	defaultListenAddr            = ":8080"
	defaultRequestTimeout        = 30 * time.Second
	defaultGenerationTimeout     = 5 * time.Minute
	defaultStaleGenerationCutoff = 15 * time.Minute
	defaultPricingCacheTTL       = time.Minute
	defaultAssetDir              = "data/assets"
	defaultAssetBaseURL          = "http://localhost:8080/assets"
	defaultLogLevel              = "info"
	defaultReplayLimit           = 100
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full runtime configuration of the service.
type Config struct {
	DatabaseURL  string
	LedgerDriver string

	ListenAddr      string
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	MaxWebhookBytes int64
	AuthSigningKey  string
	AuthIssuer      string

	StripeWebhookSecret string
	StripeTolerance     time.Duration
	Plans               []PlanConfig

	Storage  StorageConfig
	Provider provider.Config
	RedisURL string
	NATSURL  string

	FeedbackDailyLimit    int
	GenerationTimeout     time.Duration
	StaleGenerationCutoff time.Duration
	PricingCacheTTL       time.Duration
	ReplayLimit           int

	Log            LogConfig
	MetricsEnabled bool
}

// StorageConfig selects S3 when S3.Bucket is set and the local directory otherwise.
type StorageConfig struct {
	S3            storage.S3Config
	AssetDir      string
	AssetBaseURL  string
	ServeAssetDir bool
}

// PlanConfig is a subscription plan seeded at startup.
type PlanConfig struct {
	Slug              string `mapstructure:"slug"`
	Name              string `mapstructure:"name"`
	MonthlyCredits    int64  `mapstructure:"monthly_credits"`
	ExternalPriceID   string `mapstructure:"external_price_id"`
	ExternalProductID string `mapstructure:"external_product_id"`
	BillingInterval   string `mapstructure:"billing_interval"`
	IsFree            bool   `mapstructure:"is_free"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string
	File        string
	Development bool
}

// Validate fills defaults and rejects incomplete configuration.
func (config *Config) Validate() error {
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseURL == "" {
		config.DatabaseURL = DefaultDatabaseURL
	}
	config.LedgerDriver = strings.ToLower(strings.TrimSpace(config.LedgerDriver))
	if config.LedgerDriver == "" {
		config.LedgerDriver = LedgerDriverGORM
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaultListenAddr
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.FeedbackDailyLimit <= 0 {
		config.FeedbackDailyLimit = generation.DefaultFeedbackDailyLimit
	}
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = defaultGenerationTimeout
	}
	if config.StaleGenerationCutoff <= 0 {
		config.StaleGenerationCutoff = defaultStaleGenerationCutoff
	}
	if config.PricingCacheTTL <= 0 {
		config.PricingCacheTTL = defaultPricingCacheTTL
	}
	if config.ReplayLimit <= 0 {
		config.ReplayLimit = defaultReplayLimit
	}
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Storage.S3.Bucket == "" {
		if config.Storage.AssetDir == "" {
			config.Storage.AssetDir = defaultAssetDir
		}
		if config.Storage.AssetBaseURL == "" {
			config.Storage.AssetBaseURL = defaultAssetBaseURL
		}
	}

	var problems []error
	switch config.LedgerDriver {
	case LedgerDriverGORM:
	case LedgerDriverPGX:
		if !isPostgresURL(config.DatabaseURL) {
			problems = append(problems, errors.New("ledger driver pgx requires a postgres database url"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown ledger driver %q", config.LedgerDriver))
	}
	if strings.TrimSpace(config.StripeWebhookSecret) == "" {
		problems = append(problems, errors.New("stripe webhook secret is required"))
	}
	if strings.TrimSpace(config.Provider.BaseURL) == "" {
		problems = append(problems, errors.New("provider base url is required"))
	}
	// A generation still running inside its execution timeout must never be
	// swept and refunded underneath the worker.
	if config.StaleGenerationCutoff <= config.GenerationTimeout {
		problems = append(problems, fmt.Errorf("stale generation cutoff %s must exceed generation timeout %s", config.StaleGenerationCutoff, config.GenerationTimeout))
	}
	for index, plan := range config.Plans {
		if strings.TrimSpace(plan.Slug) == "" {
			problems = append(problems, fmt.Errorf("plan %d has no slug", index))
		}
		if plan.MonthlyCredits < 0 {
			problems = append(problems, fmt.Errorf("plan %q has negative monthly credits", plan.Slug))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

func (config Config) billingPlans() []billing.Plan {
	plans := make([]billing.Plan, 0, len(config.Plans))
	for _, plan := range config.Plans {
		plans = append(plans, billing.Plan{
			Slug:              strings.TrimSpace(plan.Slug),
			Name:              plan.Name,
			MonthlyCredits:    ledger.Credits(plan.MonthlyCredits),
			ExternalPriceID:   strings.TrimSpace(plan.ExternalPriceID),
			ExternalProductID: strings.TrimSpace(plan.ExternalProductID),
			BillingInterval:   plan.BillingInterval,
			IsFree:            plan.IsFree,
		})
	}
	return plans
}

// LoadEnvFiles loads the first existing file into the process environment
// without overriding variables that are already set.
func LoadEnvFiles(paths ...string) (string, error) {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("load env file %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}
