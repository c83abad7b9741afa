package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestMigrateLoadsSettings(test *testing.T) {
	test.Setenv("ATELIER_STRIPE_WEBHOOK_SECRET", "whsec_env")
	directory := test.TempDir()
	configPath := filepath.Join(directory, "atelier.yaml")
	configBody := strings.Join([]string{
		"plans:",
		"  - slug: pro",
		"    name: Pro",
		"    monthly_credits: 100",
		"    external_price_id: price_pro",
		"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(configBody), 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}

	state := &commandState{settings: viper.New()}
	cmd := newCommand(state)
	cmd.SetArgs([]string{
		"migrate",
		"--config", configPath,
		"--env-file", "",
		"--database-url", "sqlite://" + filepath.Join(directory, "atelier.db"),
		"--stale-generation-cutoff", "20m",
		"--allowed-origins", "https://app.example,https://admin.example",
	})
	var output bytes.Buffer
	cmd.SetOut(&output)
	if err := cmd.Execute(); err != nil {
		test.Fatalf("execute: %v", err)
	}
	if !strings.Contains(output.String(), "schema ready") {
		test.Fatalf("unexpected output %q", output.String())
	}

	config := state.config
	if config.StripeWebhookSecret != "whsec_env" {
		test.Fatalf("expected secret from the environment, got %q", config.StripeWebhookSecret)
	}
	if config.StaleGenerationCutoff != 20*time.Minute || len(config.AllowedOrigins) != 2 {
		test.Fatalf("flags not mapped: %+v", config)
	}
	if len(config.Plans) != 1 || config.Plans[0].MonthlyCredits != 100 || config.Plans[0].ExternalPriceID != "price_pro" {
		test.Fatalf("plans not decoded: %+v", config.Plans)
	}
	if !config.MetricsEnabled {
		test.Fatalf("metrics should default to enabled")
	}
}

func TestLedgerVerifyRequiresAccount(test *testing.T) {
	cmd := newCommand(&commandState{settings: viper.New()})
	cmd.SetArgs([]string{"ledger", "verify", "--env-file", ""})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		test.Fatalf("expected an argument error")
	}
}
