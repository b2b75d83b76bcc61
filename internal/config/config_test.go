package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
)

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{DailyBonus: ledger.DefaultDailyBonus}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.DatabaseBackend != BackendGORM || cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.StartingBalance != 0 || cfg.DailyBonus != ledger.DefaultDailyBonus {
		test.Fatalf("expected economy values to be kept, got %+v", cfg)
	}
	if cfg.BetLockGrace != ledger.DefaultBetLockGrace || cfg.SchedulerInterval != defaultSchedulerInterval {
		test.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		test.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	cut, err := cfg.ParsedHouseCut()
	if err != nil || !cut.Decimal().IsZero() {
		test.Fatalf("expected zero house cut, got %v (%v)", cut, err)
	}
}

func TestValidateRejectsBadValues(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		config Config
		target error
	}{
		{name: "backend", config: Config{DatabaseBackend: "mysql", DailyBonus: 10}},
		{name: "house_cut_one", config: Config{HouseCut: "1", DailyBonus: 10}, target: ledger.ErrInvalidHouseCut},
		{name: "house_cut_text", config: Config{HouseCut: "ten", DailyBonus: 10}, target: ledger.ErrInvalidHouseCut},
		{name: "negative_balance", config: Config{StartingBalance: -1, DailyBonus: 10}},
		{name: "negative_bonus", config: Config{DailyBonus: -5}},
		{name: "zero_bonus", config: Config{DailyBonus: 0}},
		{name: "negative_grace", config: Config{DefaultGrace: -time.Second, DailyBonus: 10}},
		{name: "negative_timeout", config: Config{RequestTimeout: -time.Second, DailyBonus: 10}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := testCase.config.Validate()
			if err == nil {
				test.Fatalf("expected error")
			}
			if testCase.target != nil && !errors.Is(err, testCase.target) {
				test.Fatalf("expected %v, got %v", testCase.target, err)
			}
		})
	}
}

func TestValidateKeepsZeroStartingBalance(test *testing.T) {
	test.Parallel()
	cfg := Config{StartingBalance: 0, DailyBonus: 25}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.StartingBalance != 0 || cfg.DailyBonus != 25 {
		test.Fatalf("expected configured economy values, got %+v", cfg)
	}
}

func TestValidateNormalizesBackend(test *testing.T) {
	test.Parallel()
	cfg := Config{DatabaseBackend: " PGX ", HouseCut: "0.10", DailyBonus: 10}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.DatabaseBackend != BackendPGX {
		test.Fatalf("expected pgx, got %q", cfg.DatabaseBackend)
	}
	cut, err := cfg.ParsedHouseCut()
	if err != nil || cut.String() != "0.1" {
		test.Fatalf("unexpected cut %v (%v)", cut, err)
	}
}

func TestParseList(test *testing.T) {
	test.Parallel()
	items := ParseList(" alice, ,bob ,")
	if len(items) != 2 || items[0] != "alice" || items[1] != "bob" {
		test.Fatalf("unexpected items %v", items)
	}
	if len(ParseList("   ")) != 0 {
		test.Fatalf("expected empty list")
	}
}

func TestLoadDotEnvSetsUnsetVariables(test *testing.T) {
	directory := test.TempDir()
	path := filepath.Join(directory, ".env")
	if err := os.WriteFile(path, []byte("WAGERLEDGER_DOTENV_PROBE=from-file\nWAGERLEDGER_DOTENV_KEEP=from-file\n"), 0o600); err != nil {
		test.Fatalf("write env: %v", err)
	}
	test.Setenv("WAGERLEDGER_DOTENV_KEEP", "from-env")
	test.Setenv("WAGERLEDGER_DOTENV_PROBE", "")
	if err := os.Unsetenv("WAGERLEDGER_DOTENV_PROBE"); err != nil {
		test.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(directory, "missing.env"), path); err != nil {
		test.Fatalf("load: %v", err)
	}
	if got := os.Getenv("WAGERLEDGER_DOTENV_PROBE"); got != "from-file" {
		test.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("WAGERLEDGER_DOTENV_KEEP"); got != "from-env" {
		test.Fatalf("existing variable overridden: %q", got)
	}
}
