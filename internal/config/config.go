package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/joho/godotenv"
)

// Storage backends for postgres URLs.
const (
	BackendGORM = "gorm"
	BackendPGX  = "pgx"
)

const (
	defaultEnvironment       = "production"
	defaultDatabaseURL       = "sqlite:///tmp/wagerledger.db"
	defaultListenAddr        = ":8080"
	defaultAllowedOrigin     = "http://localhost:3000"
	defaultJWTIssuer         = "wagerledger"
	defaultRequestTimeout    = 5 * time.Second
	defaultSchedulerInterval = 30 * time.Second
	defaultReminderWindow    = 24 * time.Hour
	defaultEventsTopic       = "wagerledger.events"
	defaultRemindersTopic    = "wagerledger.reminders"
	defaultMaxConnections    = 10
)

// Config aggregates runtime settings for wagerd.
type Config struct {
	Environment       string
	DatabaseURL       string
	DatabaseBackend   string
	MaxConnections    int32
	ListenAddr        string
	AllowedOrigins    []string
	JWTSigningKey     string
	JWTIssuer         string
	AdminAccounts     []string
	RequestTimeout    time.Duration
	HouseCut          string
	StartingBalance   int64
	DailyBonus        int64
	BetLockGrace      time.Duration
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	ReminderWindow    time.Duration
	DefaultGrace      time.Duration
	KafkaBrokers      []string
	EventsTopic       string
	RemindersTopic    string
	RedisAddr         string
	MetricsEnabled    bool
}

// Validate fills defaults and rejects values the service cannot run with.
// StartingBalance and DailyBonus are taken as given; zero is a valid
// starting balance.
func (cfg *Config) Validate() error {
	cfg.Environment = defaultIfEmpty(cfg.Environment, defaultEnvironment)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.DatabaseBackend = strings.ToLower(defaultIfEmpty(cfg.DatabaseBackend, BackendGORM))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	cfg.EventsTopic = defaultIfEmpty(cfg.EventsTopic, defaultEventsTopic)
	cfg.RemindersTopic = defaultIfEmpty(cfg.RemindersTopic, defaultRemindersTopic)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.BetLockGrace == 0 {
		cfg.BetLockGrace = ledger.DefaultBetLockGrace
	}
	if cfg.SchedulerInterval == 0 {
		cfg.SchedulerInterval = defaultSchedulerInterval
	}
	if cfg.ReminderWindow == 0 {
		cfg.ReminderWindow = defaultReminderWindow
	}

	if cfg.DatabaseBackend != BackendGORM && cfg.DatabaseBackend != BackendPGX {
		return fmt.Errorf("database backend must be %q or %q", BackendGORM, BackendPGX)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	if cfg.StartingBalance < 0 {
		return fmt.Errorf("starting balance must not be negative")
	}
	if cfg.DailyBonus <= 0 {
		return fmt.Errorf("daily bonus must be greater than zero")
	}
	if cfg.BetLockGrace < 0 || cfg.SchedulerInterval < 0 || cfg.ReminderWindow < 0 || cfg.DefaultGrace < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if _, err := cfg.ParsedHouseCut(); err != nil {
		return err
	}
	return nil
}

// ParsedHouseCut returns the configured house cut, zero when unset.
func (cfg Config) ParsedHouseCut() (ledger.HouseCut, error) {
	return ledger.ParseHouseCut(cfg.HouseCut)
}

// IsLocal reports whether the service runs on a developer machine.
func (cfg Config) IsLocal() bool {
	return strings.EqualFold(cfg.Environment, "local")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
