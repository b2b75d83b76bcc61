package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/config"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnvironment       = "environment"
	flagDatabaseURL       = "database-url"
	flagDatabaseBackend   = "database-backend"
	flagMaxConnections    = "max-connections"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagAdminAccounts     = "admin-accounts"
	flagRequestTimeout    = "request-timeout"
	flagHouseCut          = "house-cut"
	flagStartingBalance   = "starting-balance"
	flagDailyBonus        = "daily-bonus"
	flagBetLockGrace      = "bet-lock-grace"
	flagSchedulerEnabled  = "scheduler-enabled"
	flagSchedulerInterval = "scheduler-interval"
	flagReminderWindow    = "reminder-window"
	flagDefaultGrace      = "default-grace"
	flagKafkaBrokers      = "kafka-brokers"
	flagEventsTopic       = "events-topic"
	flagRemindersTopic    = "reminders-topic"
	flagRedisAddr         = "redis-addr"
	flagMetricsEnabled    = "metrics-enabled"
	envPrefix             = "WAGERLEDGER"
	dotEnvFile            = ".env"
)

var boundFlags = []string{
	flagEnvironment, flagDatabaseURL, flagDatabaseBackend, flagMaxConnections, flagListenAddr,
	flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagAdminAccounts, flagRequestTimeout,
	flagHouseCut, flagStartingBalance, flagDailyBonus, flagBetLockGrace, flagSchedulerEnabled,
	flagSchedulerInterval, flagReminderWindow, flagDefaultGrace, flagKafkaBrokers, flagEventsTopic,
	flagRemindersTopic, flagRedisAddr, flagMetricsEnabled,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wagerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "wagerd",
		Short:         "Virtual-currency wagering ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Root(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvironment, "", "deployment environment; \"local\" enables development logging")
	flags.String(flagDatabaseURL, "", "postgres://, sqlite:// or memory:// database URL")
	flags.String(flagDatabaseBackend, "", "store used for postgres URLs: gorm or pgx")
	flags.Int32(flagMaxConnections, 0, "maximum open database connections")
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens; empty trusts the X-Account-ID header")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagAdminAccounts, "", "comma-separated account ids allowed to resolve pools and adjust balances")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.String(flagHouseCut, "", "default fraction of each pot retained by the house, e.g. 0.05")
	flags.Int64(flagStartingBalance, ledger.DefaultStartingBalance, "points granted to new accounts")
	flags.Int64(flagDailyBonus, ledger.DefaultDailyBonus, "points credited by the daily bonus")
	flags.Duration(flagBetLockGrace, 0, "change-of-mind window before a bet locks")
	flags.Bool(flagSchedulerEnabled, true, "run background sweeps in this process")
	flags.Duration(flagSchedulerInterval, 0, "interval between background sweeps")
	flags.Duration(flagReminderWindow, 0, "how far ahead of the due date loan reminders are sent")
	flags.Duration(flagDefaultGrace, 0, "time past due before an active loan defaults")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers; empty disables event publishing")
	flags.String(flagEventsTopic, "", "Kafka topic for ledger events")
	flags.String(flagRemindersTopic, "", "Kafka topic for loan reminders")
	flags.String(flagRedisAddr, "", "Redis address for scheduler leases; empty runs sweeps unguarded")
	flags.Bool(flagMetricsEnabled, true, "expose Prometheus metrics on /metrics")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newReconcileCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run background sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg, cmd.OutOrStdout())
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile ACCOUNT_ID...",
		Short: "Compare cached balances with the transaction log",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), *cfg, args, cmd.OutOrStdout())
		},
	}
}

func loadConfig(root *cobra.Command, cfg *config.Config) error {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, root.PersistentFlags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.Environment = strings.TrimSpace(v.GetString(flagEnvironment))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.DatabaseBackend = strings.TrimSpace(v.GetString(flagDatabaseBackend))
	cfg.MaxConnections = v.GetInt32(flagMaxConnections)
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = config.ParseList(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.AdminAccounts = config.ParseList(v.GetString(flagAdminAccounts))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.HouseCut = strings.TrimSpace(v.GetString(flagHouseCut))
	cfg.StartingBalance = v.GetInt64(flagStartingBalance)
	cfg.DailyBonus = v.GetInt64(flagDailyBonus)
	cfg.BetLockGrace = v.GetDuration(flagBetLockGrace)
	cfg.SchedulerEnabled = v.GetBool(flagSchedulerEnabled)
	cfg.SchedulerInterval = v.GetDuration(flagSchedulerInterval)
	cfg.ReminderWindow = v.GetDuration(flagReminderWindow)
	cfg.DefaultGrace = v.GetDuration(flagDefaultGrace)
	cfg.KafkaBrokers = config.ParseList(v.GetString(flagKafkaBrokers))
	cfg.EventsTopic = strings.TrimSpace(v.GetString(flagEventsTopic))
	cfg.RemindersTopic = strings.TrimSpace(v.GetString(flagRemindersTopic))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.MetricsEnabled = v.GetBool(flagMetricsEnabled)

	return cfg.Validate()
}
