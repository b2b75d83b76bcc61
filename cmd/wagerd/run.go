package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/config"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/database"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/events"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/logging"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/wagerledger/internal/scheduler"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const serviceName = "wagerd"

func openDatabase(ctx context.Context, cfg config.Config) (*database.Database, error) {
	db, err := database.Open(ctx, database.Options{
		URL:            cfg.DatabaseURL,
		Backend:        cfg.DatabaseBackend,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func clock() time.Time {
	return time.Now().UTC()
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(serviceName, cfg.Environment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("database close error", zap.Error(closeErr))
		}
	}()

	houseCut, err := cfg.ParsedHouseCut()
	if err != nil {
		return err
	}
	serviceOptions := []ledger.ServiceOption{
		ledger.WithStartingBalance(cfg.StartingBalance),
		ledger.WithDailyBonus(cfg.DailyBonus),
		ledger.WithDefaultHouseCut(houseCut),
		ledger.WithBetLockGrace(cfg.BetLockGrace),
		ledger.WithOperationLogger(logging.NewOperationLogger(logger)),
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	serviceOptions = append(serviceOptions, ledger.WithOperationLogger(recorder))

	var notifier events.Notifier = events.NewLogNotifier(logger)
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.EventsTopic), logger)
		if err != nil {
			return fmt.Errorf("event publisher init: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		serviceOptions = append(serviceOptions, ledger.WithOperationLogger(publisher))

		kafkaNotifier, err := events.NewKafkaNotifier(events.NewReminderWriter(cfg.KafkaBrokers, cfg.RemindersTopic), logger)
		if err != nil {
			return fmt.Errorf("reminder notifier init: %w", err)
		}
		defer func() { _ = kafkaNotifier.Close() }()
		notifier = kafkaNotifier
		logger.Info("publishing ledger events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.EventsTopic))
	}

	service, err := ledger.NewService(db.Store, clock, serviceOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	schedulerErrCh := make(chan error, 1)
	if cfg.SchedulerEnabled {
		schedulerOptions := []scheduler.Option{
			scheduler.WithLogger(logger),
			scheduler.WithObserver(recorder),
		}
		if cfg.RedisAddr != "" {
			redisClient, err := scheduler.ConnectRedis(ctx, cfg.RedisAddr)
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = redisClient.Close() }()
			schedulerOptions = append(schedulerOptions, scheduler.WithLease(scheduler.NewRedisLease(redisClient)))
		}
		sweeper, err := scheduler.New(service, notifier, scheduler.Config{
			Interval:       cfg.SchedulerInterval,
			BetLockGrace:   cfg.BetLockGrace,
			ReminderWindow: cfg.ReminderWindow,
			DefaultGrace:   cfg.DefaultGrace,
		}, schedulerOptions...)
		if err != nil {
			return fmt.Errorf("scheduler init: %w", err)
		}
		go func() {
			schedulerErrCh <- sweeper.Run(ctx)
		}()
	} else {
		schedulerErrCh <- nil
	}

	apiConfig := httpapi.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		LocalMode:      cfg.IsLocal(),
		AdminAccounts:  cfg.AdminAccounts,
		RequestTimeout: cfg.RequestTimeout,
		HealthCheck:    db.Ping,
	}
	if cfg.MetricsEnabled {
		apiConfig.MetricsHandler = recorder.Handler()
	}
	router, err := httpapi.NewRouter(service, apiConfig, logger)
	if err != nil {
		return fmt.Errorf("router init: %w", err)
	}

	logger.Info("wagerd starting",
		zap.String("database_driver", db.Driver),
		zap.String("database_backend", db.Backend),
		zap.Bool("scheduler_enabled", cfg.SchedulerEnabled),
	)
	serveErr := httpapi.Run(ctx, cfg.ListenAddr, router, logger)
	if serveErr != nil {
		return serveErr
	}
	return <-schedulerErrCh
}

func runMigrate(ctx context.Context, cfg config.Config, out io.Writer) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	_, err = fmt.Fprintf(out, "schema ready (%s/%s)\n", db.Driver, db.Backend)
	return err
}

var errInconsistentBalance = errors.New("cached balance differs from transaction log")

func runReconcile(ctx context.Context, cfg config.Config, accountIDs []string, out io.Writer) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	service, err := ledger.NewService(db.Store, clock)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	return reconcileAccounts(ctx, service, accountIDs, out)
}

func reconcileAccounts(ctx context.Context, service *ledger.Service, accountIDs []string, out io.Writer) error {
	var inconsistent []string
	for _, rawAccountID := range accountIDs {
		accountID, err := ledger.NewAccountID(rawAccountID)
		if err != nil {
			return err
		}
		reconciliation, err := service.Reconcile(ctx, accountID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", accountID.String(), err)
		}
		status := "ok"
		if !reconciliation.Consistent() {
			status = "MISMATCH"
			inconsistent = append(inconsistent, accountID.String())
		}
		if _, err := fmt.Fprintf(out, "%s\tcached=%d\tledger=%d\t%s\n", accountID.String(), reconciliation.CachedBalance, reconciliation.LedgerBalance, status); err != nil {
			return err
		}
	}
	if len(inconsistent) > 0 {
		return fmt.Errorf("%w: %v", errInconsistentBalance, inconsistent)
	}
	return nil
}
