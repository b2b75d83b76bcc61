package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/events"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"go.uber.org/zap"
)

// Task names, also used as lease keys and metric labels.
const (
	TaskExpirePools   = "expire-pools"
	TaskLockBets      = "lock-bets"
	TaskLoanReminders = "loan-reminders"
	TaskDefaultLoans  = "default-loans"
)

const (
	defaultInterval       = 30 * time.Second
	defaultReminderWindow = 24 * time.Hour
)

// Ledger is the subset of *ledger.Service driven by the scheduler.
type Ledger interface {
	ExpireDuePools(ctx context.Context) (int, error)
	LockBetsPastGrace(ctx context.Context, grace time.Duration) (int64, error)
	FlagDueReminders(ctx context.Context, within time.Duration) ([]ledger.Loan, error)
	MarkReminderSent(ctx context.Context, loanID string) error
	DefaultOverdueLoans(ctx context.Context, grace time.Duration) (int, error)
}

// TaskObserver receives the outcome of every task run.
type TaskObserver interface {
	ObserveTask(task string, changed int, err error)
}

// Config holds the scheduler timings.
type Config struct {
	Interval       time.Duration
	BetLockGrace   time.Duration
	ReminderWindow time.Duration
	DefaultGrace   time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLease coordinates sweeps across replicas.
func WithLease(lease Lease) Option {
	return func(scheduler *Scheduler) {
		if lease != nil {
			scheduler.lease = lease
		}
	}
}

// WithObserver reports task outcomes, typically to metrics.
func WithObserver(observer TaskObserver) Option {
	return func(scheduler *Scheduler) {
		scheduler.observer = observer
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// Scheduler periodically triggers the time-driven ledger operations. It keeps
// no state of its own; every task reads what is due from the store.
type Scheduler struct {
	ledger   Ledger
	notifier events.Notifier
	lease    Lease
	observer TaskObserver
	logger   *zap.Logger
	config   Config
}

// New validates the configuration and wires a Scheduler.
func New(service Ledger, notifier events.Notifier, config Config, options ...Option) (*Scheduler, error) {
	if service == nil {
		return nil, errors.New("scheduler ledger is nil")
	}
	if notifier == nil {
		return nil, errors.New("scheduler notifier is nil")
	}
	if config.Interval == 0 {
		config.Interval = defaultInterval
	}
	if config.BetLockGrace == 0 {
		config.BetLockGrace = ledger.DefaultBetLockGrace
	}
	if config.ReminderWindow == 0 {
		config.ReminderWindow = defaultReminderWindow
	}
	if config.Interval < 0 || config.BetLockGrace < 0 || config.ReminderWindow < 0 || config.DefaultGrace < 0 {
		return nil, fmt.Errorf("scheduler durations must not be negative")
	}
	scheduler := &Scheduler{
		ledger:   service,
		notifier: notifier,
		lease:    localLease{},
		logger:   zap.NewNop(),
		config:   config,
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	return scheduler, nil
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(scheduler.config.Interval)
	defer ticker.Stop()
	scheduler.logger.Info("scheduler started", zap.Duration("interval", scheduler.config.Interval))
	for {
		if err := scheduler.RunOnce(ctx); err != nil {
			scheduler.logger.Warn("scheduler sweep finished with errors", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			scheduler.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs every task a single time. A failing task does not stop the rest.
func (scheduler *Scheduler) RunOnce(ctx context.Context) error {
	return errors.Join(
		scheduler.runTask(ctx, TaskExpirePools, scheduler.expirePools),
		scheduler.runTask(ctx, TaskLockBets, scheduler.lockBets),
		scheduler.runTask(ctx, TaskLoanReminders, scheduler.sendLoanReminders),
		scheduler.runTask(ctx, TaskDefaultLoans, scheduler.defaultLoans),
	)
}

func (scheduler *Scheduler) runTask(ctx context.Context, task string, run func(context.Context) (int, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acquired, err := scheduler.lease.Acquire(ctx, task, scheduler.config.Interval)
	if err != nil {
		scheduler.observe(task, 0, err)
		return err
	}
	if !acquired {
		scheduler.logger.Debug("task owned by another replica", zap.String("task", task))
		return nil
	}
	changed, err := run(ctx)
	scheduler.observe(task, changed, err)
	if err != nil {
		return fmt.Errorf("%s: %w", task, err)
	}
	if changed > 0 {
		scheduler.logger.Info("task completed", zap.String("task", task), zap.Int("changed", changed))
	}
	return nil
}

func (scheduler *Scheduler) observe(task string, changed int, err error) {
	if scheduler.observer != nil {
		scheduler.observer.ObserveTask(task, changed, err)
	}
}

func (scheduler *Scheduler) expirePools(ctx context.Context) (int, error) {
	return scheduler.ledger.ExpireDuePools(ctx)
}

func (scheduler *Scheduler) lockBets(ctx context.Context) (int, error) {
	locked, err := scheduler.ledger.LockBetsPastGrace(ctx, scheduler.config.BetLockGrace)
	return int(locked), err
}

// sendLoanReminders marks a loan reminded only after delivery succeeds, so a
// failed delivery is retried on the next sweep.
func (scheduler *Scheduler) sendLoanReminders(ctx context.Context) (int, error) {
	loans, err := scheduler.ledger.FlagDueReminders(ctx, scheduler.config.ReminderWindow)
	if err != nil {
		return 0, err
	}
	var (
		sent int
		errs []error
	)
	for _, loan := range loans {
		if err := scheduler.notifier.NotifyLoanDue(ctx, loan); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := scheduler.ledger.MarkReminderSent(ctx, loan.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (scheduler *Scheduler) defaultLoans(ctx context.Context) (int, error) {
	return scheduler.ledger.DefaultOverdueLoans(ctx, scheduler.config.DefaultGrace)
}

var _ Ledger = (*ledger.Service)(nil)
