package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLedger struct {
	mock.Mock
}

func (ledgerMock *mockLedger) ExpireDuePools(ctx context.Context) (int, error) {
	args := ledgerMock.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (ledgerMock *mockLedger) LockBetsPastGrace(ctx context.Context, grace time.Duration) (int64, error) {
	args := ledgerMock.Called(ctx, grace)
	return args.Get(0).(int64), args.Error(1)
}

func (ledgerMock *mockLedger) FlagDueReminders(ctx context.Context, within time.Duration) ([]ledger.Loan, error) {
	args := ledgerMock.Called(ctx, within)
	loans, _ := args.Get(0).([]ledger.Loan)
	return loans, args.Error(1)
}

func (ledgerMock *mockLedger) MarkReminderSent(ctx context.Context, loanID string) error {
	return ledgerMock.Called(ctx, loanID).Error(0)
}

func (ledgerMock *mockLedger) DefaultOverdueLoans(ctx context.Context, grace time.Duration) (int, error) {
	args := ledgerMock.Called(ctx, grace)
	return args.Int(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (notifier *mockNotifier) NotifyLoanDue(ctx context.Context, loan ledger.Loan) error {
	return notifier.Called(ctx, loan.ID).Error(0)
}

type mockLease struct {
	mock.Mock
}

func (lease *mockLease) Acquire(ctx context.Context, task string, ttl time.Duration) (bool, error) {
	args := lease.Called(ctx, task, ttl)
	return args.Bool(0), args.Error(1)
}

type taskObservation struct {
	task    string
	changed int
	failed  bool
}

type recordingObserver struct {
	mu           sync.Mutex
	observations []taskObservation
}

func (observer *recordingObserver) ObserveTask(task string, changed int, err error) {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	observer.observations = append(observer.observations, taskObservation{task: task, changed: changed, failed: err != nil})
}

func (observer *recordingObserver) byTask(task string) []taskObservation {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	var matched []taskObservation
	for _, observation := range observer.observations {
		if observation.task == task {
			matched = append(matched, observation)
		}
	}
	return matched
}

func testConfig() Config {
	return Config{
		Interval:       time.Minute,
		BetLockGrace:   30 * time.Second,
		ReminderWindow: 24 * time.Hour,
		DefaultGrace:   time.Hour,
	}
}

func TestRunOnceDrivesEveryTask(test *testing.T) {
	ledgerMock := &mockLedger{}
	notifier := &mockNotifier{}
	observer := &recordingObserver{}
	ledgerMock.On("ExpireDuePools", mock.Anything).Return(2, nil).Once()
	ledgerMock.On("LockBetsPastGrace", mock.Anything, 30*time.Second).Return(int64(5), nil).Once()
	ledgerMock.On("FlagDueReminders", mock.Anything, 24*time.Hour).Return([]ledger.Loan{{ID: "loan-1"}, {ID: "loan-2"}}, nil).Once()
	notifier.On("NotifyLoanDue", mock.Anything, "loan-1").Return(nil).Once()
	notifier.On("NotifyLoanDue", mock.Anything, "loan-2").Return(nil).Once()
	ledgerMock.On("MarkReminderSent", mock.Anything, "loan-1").Return(nil).Once()
	ledgerMock.On("MarkReminderSent", mock.Anything, "loan-2").Return(nil).Once()
	ledgerMock.On("DefaultOverdueLoans", mock.Anything, time.Hour).Return(1, nil).Once()

	scheduler, err := New(ledgerMock, notifier, testConfig(), WithObserver(observer))
	require.NoError(test, err)
	require.NoError(test, scheduler.RunOnce(context.Background()))

	ledgerMock.AssertExpectations(test)
	notifier.AssertExpectations(test)
	assert.Equal(test, []taskObservation{{task: TaskExpirePools, changed: 2}}, observer.byTask(TaskExpirePools))
	assert.Equal(test, []taskObservation{{task: TaskLockBets, changed: 5}}, observer.byTask(TaskLockBets))
	assert.Equal(test, []taskObservation{{task: TaskLoanReminders, changed: 2}}, observer.byTask(TaskLoanReminders))
	assert.Equal(test, []taskObservation{{task: TaskDefaultLoans, changed: 1}}, observer.byTask(TaskDefaultLoans))
}

func TestFailedDeliveryLeavesReminderUnmarked(test *testing.T) {
	ledgerMock := &mockLedger{}
	notifier := &mockNotifier{}
	observer := &recordingObserver{}
	ledgerMock.On("ExpireDuePools", mock.Anything).Return(0, nil)
	ledgerMock.On("LockBetsPastGrace", mock.Anything, mock.Anything).Return(int64(0), nil)
	ledgerMock.On("FlagDueReminders", mock.Anything, mock.Anything).Return([]ledger.Loan{{ID: "loan-1"}, {ID: "loan-2"}}, nil)
	notifier.On("NotifyLoanDue", mock.Anything, "loan-1").Return(errors.New("broker down"))
	notifier.On("NotifyLoanDue", mock.Anything, "loan-2").Return(nil)
	ledgerMock.On("MarkReminderSent", mock.Anything, "loan-2").Return(nil)
	ledgerMock.On("DefaultOverdueLoans", mock.Anything, mock.Anything).Return(0, nil)

	scheduler, err := New(ledgerMock, notifier, testConfig(), WithObserver(observer))
	require.NoError(test, err)
	err = scheduler.RunOnce(context.Background())

	require.ErrorContains(test, err, "broker down")
	ledgerMock.AssertNotCalled(test, "MarkReminderSent", mock.Anything, "loan-1")
	ledgerMock.AssertCalled(test, "DefaultOverdueLoans", mock.Anything, time.Hour)
	assert.Equal(test, []taskObservation{{task: TaskLoanReminders, changed: 1, failed: true}}, observer.byTask(TaskLoanReminders))
}

func TestTaskFailureDoesNotStopLaterTasks(test *testing.T) {
	ledgerMock := &mockLedger{}
	ledgerMock.On("ExpireDuePools", mock.Anything).Return(0, ledger.ErrContention)
	ledgerMock.On("LockBetsPastGrace", mock.Anything, mock.Anything).Return(int64(1), nil)
	ledgerMock.On("FlagDueReminders", mock.Anything, mock.Anything).Return(nil, nil)
	ledgerMock.On("DefaultOverdueLoans", mock.Anything, mock.Anything).Return(0, nil)

	scheduler, err := New(ledgerMock, &mockNotifier{}, testConfig())
	require.NoError(test, err)
	err = scheduler.RunOnce(context.Background())

	require.ErrorIs(test, err, ledger.ErrContention)
	ledgerMock.AssertExpectations(test)
}

func TestLeaseHeldElsewhereSkipsTask(test *testing.T) {
	ledgerMock := &mockLedger{}
	lease := &mockLease{}
	lease.On("Acquire", mock.Anything, TaskExpirePools, time.Minute).Return(false, nil)
	lease.On("Acquire", mock.Anything, TaskLockBets, time.Minute).Return(true, nil)
	lease.On("Acquire", mock.Anything, TaskLoanReminders, time.Minute).Return(false, nil)
	lease.On("Acquire", mock.Anything, TaskDefaultLoans, time.Minute).Return(false, errors.New("redis down"))
	ledgerMock.On("LockBetsPastGrace", mock.Anything, mock.Anything).Return(int64(0), nil)

	scheduler, err := New(ledgerMock, &mockNotifier{}, testConfig(), WithLease(lease))
	require.NoError(test, err)
	err = scheduler.RunOnce(context.Background())

	require.ErrorContains(test, err, "redis down")
	ledgerMock.AssertNotCalled(test, "ExpireDuePools", mock.Anything)
	ledgerMock.AssertNotCalled(test, "DefaultOverdueLoans", mock.Anything, mock.Anything)
	ledgerMock.AssertExpectations(test)
}

func TestNewValidatesInputs(test *testing.T) {
	_, err := New(nil, &mockNotifier{}, Config{})
	require.Error(test, err)
	_, err = New(&mockLedger{}, nil, Config{})
	require.Error(test, err)
	_, err = New(&mockLedger{}, &mockNotifier{}, Config{DefaultGrace: -time.Second})
	require.Error(test, err)

	scheduler, err := New(&mockLedger{}, &mockNotifier{}, Config{})
	require.NoError(test, err)
	assert.Equal(test, defaultInterval, scheduler.config.Interval)
	assert.Equal(test, ledger.DefaultBetLockGrace, scheduler.config.BetLockGrace)
	assert.Equal(test, defaultReminderWindow, scheduler.config.ReminderWindow)
}

func TestRunStopsWhenContextEnds(test *testing.T) {
	ledgerMock := &mockLedger{}
	ledgerMock.On("ExpireDuePools", mock.Anything).Return(0, nil)
	ledgerMock.On("LockBetsPastGrace", mock.Anything, mock.Anything).Return(int64(0), nil)
	ledgerMock.On("FlagDueReminders", mock.Anything, mock.Anything).Return(nil, nil)
	ledgerMock.On("DefaultOverdueLoans", mock.Anything, mock.Anything).Return(0, nil)
	scheduler, err := New(ledgerMock, &mockNotifier{}, Config{Interval: 5 * time.Millisecond})
	require.NoError(test, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(test, scheduler.Run(ctx))
	ledgerMock.AssertCalled(test, "ExpireDuePools", mock.Anything)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (testClock *clock) Now() time.Time {
	testClock.mu.Lock()
	defer testClock.mu.Unlock()
	return testClock.now
}

func (testClock *clock) Advance(duration time.Duration) {
	testClock.mu.Lock()
	defer testClock.mu.Unlock()
	testClock.now = testClock.now.Add(duration)
}

type capturingNotifier struct {
	mu      sync.Mutex
	loanIDs []string
}

func (notifier *capturingNotifier) NotifyLoanDue(ctx context.Context, loan ledger.Loan) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.loanIDs = append(notifier.loanIDs, loan.ID)
	return nil
}

func TestSchedulerAgainstLedgerService(test *testing.T) {
	ctx := context.Background()
	testClock := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	service, err := ledger.NewService(memstore.New(), testClock.Now)
	require.NoError(test, err)
	notifier := &capturingNotifier{}
	scheduler, err := New(service, notifier, Config{Interval: time.Minute, ReminderWindow: 24 * time.Hour})
	require.NoError(test, err)

	creator, err := ledger.NewAccountID("creator")
	require.NoError(test, err)
	alice, err := ledger.NewAccountID("alice")
	require.NoError(test, err)
	bob, err := ledger.NewAccountID("bob")
	require.NoError(test, err)

	pool, err := service.CreatePool(ctx, ledger.PoolRequest{CreatorID: creator, Title: "match", Options: []string{"A", "B"}, Duration: time.Hour})
	require.NoError(test, err)
	_, err = service.PlaceBet(ctx, alice, pool.ID, pool.Options[0].ID, 100)
	require.NoError(test, err)
	loan, err := service.CreateLoan(ctx, ledger.LoanRequest{LenderID: alice, BorrowerID: bob, Principal: 100, Rate: decimal.RequireFromString("0.1"), Days: 1})
	require.NoError(test, err)

	require.NoError(test, scheduler.RunOnce(ctx))
	assert.Equal(test, []string{loan.ID}, notifier.loanIDs)

	require.NoError(test, scheduler.RunOnce(ctx))
	assert.Equal(test, []string{loan.ID}, notifier.loanIDs, "a reminded loan is not reminded again")

	testClock.Advance(25 * time.Hour)
	require.NoError(test, scheduler.RunOnce(ctx))

	expired, err := service.GetPool(ctx, pool.ID)
	require.NoError(test, err)
	assert.Equal(test, ledger.PoolStatusExpired, expired.Status)
	bets, err := service.ListPoolBets(ctx, pool.ID)
	require.NoError(test, err)
	require.Len(test, bets, 1)
	assert.True(test, bets[0].Locked())
	defaulted, err := service.GetLoan(ctx, loan.ID)
	require.NoError(test, err)
	assert.Equal(test, ledger.LoanStatusDefaulted, defaulted.Status)
}
