package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/shopspring/decimal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []ledger.OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) byOperation(operation string) []ledger.OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []ledger.OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

type fixture struct {
	store   *memstore.Store
	clock   *testClock
	service *ledger.Service
	logger  *recorderLogger
}

func newFixture(test *testing.T, options ...ledger.ServiceOption) fixture {
	test.Helper()
	store := memstore.New()
	clock := newTestClock()
	logger := &recorderLogger{}
	options = append([]ledger.ServiceOption{ledger.WithOperationLogger(logger)}, options...)
	service, err := ledger.NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return fixture{store: store, clock: clock, service: service, logger: logger}
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustHouseCut(test *testing.T, raw string) ledger.HouseCut {
	test.Helper()
	cut, err := ledger.ParseHouseCut(raw)
	if err != nil {
		test.Fatalf("house cut %q: %v", raw, err)
	}
	return cut
}

func mustRate(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("rate %q: %v", raw, err)
	}
	return rate
}

func (env fixture) mustBalance(test *testing.T, accountID ledger.AccountID) int64 {
	test.Helper()
	account, err := env.service.GetOrCreateAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("account %s: %v", accountID.String(), err)
	}
	return account.Balance
}

func (env fixture) mustPool(test *testing.T, creator ledger.AccountID, options ...string) ledger.Pool {
	test.Helper()
	if len(options) == 0 {
		options = []string{"A", "B"}
	}
	pool, err := env.service.CreatePool(context.Background(), ledger.PoolRequest{
		CreatorID: creator,
		Title:     "Who wins the final?",
		Options:   options,
		Duration:  time.Hour,
	})
	if err != nil {
		test.Fatalf("create pool: %v", err)
	}
	return pool
}

func (env fixture) mustLockedBet(test *testing.T, accountID ledger.AccountID, pool ledger.Pool, optionID string, amount int64) ledger.Bet {
	test.Helper()
	if _, err := env.service.PlaceBet(context.Background(), accountID, pool.ID, optionID, amount); err != nil {
		test.Fatalf("place bet: %v", err)
	}
	bet, err := env.service.LockBet(context.Background(), accountID, pool.ID)
	if err != nil {
		test.Fatalf("lock bet: %v", err)
	}
	return bet
}

func (env fixture) mustConsistent(test *testing.T, accountIDs ...ledger.AccountID) {
	test.Helper()
	for _, accountID := range accountIDs {
		reconciliation, err := env.service.Reconcile(context.Background(), accountID)
		if err != nil {
			test.Fatalf("reconcile %s: %v", accountID.String(), err)
		}
		if !reconciliation.Consistent() {
			test.Fatalf("account %s cached %d, ledger %d", accountID.String(), reconciliation.CachedBalance, reconciliation.LedgerBalance)
		}
		if reconciliation.CachedBalance < 0 {
			test.Fatalf("account %s went negative: %d", accountID.String(), reconciliation.CachedBalance)
		}
	}
}
