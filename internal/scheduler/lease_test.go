package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type expiringEntry struct {
	value     string
	expiresAt time.Time
}

// expiringRedis honours key expiry against a controllable clock. Only the
// commands the lease issues are implemented.
type expiringRedis struct {
	redis.Cmdable
	mu      sync.Mutex
	clock   *clock
	entries map[string]expiringEntry
	evalErr error
}

func newExpiringRedis(testClock *clock) *expiringRedis {
	return &expiringRedis{clock: testClock, entries: map[string]expiringEntry{}}
}

func (fake *expiringRedis) live(key string) (expiringEntry, bool) {
	entry, ok := fake.entries[key]
	if !ok || !fake.clock.Now().Before(entry.expiresAt) {
		delete(fake.entries, key)
		return expiringEntry{}, false
	}
	return entry, true
}

func (fake *expiringRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	fake.entries[key] = expiringEntry{value: value.(string), expiresAt: fake.clock.Now().Add(expiration)}
	return redis.NewBoolResult(true, nil)
}

func (fake *expiringRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.evalErr != nil {
		return redis.NewCmdResult(nil, fake.evalErr)
	}
	entry, ok := fake.live(keys[0])
	if !ok || entry.value != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	entry.expiresAt = fake.clock.Now().Add(time.Duration(args[1].(int64)) * time.Millisecond)
	fake.entries[keys[0]] = entry
	return redis.NewCmdResult(int64(1), nil)
}

func TestRedisLeaseOwnerRenewsBeforeExpiry(test *testing.T) {
	ctx := context.Background()
	testClock := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	fake := newExpiringRedis(testClock)
	owner := NewRedisLease(fake)
	rival := NewRedisLease(fake)

	acquired, err := owner.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.True(test, acquired)

	acquired, err = rival.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.False(test, acquired, "a held lease blocks other owners")

	testClock.Advance(30 * time.Second)
	acquired, err = owner.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.True(test, acquired, "the owner renews its own lease")

	testClock.Advance(45 * time.Second)
	acquired, err = rival.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.False(test, acquired, "renewal pushes expiry past the first ttl")

	testClock.Advance(time.Minute)
	acquired, err = rival.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.True(test, acquired, "an expired lease passes to the next caller")

	acquired, err = owner.Acquire(ctx, TaskExpirePools, time.Minute)
	require.NoError(test, err)
	assert.False(test, acquired)
}

func TestRedisLeaseReportsRenewalFailure(test *testing.T) {
	ctx := context.Background()
	testClock := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	fake := newExpiringRedis(testClock)
	lease := NewRedisLease(fake)
	_, err := lease.Acquire(ctx, TaskLockBets, time.Minute)
	require.NoError(test, err)

	fake.evalErr = errors.New("redis down")
	acquired, err := lease.Acquire(ctx, TaskLockBets, time.Minute)
	require.ErrorContains(test, err, "redis down")
	assert.False(test, acquired)
}

func TestSingleReplicaRunsEveryTickWithRedisLease(test *testing.T) {
	testClock := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	lease := NewRedisLease(newExpiringRedis(testClock))
	ledgerMock := &mockLedger{}
	ledgerMock.On("ExpireDuePools", mock.Anything).Return(0, nil).Times(2)
	ledgerMock.On("LockBetsPastGrace", mock.Anything, mock.Anything).Return(int64(0), nil).Times(2)
	ledgerMock.On("FlagDueReminders", mock.Anything, mock.Anything).Return(nil, nil).Times(2)
	ledgerMock.On("DefaultOverdueLoans", mock.Anything, mock.Anything).Return(0, nil).Times(2)

	scheduler, err := New(ledgerMock, &mockNotifier{}, testConfig(), WithLease(lease))
	require.NoError(test, err)
	require.NoError(test, scheduler.RunOnce(context.Background()))
	testClock.Advance(59 * time.Second)
	require.NoError(test, scheduler.RunOnce(context.Background()))

	ledgerMock.AssertExpectations(test)
}
