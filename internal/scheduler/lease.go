package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "wagerledger:scheduler:"

// renewLeaseScript extends the expiry only while the caller still owns the key.
const renewLeaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Lease grants one replica the right to run a task for a period.
type Lease interface {
	Acquire(ctx context.Context, task string, ttl time.Duration) (bool, error)
}

// RedisLease claims tasks with SET NX PX so that concurrent replicas skip a
// sweep another replica already owns. The owner renews its own key on the
// next tick, so a live owner keeps the task. Tasks stay idempotent without it.
type RedisLease struct {
	client redis.Cmdable
	owner  string
}

// NewRedisLease builds a lease over a redis client with a random owner token.
func NewRedisLease(client redis.Cmdable) *RedisLease {
	return &RedisLease{client: client, owner: uuid.NewString()}
}

// ConnectRedis opens and pings a redis client.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Acquire implements Lease.
func (lease *RedisLease) Acquire(ctx context.Context, task string, ttl time.Duration) (bool, error) {
	key := leaseKeyPrefix + task
	acquired, err := lease.client.SetNX(ctx, key, lease.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", task, err)
	}
	if acquired {
		return true, nil
	}
	renewed, err := lease.client.Eval(ctx, renewLeaseScript, []string{key}, lease.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", task, err)
	}
	return renewed == 1, nil
}

type localLease struct{}

func (localLease) Acquire(ctx context.Context, task string, ttl time.Duration) (bool, error) {
	return true, nil
}
