package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lock only when this instance still owns it; the
// Lua round-trip keeps check-and-expire atomic.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// LeaderLock is a single-holder lease used by the scheduler so only one
// instance fires cron entries. The durable engine itself never needs it: the
// transition protocol's compare-and-swap already serializes per task.
type LeaderLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

// NewLeaderLock creates a lease on key held by instanceID for ttl.
func NewLeaderLock(client *redis.Client, key, instanceID string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// AcquireOrRenew attempts to take the lease, or extends it when already held
// by this instance. Returns true when this instance is the leader.
func (l *LeaderLock) AcquireOrRenew(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SetNX on %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renewal on %s: %w", l.key, err)
	}
	return res == 1, nil
}

// Release drops the lease if held by this instance.
func (l *LeaderLock) Release(ctx context.Context) error {
	releaseScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release on %s: %w", l.key, err)
	}
	return nil
}
