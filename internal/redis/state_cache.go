package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nutcas3/chronos-monorepo/internal/domain"
)

const stateTTL = 24 * time.Hour

func stateKey(taskID string) string { return "chronos:task:state:" + taskID }

// StateCache mirrors task states in Redis for cheap reads by the API layer.
// It is a pure convenience cache: writes are best-effort, entries expire, and
// losing the whole keyspace never affects correctness — the Postgres row and
// its audit trail are the only ground truth.
type StateCache interface {
	SetState(ctx context.Context, taskID string, state domain.TaskState) error
	GetState(ctx context.Context, taskID string) (domain.TaskState, error)
	Forget(ctx context.Context, taskID string) error
}

type stateCache struct {
	client *redis.Client
}

// NewStateCache creates a Redis-backed StateCache.
func NewStateCache(client *redis.Client) StateCache {
	return &stateCache{client: client}
}

// NewClient creates a Redis client with conservative timeouts.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (c *stateCache) SetState(ctx context.Context, taskID string, state domain.TaskState) error {
	if err := c.client.Set(ctx, stateKey(taskID), string(state), stateTTL).Err(); err != nil {
		return fmt.Errorf("redis set state for %s: %w", taskID, err)
	}
	return nil
}

func (c *stateCache) GetState(ctx context.Context, taskID string) (domain.TaskState, error) {
	val, err := c.client.Get(ctx, stateKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get state for %s: %w", taskID, err)
	}
	return domain.TaskState(val), nil
}

func (c *stateCache) Forget(ctx context.Context, taskID string) error {
	if err := c.client.Del(ctx, stateKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis forget %s: %w", taskID, err)
	}
	return nil
}
