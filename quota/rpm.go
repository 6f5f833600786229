package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xj4007/llmgateway/types"
)

// RPMCounter enforces the fixed-60s requests-per-minute cap (spec.md §4.4
// "rpmLimit: fixed 60s window, INCR+EXPIRE, not sliding").
type RPMCounter interface {
	// Incr increments the current minute's counter and returns the new
	// count. The window is a fixed wall-clock minute, not sliding.
	Incr(ctx context.Context, scope types.QuotaScope, id uint) (int, error)
}

func rpmKey(scope types.QuotaScope, id uint, minute int64) string {
	return fmt.Sprintf("rpm:%s:%d:%d", scope, id, minute)
}

type RedisRPMCounter struct {
	client *redis.Client
}

func NewRedisRPMCounter(client *redis.Client) *RedisRPMCounter {
	return &RedisRPMCounter{client: client}
}

func (c *RedisRPMCounter) Incr(ctx context.Context, scope types.QuotaScope, id uint) (int, error) {
	minute := time.Now().Unix() / 60
	key := rpmKey(scope, id, minute)
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		c.client.Expire(ctx, key, 90*time.Second)
	}
	return int(n), nil
}

type memoryRPMCounter struct {
	counts map[string]int
}

func NewMemoryRPMCounter() RPMCounter {
	return &memoryRPMCounter{counts: make(map[string]int)}
}

func (c *memoryRPMCounter) Incr(_ context.Context, scope types.QuotaScope, id uint) (int, error) {
	minute := time.Now().Unix() / 60
	key := rpmKey(scope, id, minute)
	c.counts[key]++
	return c.counts[key], nil
}
