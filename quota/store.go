// Package quota implements the rate-limit and budget guard: per-scope,
// per-window USD cost accounting backed by the distributed KV, RPM limiting,
// and the concurrent-session admission check (spec.md §4.4).
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xj4007/llmgateway/types"
)

// windowRecord is the KV-resident shape of one scope/window counter.
type windowRecord struct {
	AmountUsd   decimal.Decimal `json:"amountUsd"`
	WindowStart time.Time       `json:"windowStart"`
	WindowEnd   time.Time       `json:"windowEnd"`
}

// CostWindowStore persists per-scope cost accumulators under
// cost:{scope}:{id}:{window} (external-interfaces namespace list).
type CostWindowStore interface {
	Get(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) (decimal.Decimal, time.Time, time.Time, error)
	Add(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, start, end time.Time) (decimal.Decimal, error)
	Reset(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) error
}

func costKey(scope types.QuotaScope, id uint, kind types.CostWindowKind) string {
	return fmt.Sprintf("cost:%s:%d:%s", scope, id, kind)
}

// RedisCostWindowStore is the production CostWindowStore. Each record's TTL
// is set to the remaining window length so a stale window self-expires even
// if no request ever observes its boundary crossing.
type RedisCostWindowStore struct {
	client *redis.Client
}

func NewRedisCostWindowStore(client *redis.Client) *RedisCostWindowStore {
	return &RedisCostWindowStore{client: client}
}

func (s *RedisCostWindowStore) Get(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) (decimal.Decimal, time.Time, time.Time, error) {
	raw, err := s.client.Get(ctx, costKey(scope, id, kind)).Bytes()
	if err == redis.Nil {
		return decimal.Zero, time.Time{}, time.Time{}, nil
	}
	if err != nil {
		return decimal.Zero, time.Time{}, time.Time{}, err
	}
	var rec windowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return decimal.Zero, time.Time{}, time.Time{}, err
	}
	return rec.AmountUsd, rec.WindowStart, rec.WindowEnd, nil
}

func (s *RedisCostWindowStore) Add(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, start, end time.Time) (decimal.Decimal, error) {
	existingAmount, existingStart, _, err := s.Get(ctx, scope, id, kind)
	if err != nil {
		return decimal.Zero, err
	}
	total := amount
	if existingStart.Equal(start) {
		total = existingAmount.Add(amount)
	}
	rec := windowRecord{AmountUsd: total, WindowStart: start, WindowEnd: end}
	raw, err := json.Marshal(rec)
	if err != nil {
		return decimal.Zero, err
	}
	ttl := time.Duration(0)
	if !end.IsZero() {
		if d := time.Until(end); d > 0 {
			ttl = d + time.Minute
		}
	}
	if err := s.client.Set(ctx, costKey(scope, id, kind), raw, ttl).Err(); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (s *RedisCostWindowStore) Reset(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) error {
	return s.client.Del(ctx, costKey(scope, id, kind)).Err()
}

// memoryCostWindowStore is an in-process CostWindowStore for unit tests.
type memoryCostWindowStore struct {
	records map[string]windowRecord
}

func NewMemoryCostWindowStore() CostWindowStore {
	return &memoryCostWindowStore{records: make(map[string]windowRecord)}
}

func (m *memoryCostWindowStore) Get(_ context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) (decimal.Decimal, time.Time, time.Time, error) {
	rec, ok := m.records[costKey(scope, id, kind)]
	if !ok {
		return decimal.Zero, time.Time{}, time.Time{}, nil
	}
	return rec.AmountUsd, rec.WindowStart, rec.WindowEnd, nil
}

func (m *memoryCostWindowStore) Add(_ context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, start, end time.Time) (decimal.Decimal, error) {
	key := costKey(scope, id, kind)
	rec, ok := m.records[key]
	total := amount
	if ok && rec.WindowStart.Equal(start) {
		total = rec.AmountUsd.Add(amount)
	}
	m.records[key] = windowRecord{AmountUsd: total, WindowStart: start, WindowEnd: end}
	return total, nil
}

func (m *memoryCostWindowStore) Reset(_ context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind) error {
	delete(m.records, costKey(scope, id, kind))
	return nil
}

// RollingCostWindowStore accumulates a scope/window's spend as a log of
// timestamped events rather than a single exact-start-keyed total: a rolling
// window's boundary is now.Add(-length) on every call, so no two calls ever
// share the same start instant, and an exact-match record would never
// accumulate (the bug this type exists to avoid). Sum recomputes the total
// from the entries still inside [since, +inf) on every call, which is the
// only way to honor a true sliding [now-length, now) window.
type RollingCostWindowStore interface {
	Add(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, ts time.Time) error
	Sum(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, since time.Time) (decimal.Decimal, error)
}

func rollingKey(scope types.QuotaScope, id uint, kind types.CostWindowKind) string {
	return fmt.Sprintf("cost:rolling:%s:%d:%s", scope, id, kind)
}

// rollingMember packs (amount, a uniqueness nonce) into one ZSET member; the
// score carries the timestamp so range queries can both prune and sum.
func rollingMember(amount decimal.Decimal) string {
	return amount.String() + "|" + uuid.NewString()
}

func rollingMemberAmount(member string) (decimal.Decimal, error) {
	amountPart, _, ok := strings.Cut(member, "|")
	if !ok {
		return decimal.Zero, fmt.Errorf("quota: malformed rolling member %q", member)
	}
	return decimal.NewFromString(amountPart)
}

// RedisRollingCostWindowStore is the production RollingCostWindowStore,
// backed by one Redis sorted set per scope/window: score is the event's
// Unix-millisecond timestamp, member is the amount plus a random nonce so
// same-amount same-millisecond events don't collide.
type RedisRollingCostWindowStore struct {
	client *redis.Client
}

func NewRedisRollingCostWindowStore(client *redis.Client) *RedisRollingCostWindowStore {
	return &RedisRollingCostWindowStore{client: client}
}

func (s *RedisRollingCostWindowStore) Add(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, ts time.Time) error {
	key := rollingKey(scope, id, kind)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixMilli()), Member: rollingMember(amount)}).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, windowLength(kind)+time.Minute).Err()
}

func (s *RedisRollingCostWindowStore) Sum(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, since time.Time) (decimal.Decimal, error) {
	key := rollingKey(scope, id, kind)
	sinceMs := since.UnixMilli()
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", sinceMs)).Err(); err != nil {
		return decimal.Zero, err
	}
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: strconv.FormatInt(sinceMs, 10), Max: "+inf"}).Result()
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, member := range members {
		amount, err := rollingMemberAmount(member)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(amount)
	}
	return total, nil
}

// memoryRollingCostWindowStore is an in-process RollingCostWindowStore for
// unit tests.
type memoryRollingCostWindowStore struct {
	entries map[string][]rollingEntry
}

type rollingEntry struct {
	ts     time.Time
	amount decimal.Decimal
}

func NewMemoryRollingCostWindowStore() RollingCostWindowStore {
	return &memoryRollingCostWindowStore{entries: make(map[string][]rollingEntry)}
}

func (m *memoryRollingCostWindowStore) Add(_ context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, amount decimal.Decimal, ts time.Time) error {
	key := rollingKey(scope, id, kind)
	m.entries[key] = append(m.entries[key], rollingEntry{ts: ts, amount: amount})
	return nil
}

func (m *memoryRollingCostWindowStore) Sum(_ context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, since time.Time) (decimal.Decimal, error) {
	key := rollingKey(scope, id, kind)
	kept := m.entries[key][:0]
	total := decimal.Zero
	for _, e := range m.entries[key] {
		if e.ts.Before(since) {
			continue
		}
		kept = append(kept, e)
		total = total.Add(e.amount)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ts.Before(kept[j].ts) })
	m.entries[key] = kept
	return total, nil
}
