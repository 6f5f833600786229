// Package breaker implements the two-tier circuit breaker described by the
// provider resolver: a per-provider Closed/Open/HalfOpen state machine, and
// a coarser per-(vendor, providerType) Closed/Open breaker for vendor-wide
// blackouts and admin "manual open".
package breaker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/xj4007/llmgateway/types"
)

// Store persists breaker state to the distributed KV. It is the source of
// truth for Open/HalfOpen; the in-process cache is authoritative only while
// Closed (system overview, shared-resource policy).
type Store interface {
	GetProvider(ctx context.Context, providerID uint) (*types.CircuitBreakerState, error)
	SaveProvider(ctx context.Context, state *types.CircuitBreakerState) error
	DeleteProvider(ctx context.Context, providerID uint) error

	GetVendorType(ctx context.Context, vendorID uint, pt types.ProviderType) (*types.VendorTypeBreakerState, error)
	SaveVendorType(ctx context.Context, state *types.VendorTypeBreakerState) error
}

func providerKey(id uint) string {
	return fmt.Sprintf("circuit:provider:%d", id)
}

func vendorTypeKey(vendorID uint, pt types.ProviderType) string {
	return fmt.Sprintf("circuit:vendorType:%d:%s", vendorID, pt)
}

// RedisStore is the production Store backed by go-redis (distributed KV
// namespaces per the external-interfaces list). Provider breaker state has
// no TTL — only an admin reset deletes it.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) GetProvider(ctx context.Context, providerID uint) (*types.CircuitBreakerState, error) {
	raw, err := s.client.Get(ctx, providerKey(providerID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state types.CircuitBreakerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) SaveProvider(ctx context.Context, state *types.CircuitBreakerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, providerKey(state.ProviderID), raw, 0).Err()
}

func (s *RedisStore) DeleteProvider(ctx context.Context, providerID uint) error {
	return s.client.Del(ctx, providerKey(providerID)).Err()
}

func (s *RedisStore) GetVendorType(ctx context.Context, vendorID uint, pt types.ProviderType) (*types.VendorTypeBreakerState, error) {
	raw, err := s.client.Get(ctx, vendorTypeKey(vendorID, pt)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state types.VendorTypeBreakerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *RedisStore) SaveVendorType(ctx context.Context, state *types.VendorTypeBreakerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, vendorTypeKey(state.VendorID, state.ProviderType), raw, 0).Err()
}

// memoryStore is an in-process Store used by tests; it has no persistence
// across restarts but satisfies the Store contract exactly.
type memoryStore struct {
	providers  map[uint]*types.CircuitBreakerState
	vendorType map[string]*types.VendorTypeBreakerState
}

// NewMemoryStore returns a Store suitable for tests that don't need a real
// redis instance (prefer RedisStore + miniredis for integration-style
// coverage; this is for pure unit tests of the state machine).
func NewMemoryStore() Store {
	return &memoryStore{
		providers:  make(map[uint]*types.CircuitBreakerState),
		vendorType: make(map[string]*types.VendorTypeBreakerState),
	}
}

func (m *memoryStore) GetProvider(_ context.Context, providerID uint) (*types.CircuitBreakerState, error) {
	if s, ok := m.providers[providerID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryStore) SaveProvider(_ context.Context, state *types.CircuitBreakerState) error {
	cp := *state
	m.providers[state.ProviderID] = &cp
	return nil
}

func (m *memoryStore) DeleteProvider(_ context.Context, providerID uint) error {
	delete(m.providers, providerID)
	return nil
}

func (m *memoryStore) GetVendorType(_ context.Context, vendorID uint, pt types.ProviderType) (*types.VendorTypeBreakerState, error) {
	if s, ok := m.vendorType[vendorTypeKey(vendorID, pt)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryStore) SaveVendorType(_ context.Context, state *types.VendorTypeBreakerState) error {
	cp := *state
	m.vendorType[vendorTypeKey(state.VendorID, state.ProviderType)] = &cp
	return nil
}
