package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

// Notifier is fired when a provider breaker trips open (spec.md §4.2
// "emit a circuit_breaker_alert through the Notifier"). Fail-open: a
// Notifier error never fails the triggering request.
type Notifier interface {
	NotifyCircuitOpen(ctx context.Context, providerID uint, failureCount int)
}

type noopNotifier struct{}

func (noopNotifier) NotifyCircuitOpen(context.Context, uint, int) {}

// ProviderBreaker gates calls to a single provider through the Closed /
// Open / HalfOpen state machine (spec.md §4.2 "Per-provider state
// machine"). One lock guards one provider's state (§5 "Scheduling").
type ProviderBreaker struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	inproc  map[uint]*providerEntry
}

type providerEntry struct {
	mu    sync.Mutex
	state types.CircuitBreakerState
}

// NewProviderBreaker constructs a breaker bound to the given persistence
// Store.
func NewProviderBreaker(store Store, notifier Notifier, logger *zap.Logger) *ProviderBreaker {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &ProviderBreaker{
		store:    store,
		notifier: notifier,
		logger:   logger,
		inproc:   make(map[uint]*providerEntry),
	}
}

func (b *ProviderBreaker) entry(providerID uint) *providerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.inproc[providerID]
	if !ok {
		e = &providerEntry{state: types.CircuitBreakerState{ProviderID: providerID, CircuitState: "closed"}}
		b.inproc[providerID] = e
	}
	return e
}

// reconcile replaces the in-process state with the KV state (KV is source of
// truth on open/half-open transitions, spec.md §4.2 "Persistence"). Allow and
// IsOpen call it only while the in-process state is open or half-open; an
// entry starts closed, so a provider that is open in the KV (for example
// after a restart) is not read from the KV until this process itself trips it.
func (b *ProviderBreaker) reconcile(ctx context.Context, e *providerEntry, providerID uint) {
	remote, err := b.store.GetProvider(ctx, providerID)
	if err != nil {
		b.logger.Warn("breaker: failed to read provider state from store", zap.Uint("provider_id", providerID), zap.Error(err))
		return
	}
	if remote == nil {
		// No KV read miss shadow: a missing entry means closed (spec.md
		// "on any distributed-KV read miss for an in-memory open/
		// half-open entry, the in-memory state is reset to closed").
		if e.state.CircuitState != "closed" {
			e.state = types.CircuitBreakerState{ProviderID: providerID, CircuitState: "closed"}
		}
		return
	}
	e.state = *remote
}

func (b *ProviderBreaker) persist(ctx context.Context, e *providerEntry) {
	state := e.state
	if err := b.store.SaveProvider(ctx, &state); err != nil {
		b.logger.Warn("breaker: failed to persist provider state", zap.Uint("provider_id", state.ProviderID), zap.Error(err))
	}
}

// Allow reports whether a call to this provider may proceed, transitioning
// Open→HalfOpen when the open duration has elapsed (spec.md §4.2 "Open:
// ... until now > circuitOpenUntil, then transition to Half-Open").
func (b *ProviderBreaker) Allow(ctx context.Context, providerID uint, tuning types.CircuitBreakerTuning) bool {
	if tuning.FailureThreshold <= 0 {
		return true // breaker disabled for this provider
	}
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.CircuitState == "closed" {
		// Process-local is authoritative while closed; no KV round-trip
		// on the hot path.
		return true
	}

	b.reconcile(ctx, e, providerID)

	switch e.state.CircuitState {
	case "closed":
		return true
	case "open":
		if time.Now().After(e.state.CircuitOpenUntil) {
			e.state.CircuitState = "half-open"
			e.state.HalfOpenSuccessCount = 0
			b.persist(ctx, e)
			return true
		}
		return false
	case "half-open":
		return true
	default:
		return true
	}
}

// RecordSuccess applies a successful-call outcome (spec.md §4.2).
func (b *ProviderBreaker) RecordSuccess(ctx context.Context, providerID uint, tuning types.CircuitBreakerTuning) {
	if tuning.FailureThreshold <= 0 {
		return
	}
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.CircuitState {
	case "closed":
		if e.state.FailureCount != 0 {
			e.state.FailureCount = 0
			b.persist(ctx, e)
		}
	case "half-open":
		e.state.HalfOpenSuccessCount++
		if e.state.HalfOpenSuccessCount >= tuning.HalfOpenSuccessThreshold {
			e.state.CircuitState = "closed"
			e.state.FailureCount = 0
			e.state.HalfOpenSuccessCount = 0
		}
		b.persist(ctx, e)
	}
}

// RecordFailure applies a classified, breaker-countable failure (spec.md
// §4.2). Callers must only invoke this for FailureClass values where
// CountsAgainstBreaker() is true.
func (b *ProviderBreaker) RecordFailure(ctx context.Context, providerID uint, tuning types.CircuitBreakerTuning) {
	if tuning.FailureThreshold <= 0 {
		return
	}
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.FailureCount++
	e.state.LastFailureTime = time.Now()

	switch e.state.CircuitState {
	case "closed":
		if e.state.FailureCount >= tuning.FailureThreshold {
			e.state.CircuitState = "open"
			e.state.CircuitOpenUntil = time.Now().Add(openDuration(tuning))
			b.persist(ctx, e)
			b.notifier.NotifyCircuitOpen(ctx, providerID, e.state.FailureCount)
			return
		}
	case "half-open":
		e.state.CircuitState = "open"
		e.state.CircuitOpenUntil = time.Now().Add(openDuration(tuning))
		e.state.HalfOpenSuccessCount = 0
	}
	b.persist(ctx, e)
}

func openDuration(tuning types.CircuitBreakerTuning) time.Duration {
	if tuning.OpenDurationMs <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(tuning.OpenDurationMs) * time.Millisecond
}

// IsOpen reports the current state without side effects, for dashboards
// and the selector's health filter.
func (b *ProviderBreaker) IsOpen(ctx context.Context, providerID uint) bool {
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.CircuitState == "closed" {
		return false
	}
	b.reconcile(ctx, e, providerID)
	return e.state.CircuitState == "open"
}

// Reset clears a provider's breaker state (admin manual control, spec.md
// §4.2 "Manual controls").
func (b *ProviderBreaker) Reset(ctx context.Context, providerID uint) error {
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = types.CircuitBreakerState{ProviderID: providerID, CircuitState: "closed"}
	return b.store.DeleteProvider(ctx, providerID)
}

// TripToHalfOpen forces an Open provider straight to Half-Open ("smart
// probe", spec.md §4.2 "Manual controls").
func (b *ProviderBreaker) TripToHalfOpen(ctx context.Context, providerID uint) {
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.CircuitState = "half-open"
	e.state.HalfOpenSuccessCount = 0
	b.persist(ctx, e)
}

// State returns a copy of the current in-process state, for metrics
// collection.
func (b *ProviderBreaker) State(providerID uint) types.CircuitBreakerState {
	e := b.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
