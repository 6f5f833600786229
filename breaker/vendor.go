package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/xj4007/llmgateway/types"
)

// VendorTypeBreaker is the coarser (vendor, providerType) breaker used for
// vendor-wide blackouts and admin "manual open" (spec.md §4.2). It is
// Closed/Open only — no half-open probing, no automatic failure counting
// beyond what the caller chooses to report.
type VendorTypeBreaker struct {
	store Store

	mu     sync.Mutex
	inproc map[string]*vendorEntry
}

type vendorEntry struct {
	mu    sync.Mutex
	state types.VendorTypeBreakerState
}

func NewVendorTypeBreaker(store Store) *VendorTypeBreaker {
	return &VendorTypeBreaker{store: store, inproc: make(map[string]*vendorEntry)}
}

func (b *VendorTypeBreaker) entry(vendorID uint, pt types.ProviderType) *vendorEntry {
	key := vendorTypeKey(vendorID, pt)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.inproc[key]
	if !ok {
		e = &vendorEntry{state: types.VendorTypeBreakerState{VendorID: vendorID, ProviderType: pt, CircuitState: "closed"}}
		b.inproc[key] = e
	}
	return e
}

// IsOpen reports whether the vendor-type breaker currently blocks calls,
// reconciling against the KV (source of truth for this breaker tier).
func (b *VendorTypeBreaker) IsOpen(ctx context.Context, vendorID uint, pt types.ProviderType) bool {
	e := b.entry(vendorID, pt)
	e.mu.Lock()
	defer e.mu.Unlock()

	remote, err := b.store.GetVendorType(ctx, vendorID, pt)
	if err == nil && remote != nil {
		e.state = *remote
	}
	return e.state.CircuitState == "open"
}

// TripOpen opens the breaker for blackout detection (e.g. every endpoint of
// the vendor timed out in the last minute) or via admin force.
func (b *VendorTypeBreaker) TripOpen(ctx context.Context, vendorID uint, pt types.ProviderType, forced bool) error {
	e := b.entry(vendorID, pt)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.CircuitState = "open"
	e.state.OpenedAt = time.Now()
	e.state.ForcedOpen = forced
	return b.store.SaveVendorType(ctx, &e.state)
}

// Close clears the vendor-type breaker (admin "force close" or automatic
// recovery once the blackout condition clears).
func (b *VendorTypeBreaker) Close(ctx context.Context, vendorID uint, pt types.ProviderType) error {
	e := b.entry(vendorID, pt)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = types.VendorTypeBreakerState{VendorID: vendorID, ProviderType: pt, CircuitState: "closed"}
	return b.store.SaveVendorType(ctx, &e.state)
}
