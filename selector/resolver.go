// Package selector implements the provider resolver: the priority/weight
// lottery with group, health and quota filtering that produces the ordered
// candidate shortlist the forwarder retries against.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/breaker"
	"github.com/xj4007/llmgateway/types"
)

// ProviderCatalog enumerates the currently enabled providers. The GORM
// implementation (pipeline.GormCatalog) reads the database on every call,
// with no in-process cache in front of it.
type ProviderCatalog interface {
	EnabledProviders(ctx context.Context) ([]*types.Provider, error)
	VendorOf(providerID uint) (vendorID uint, ok bool)
}

// SessionAffinity exposes just the read/clear half of the session tracker's
// sticky-provider contract (spec.md §4.3), to avoid a selector→session
// import cycle with the full tracker.
type SessionAffinity interface {
	StickyProvider(ctx context.Context, sessionID string) (providerID uint, ok bool)
	ClearStickyProvider(ctx context.Context, sessionID string)
}

// Request is the input to Resolve (spec.md §4.1 "Inputs").
type Request struct {
	RequestedModel         string
	IsAnthropicModel       bool
	Key                    *types.APIKey
	User                   *types.User
	SessionID              string
	PreviouslyTriedProviderIDs []uint
}

// Candidate is one entry of the resolved shortlist plus the reason it was
// admitted, mirroring the ProviderChainItem vocabulary.
type Candidate struct {
	Provider *types.Provider
	Reason   types.ProviderChainReason
}

// Resolver implements the §4.1 algorithm.
type Resolver struct {
	catalog  ProviderCatalog
	breakers *breaker.ProviderBreaker
	vendors  *breaker.VendorTypeBreaker
	sessions SessionAffinity
	logger   *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewResolver(catalog ProviderCatalog, breakers *breaker.ProviderBreaker, vendors *breaker.VendorTypeBreaker, sessions SessionAffinity, logger *zap.Logger) *Resolver {
	return &Resolver{
		catalog:  catalog,
		breakers: breakers,
		vendors:  vendors,
		sessions: sessions,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve produces the ordered candidate shortlist for one request
// (spec.md §4.1). Each admission/rejection decision is also appended to log,
// which the caller persists as MessageRequest.ProviderChain.
func (r *Resolver) Resolve(ctx context.Context, req Request, log *[]types.ProviderChainItem) ([]Candidate, error) {
	group := types.ResolveGroup(req.Key, req.User)

	// Step 1: session affinity.
	if req.SessionID != "" && r.sessions != nil {
		if providerID, ok := r.sessions.StickyProvider(ctx, req.SessionID); ok && !contains(req.PreviouslyTriedProviderIDs, providerID) {
			if p, ok := r.lookupEligible(ctx, providerID, req, group); ok {
				appendLog(log, p, types.ReasonSessionReuse)
				return []Candidate{{Provider: p, Reason: types.ReasonSessionReuse}}, nil
			}
			r.sessions.ClearStickyProvider(ctx, req.SessionID)
		}
	}

	all, err := r.catalog.EnabledProviders(ctx)
	if err != nil {
		return nil, err
	}

	survivors := r.filter(ctx, all, req, group, log)
	if len(survivors) == 0 {
		return nil, nil
	}

	ordered := r.tierAndLottery(survivors)
	candidates := make([]Candidate, 0, len(ordered))
	for i, p := range ordered {
		reason := types.ReasonInitialSelection
		if i > 0 {
			reason = types.ReasonRetryFailed
		}
		candidates = append(candidates, Candidate{Provider: p, Reason: reason})
	}
	if len(candidates) > 0 {
		appendLog(log, candidates[0].Provider, types.ReasonInitialSelection)
	}
	return candidates, nil
}

func (r *Resolver) lookupEligible(ctx context.Context, providerID uint, req Request, group string) (*types.Provider, bool) {
	all, err := r.catalog.EnabledProviders(ctx)
	if err != nil {
		return nil, false
	}
	for _, p := range all {
		if p.ID != providerID {
			continue
		}
		if !p.ServesModel(req.RequestedModel, req.IsAnthropicModel) {
			return nil, false
		}
		if p.GroupTag != group {
			return nil, false
		}
		if r.isUnhealthy(ctx, p, req) {
			return nil, false
		}
		return p, true
	}
	return nil, false
}

// filter runs steps 2-5 of the algorithm: enumerate+serve check, group
// filter, health filter, exclusion filter.
func (r *Resolver) filter(ctx context.Context, all []*types.Provider, req Request, group string, log *[]types.ProviderChainItem) []*types.Provider {
	survivors := make([]*types.Provider, 0, len(all))
	for _, p := range all {
		if !p.ServesModel(req.RequestedModel, req.IsAnthropicModel) {
			continue
		}
		if p.GroupTag != group {
			continue
		}
		if contains(req.PreviouslyTriedProviderIDs, p.ID) {
			continue
		}
		if r.isUnhealthy(ctx, p, req) {
			appendLog(log, p, types.ReasonSystemError)
			continue
		}
		survivors = append(survivors, p)
	}
	return survivors
}

func (r *Resolver) isUnhealthy(ctx context.Context, p *types.Provider, req Request) bool {
	if r.breakers != nil && r.breakers.IsOpen(ctx, p.ID) {
		return true
	}
	if r.vendors != nil {
		if vendorID, ok := r.catalog.VendorOf(p.ID); ok && r.vendors.IsOpen(ctx, vendorID, p.ProviderType) {
			return true
		}
	}
	return false
}

// tierAndLottery implements step 6: partition by priority, weighted lottery
// within the lowest tier, tie-break on costMultiplier then id.
func (r *Resolver) tierAndLottery(survivors []*types.Provider) []*types.Provider {
	byPriority := make(map[int][]*types.Provider)
	minPriority := survivors[0].Priority
	for _, p := range survivors {
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
		if p.Priority < minPriority {
			minPriority = p.Priority
		}
	}

	tier := byPriority[minPriority]
	ordered := make([]*types.Provider, 0, len(survivors))
	ordered = append(ordered, r.lottery(tier)...)

	// Remaining tiers, in priority order, each internally lottery-ordered,
	// form the backfill sequence (spec.md §4.1 step 7).
	priorities := make([]int, 0, len(byPriority))
	for pr := range byPriority {
		if pr != minPriority {
			priorities = append(priorities, pr)
		}
	}
	sort.Ints(priorities)
	for _, pr := range priorities {
		ordered = append(ordered, r.lottery(byPriority[pr])...)
	}
	return ordered
}

// lottery runs the weighted draw repeatedly without replacement so every
// survivor in the tier ends up ordered, weighted toward the front.
func (r *Resolver) lottery(tier []*types.Provider) []*types.Provider {
	pool := append([]*types.Provider(nil), tier...)
	result := make([]*types.Provider, 0, len(pool))

	for len(pool) > 0 {
		total := 0
		for _, p := range pool {
			w := p.Weight
			if w < 1 {
				w = 1
			}
			total += w
		}

		r.rngMu.Lock()
		target := r.rng.Intn(total)
		r.rngMu.Unlock()

		idx := 0
		cumulative := 0
		for i, p := range pool {
			w := p.Weight
			if w < 1 {
				w = 1
			}
			cumulative += w
			if target < cumulative {
				idx = i
				break
			}
		}

		// Tie-break ties at the boundary on costMultiplier ascending,
		// then id ascending, by stably sorting the pool on each draw.
		if len(pool) > 1 {
			sort.SliceStable(pool, func(i, j int) bool {
				if pool[i].Weight != pool[j].Weight {
					return false
				}
				if !pool[i].CostMultiplier.Equal(pool[j].CostMultiplier) {
					return pool[i].CostMultiplier.LessThan(pool[j].CostMultiplier)
				}
				return pool[i].ID < pool[j].ID
			})
		}

		result = append(result, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return result
}

func appendLog(log *[]types.ProviderChainItem, p *types.Provider, reason types.ProviderChainReason) {
	if log == nil {
		return
	}
	*log = append(*log, types.ProviderChainItem{
		ProviderID: p.ID,
		Name:       p.Name,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
}

func contains(ids []uint, id uint) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
