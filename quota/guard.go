package quota

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

// ConcurrencyChecker reports the number of in-flight requests counted
// against a scope's concurrent-session cap (spec.md §4.3 session tracker,
// §4.4 "limitConcurrentSessions").
type ConcurrencyChecker interface {
	ActiveCount(ctx context.Context, scope types.QuotaScope, id uint) (int, error)
}

// Boundaries bundles the timezone/reset-mode configuration a scope's fixed
// windows are evaluated against (spec.md §4.4, §8 seed scenario 6).
type Boundaries struct {
	Location  *time.Location
	ResetMode types.ResetMode
	ResetTime string
}

// Decision is the outcome of a Guard.Admit call.
type Decision struct {
	Allowed      bool
	BlockedBy    types.BlockedBy
	BlockedReason string
}

// Guard is the rate-limit and budget admission gate (spec.md §4.4).
type Guard struct {
	windows     CostWindowStore
	rolling     RollingCostWindowStore
	rpm         RPMCounter
	concurrency ConcurrencyChecker
	logger      *zap.Logger
}

func NewGuard(windows CostWindowStore, rolling RollingCostWindowStore, rpm RPMCounter, concurrency ConcurrencyChecker, logger *zap.Logger) *Guard {
	return &Guard{windows: windows, rolling: rolling, rpm: rpm, concurrency: concurrency, logger: logger}
}

// Admit runs the full pre-call gate for one scope: RPM, concurrent-session
// cap, then each cost window against lowerBoundCost (the cheapest possible
// price for the requested model, spec.md §4.1 step 4 / §4.7
// MinInputCostLowerBound). It does not reserve capacity; RecordUsage posts
// the actual cost once the call completes.
func (g *Guard) Admit(ctx context.Context, scope types.QuotaScope, id uint, quotas types.Quotas, lowerBoundCost decimal.Decimal, b Boundaries) Decision {
	if quotas.RpmLimit > 0 && g.rpm != nil {
		n, err := g.rpm.Incr(ctx, scope, id)
		if err == nil && n > quotas.RpmLimit {
			return Decision{BlockedBy: types.BlockedByRPM, BlockedReason: "rpm limit exceeded"}
		}
	}

	if quotas.LimitConcurrentSession > 0 && g.concurrency != nil {
		active, err := g.concurrency.ActiveCount(ctx, scope, id)
		if err == nil && active >= quotas.LimitConcurrentSession {
			return Decision{BlockedBy: types.BlockedByConcurrent, BlockedReason: "concurrent session cap reached"}
		}
	}

	now := time.Now()
	checks := []struct {
		kind  types.CostWindowKind
		limit decimal.Decimal
	}{
		{types.WindowFiveHour, quotas.Limit5hUsd},
		{types.WindowDaily, quotas.LimitDailyUsd},
		{types.WindowWeekly, quotas.LimitWeeklyUsd},
		{types.WindowMonthly, quotas.LimitMonthlyUsd},
		{types.WindowTotal, quotas.LimitTotalUsd},
	}
	for _, c := range checks {
		if c.limit.LessThanOrEqual(decimal.Zero) {
			continue // zero/negative means unlimited for this window
		}
		spent, start, end, err := g.currentSpend(ctx, scope, id, c.kind, now, b)
		if err != nil {
			g.logger.Warn("quota: failed to read cost window, fail-open", zap.String("kind", string(c.kind)), zap.Error(err))
			continue
		}
		_ = start
		_ = end
		if spent.Add(lowerBoundCost).GreaterThan(c.limit) {
			return Decision{BlockedBy: types.BlockedByQuota, BlockedReason: "would exceed " + string(c.kind) + " budget"}
		}
	}

	return Decision{Allowed: true}
}

// RecordUsage posts the actual cost of a completed call to every window.
func (g *Guard) RecordUsage(ctx context.Context, scope types.QuotaScope, id uint, cost decimal.Decimal, b Boundaries) {
	now := time.Now()
	for _, kind := range types.AllCostWindows {
		if isRolling(kind, b.ResetMode) {
			if err := g.rolling.Add(ctx, scope, id, kind, cost, now); err != nil {
				g.logger.Warn("quota: failed to record rolling usage", zap.String("kind", string(kind)), zap.Error(err))
			}
			continue
		}
		start, end := g.boundary(kind, now, b)
		if _, err := g.windows.Add(ctx, scope, id, kind, cost, start, end); err != nil {
			g.logger.Warn("quota: failed to record usage", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}

func (g *Guard) currentSpend(ctx context.Context, scope types.QuotaScope, id uint, kind types.CostWindowKind, now time.Time, b Boundaries) (decimal.Decimal, time.Time, time.Time, error) {
	start, end := g.boundary(kind, now, b)
	if isRolling(kind, b.ResetMode) {
		spent, err := g.rolling.Sum(ctx, scope, id, kind, start)
		return spent, start, end, err
	}
	spent, recordedStart, _, err := g.windows.Get(ctx, scope, id, kind)
	if err != nil {
		return decimal.Zero, start, end, err
	}
	if kind != types.WindowTotal && !recordedStart.Equal(start) {
		// The window has rolled past its stored boundary; treat it as empty
		// until the next RecordUsage writes the new boundary.
		return decimal.Zero, start, end, nil
	}
	return spent, start, end, nil
}

func (g *Guard) boundary(kind types.CostWindowKind, now time.Time, b Boundaries) (time.Time, time.Time) {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	return boundaryFor(kind, now, b.ResetMode, b.ResetTime, loc)
}
