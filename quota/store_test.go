package quota

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

// TestRollingCostWindowStore_SumsAcrossMultipleAdds guards against the
// exact-start-keyed bug: a rolling window must accumulate every event inside
// [since, now), not just the most recent one.
func TestRollingCostWindowStore_SumsAcrossMultipleAdds(t *testing.T) {
	s := NewMemoryRollingCostWindowStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Add(ctx, types.ScopeUser, 1, types.WindowFiveHour, decimal.NewFromFloat(1), base))
	require.NoError(t, s.Add(ctx, types.ScopeUser, 1, types.WindowFiveHour, decimal.NewFromFloat(2), base.Add(time.Hour)))
	require.NoError(t, s.Add(ctx, types.ScopeUser, 1, types.WindowFiveHour, decimal.NewFromFloat(3), base.Add(2*time.Hour)))

	total, err := s.Sum(ctx, types.ScopeUser, 1, types.WindowFiveHour, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(6).Equal(total), "want 1+2+3=6, got %s", total)
}

// TestRollingCostWindowStore_ForgetsEntriesOlderThanWindow verifies the
// slide: spend that occurred before `since` (now-length) must drop out of
// the sum once the window has moved past it.
func TestRollingCostWindowStore_ForgetsEntriesOlderThanWindow(t *testing.T) {
	s := NewMemoryRollingCostWindowStore()
	ctx := context.Background()
	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Add(ctx, types.ScopeUser, 2, types.WindowFiveHour, decimal.NewFromFloat(5), base))
	require.NoError(t, s.Add(ctx, types.ScopeUser, 2, types.WindowFiveHour, decimal.NewFromFloat(7), base.Add(6*time.Hour)))

	// now = base+6h, 5h window start = now-5h = base+1h: the base entry
	// (at base, one hour before the window start) must no longer count.
	since := base.Add(6 * time.Hour).Add(-5 * time.Hour)
	total, err := s.Sum(ctx, types.ScopeUser, 2, types.WindowFiveHour, since)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(7).Equal(total), "want only the in-window 7, got %s", total)
}

func TestGuard_RollingWindow_AccumulatesAcrossRecordUsageCalls(t *testing.T) {
	g := NewGuard(NewMemoryCostWindowStore(), NewMemoryRollingCostWindowStore(), NewMemoryRPMCounter(), nil, zap.NewNop())
	ctx := context.Background()
	quotas := types.Quotas{Limit5hUsd: decimal.NewFromFloat(1.00)}
	b := Boundaries{Location: time.UTC, ResetMode: types.ResetModeFixed, ResetTime: "00:00"}

	d := g.Admit(ctx, types.ScopeUser, 3, quotas, decimal.NewFromFloat(0.40), b)
	assert.True(t, d.Allowed)
	g.RecordUsage(ctx, types.ScopeUser, 3, decimal.NewFromFloat(0.40), b)

	d = g.Admit(ctx, types.ScopeUser, 3, quotas, decimal.NewFromFloat(0.40), b)
	assert.True(t, d.Allowed)
	g.RecordUsage(ctx, types.ScopeUser, 3, decimal.NewFromFloat(0.40), b)

	// Third request would push 0.80+0.40=1.20 over the 1.00 cap; if the two
	// prior RecordUsage calls hadn't accumulated, this would wrongly pass.
	d = g.Admit(ctx, types.ScopeUser, 3, quotas, decimal.NewFromFloat(0.40), b)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.BlockedByQuota, d.BlockedBy)
}
