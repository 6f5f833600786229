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

func shanghai(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func TestGuard_Admit_BlocksOverTotalBudget(t *testing.T) {
	g := NewGuard(NewMemoryCostWindowStore(), NewMemoryRollingCostWindowStore(), NewMemoryRPMCounter(), nil, zap.NewNop())
	ctx := context.Background()
	quotas := types.Quotas{LimitTotalUsd: decimal.NewFromFloat(1.00)}
	b := Boundaries{Location: time.UTC, ResetMode: types.ResetModeRolling}

	d := g.Admit(ctx, types.ScopeUser, 1, quotas, decimal.NewFromFloat(0.50), b)
	assert.True(t, d.Allowed)
	g.RecordUsage(ctx, types.ScopeUser, 1, decimal.NewFromFloat(0.90), b)

	d = g.Admit(ctx, types.ScopeUser, 1, quotas, decimal.NewFromFloat(0.50), b)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.BlockedByQuota, d.BlockedBy)
}

func TestGuard_Admit_RPMCap(t *testing.T) {
	g := NewGuard(NewMemoryCostWindowStore(), NewMemoryRollingCostWindowStore(), NewMemoryRPMCounter(), nil, zap.NewNop())
	ctx := context.Background()
	quotas := types.Quotas{RpmLimit: 2}
	b := Boundaries{Location: time.UTC, ResetMode: types.ResetModeRolling}

	for i := 0; i < 2; i++ {
		d := g.Admit(ctx, types.ScopeKey, 1, quotas, decimal.Zero, b)
		assert.True(t, d.Allowed)
	}
	d := g.Admit(ctx, types.ScopeKey, 1, quotas, decimal.Zero, b)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.BlockedByRPM, d.BlockedBy)
}

// TestBoundaryFor_FixedDailyDSTSafe exercises seed scenario 6: a fixed daily
// reset anchored at 09:00 Asia/Shanghai resolves to the same wall-clock
// boundary across a DST-style offset change, because China has no DST but
// the computation must still derive hh:mm purely in loc rather than as a
// UTC-offset arithmetic shortcut.
func TestBoundaryFor_FixedDailyDSTSafe(t *testing.T) {
	loc := shanghai(t)

	before := time.Date(2026, 3, 1, 8, 59, 0, 0, loc)
	start, end := boundaryFor(types.WindowDaily, before, types.ResetModeFixed, "09:00", loc)
	assert.True(t, before.Before(end))
	assert.True(t, !before.Before(start))
	assert.Equal(t, 28, start.In(loc).Day(), "start must anchor to the prior day's 09:00")
	assert.Equal(t, 9, start.In(loc).Hour())

	atBoundary := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	start2, _ := boundaryFor(types.WindowDaily, atBoundary, types.ResetModeFixed, "09:00", loc)
	assert.Equal(t, atBoundary, start2)
	assert.True(t, start2.After(start))
}

func TestGuard_RecordUsage_AccumulatesWithinFixedDailyWindow(t *testing.T) {
	g := NewGuard(NewMemoryCostWindowStore(), NewMemoryRollingCostWindowStore(), NewMemoryRPMCounter(), nil, zap.NewNop())
	ctx := context.Background()
	loc := shanghai(t)
	b := Boundaries{Location: loc, ResetMode: types.ResetModeFixed, ResetTime: "09:00"}

	quotas := types.Quotas{LimitDailyUsd: decimal.NewFromFloat(1.00)}

	d := g.Admit(ctx, types.ScopeUser, 9, quotas, decimal.NewFromFloat(0.95), b)
	assert.True(t, d.Allowed)
	g.RecordUsage(ctx, types.ScopeUser, 9, decimal.NewFromFloat(0.95), b)

	d = g.Admit(ctx, types.ScopeUser, 9, quotas, decimal.NewFromFloat(0.10), b)
	assert.False(t, d.Allowed, "same daily window must still reflect the recorded spend")
}
