package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

func tuning(threshold, openMs, halfOpenSuccess int) types.CircuitBreakerTuning {
	return types.CircuitBreakerTuning{
		FailureThreshold:         threshold,
		OpenDurationMs:           openMs,
		HalfOpenSuccessThreshold: halfOpenSuccess,
	}
}

func TestProviderBreaker_ZeroThresholdDisablesBreaker(t *testing.T) {
	b := NewProviderBreaker(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()

	tn := tuning(0, 1000, 1)
	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx, 1, tn)
	}
	assert.True(t, b.Allow(ctx, 1, tn), "breaker with zero threshold must never trip")
}

// TestProviderBreaker_OpenHalfOpenClosed exercises seed scenario 5: three
// consecutive failures at threshold 3 opens the breaker; after the open
// duration elapses, the next Allow transitions to half-open, and
// halfOpenSuccessThreshold successes close it with zero counters.
func TestProviderBreaker_OpenHalfOpenClosed(t *testing.T) {
	b := NewProviderBreaker(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()
	tn := tuning(3, 50, 2)

	require.True(t, b.Allow(ctx, 7, tn))
	b.RecordFailure(ctx, 7, tn)
	b.RecordFailure(ctx, 7, tn)
	require.True(t, b.Allow(ctx, 7, tn), "breaker must stay closed below threshold")
	b.RecordFailure(ctx, 7, tn)

	assert.False(t, b.Allow(ctx, 7, tn), "breaker must open at failureThreshold")
	assert.True(t, b.IsOpen(ctx, 7))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow(ctx, 7, tn), "breaker must transition to half-open once the open duration elapses")
	b.RecordSuccess(ctx, 7, tn)
	assert.True(t, b.Allow(ctx, 7, tn))
	b.RecordSuccess(ctx, 7, tn)

	state := b.State(7)
	assert.Equal(t, "closed", state.CircuitState)
	assert.Equal(t, 0, state.FailureCount)
	assert.Equal(t, 0, state.HalfOpenSuccessCount)
}

func TestProviderBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewProviderBreaker(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()
	tn := tuning(1, 20, 2)

	b.RecordFailure(ctx, 2, tn)
	assert.False(t, b.Allow(ctx, 2, tn))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.Allow(ctx, 2, tn))

	b.RecordFailure(ctx, 2, tn)
	assert.Equal(t, "open", b.State(2).CircuitState)
	assert.Equal(t, 0, b.State(2).HalfOpenSuccessCount)
}

func TestProviderBreaker_Reset(t *testing.T) {
	b := NewProviderBreaker(NewMemoryStore(), nil, zap.NewNop())
	ctx := context.Background()
	tn := tuning(1, 10*1000, 1)

	b.RecordFailure(ctx, 3, tn)
	require.True(t, b.IsOpen(ctx, 3))

	require.NoError(t, b.Reset(ctx, 3))
	assert.False(t, b.IsOpen(ctx, 3))
	assert.Equal(t, 0, b.State(3).FailureCount)
}

func TestVendorTypeBreaker_ForceOpenAndClose(t *testing.T) {
	store := NewMemoryStore()
	vb := NewVendorTypeBreaker(store)
	ctx := context.Background()

	assert.False(t, vb.IsOpen(ctx, 1, types.ProviderClaude))

	require.NoError(t, vb.TripOpen(ctx, 1, types.ProviderClaude, true))
	assert.True(t, vb.IsOpen(ctx, 1, types.ProviderClaude))

	require.NoError(t, vb.Close(ctx, 1, types.ProviderClaude))
	assert.False(t, vb.IsOpen(ctx, 1, types.ProviderClaude))
}
