package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

func setupTracker(t *testing.T) (*miniredis.Miniredis, *Tracker) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewTracker(client, time.Minute, zap.NewNop())
}

func TestValidSessionID_LengthAndCharsetBounds(t *testing.T) {
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID(stringsRepeat("a", 20)), "20 chars is below the 21 floor")
	assert.True(t, ValidSessionID(stringsRepeat("a", 21)))
	assert.True(t, ValidSessionID(stringsRepeat("a", 256)))
	assert.False(t, ValidSessionID(stringsRepeat("a", 257)), "257 chars exceeds the ceiling")
	assert.False(t, ValidSessionID("has a space in it 1234567"))
	assert.False(t, ValidSessionID("contains|a|pipe|character1"))
	assert.True(t, ValidSessionID("codex_prev_resp_abc-123:ok"))
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestTracker_GetOrAllocateSessionID(t *testing.T) {
	_, tr := setupTracker(t)
	ctx := context.Background()
	validHint := "a-valid-session-identifier-123"
	require.True(t, ValidSessionID(validHint))

	assert.Equal(t, validHint, tr.GetOrAllocateSessionID(ctx, "fp1", validHint))
	assert.NotEmpty(t, tr.GetOrAllocateSessionID(ctx, "fp2"))
}

func TestTracker_GetOrAllocateSessionID_RejectsIllegalCandidates(t *testing.T) {
	_, tr := setupTracker(t)
	ctx := context.Background()

	tooShort := "short"
	containsPipe := "token|10.0.0.1|curl/8.0-and-then-some-more-padding"
	id := tr.GetOrAllocateSessionID(ctx, "fp3", tooShort, containsPipe)

	assert.True(t, ValidSessionID(id))
	assert.NotEqual(t, tooShort, id)
	assert.NotEqual(t, containsPipe, id)
}

func TestTracker_GetOrAllocateSessionID_DeterministicPerFingerprint(t *testing.T) {
	_, tr := setupTracker(t)
	ctx := context.Background()

	first := tr.GetOrAllocateSessionID(ctx, "same-fingerprint")
	second := tr.GetOrAllocateSessionID(ctx, "same-fingerprint")
	assert.Equal(t, first, second)
}

func TestTracker_StickyProvider_RoundTrip(t *testing.T) {
	mr, tr := setupTracker(t)
	defer mr.Close()
	ctx := context.Background()

	_, ok := tr.StickyProvider(ctx, "s1")
	assert.False(t, ok)

	tr.SetStickyProvider(ctx, "s1", 42)
	id, ok := tr.StickyProvider(ctx, "s1")
	require.True(t, ok)
	assert.EqualValues(t, 42, id)

	tr.ClearStickyProvider(ctx, "s1")
	_, ok = tr.StickyProvider(ctx, "s1")
	assert.False(t, ok)
}

func TestTracker_AllocateSequence_Monotonic(t *testing.T) {
	mr, tr := setupTracker(t)
	defer mr.Close()
	ctx := context.Background()

	n1, err := tr.AllocateSequence(ctx, "s2")
	require.NoError(t, err)
	n2, err := tr.AllocateSequence(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
}

func TestTracker_ConcurrentCounter(t *testing.T) {
	mr, tr := setupTracker(t)
	defer mr.Close()
	ctx := context.Background()

	dec1, err := tr.IncrementConcurrent(ctx, types.ScopeUser, 1)
	require.NoError(t, err)
	dec2, err := tr.IncrementConcurrent(ctx, types.ScopeUser, 1)
	require.NoError(t, err)

	n, err := tr.ActiveCount(ctx, types.ScopeUser, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dec1()
	n, err = tr.ActiveCount(ctx, types.ScopeUser, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dec2()
	n, err = tr.ActiveCount(ctx, types.ScopeUser, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTracker_FingerprintBinding(t *testing.T) {
	mr, tr := setupTracker(t)
	defer mr.Close()
	ctx := context.Background()

	fp := Fingerprint("hello world", "system prompt")
	_, ok := tr.SessionIDForFingerprint(ctx, fp)
	assert.False(t, ok)

	tr.BindFingerprint(ctx, fp, "session-abc")
	sid, ok := tr.SessionIDForFingerprint(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestTracker_TerminateSession(t *testing.T) {
	mr, tr := setupTracker(t)
	defer mr.Close()
	ctx := context.Background()

	tr.SetStickyProvider(ctx, "s3", 7)
	tr.TerminateSession(ctx, "s3")

	_, ok := tr.StickyProvider(ctx, "s3")
	assert.False(t, ok)
}
