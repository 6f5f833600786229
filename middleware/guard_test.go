package middleware

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

type fakeRuleSource struct {
	words   []types.SensitiveWord
	filters []types.RequestFilter
	errors  []types.ErrorRule
}

func (f *fakeRuleSource) SensitiveWords(ctx context.Context) ([]types.SensitiveWord, error) {
	return f.words, nil
}
func (f *fakeRuleSource) RequestFilters(ctx context.Context) ([]types.RequestFilter, error) {
	return f.filters, nil
}
func (f *fakeRuleSource) ErrorRules(ctx context.Context) ([]types.ErrorRule, error) {
	return f.errors, nil
}

func setupGuard(t *testing.T, source *fakeRuleSource) *Guard {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewGuard(source, client, zap.NewNop())
	require.NoError(t, g.Reload(context.Background()))
	return g
}

func TestGuard_CheckSensitiveWords_BlocksOnContainsMatch(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		words: []types.SensitiveWord{{Pattern: "forbidden", MatchType: types.MatchContains, Enabled: true}},
	})
	blocked := g.CheckSensitiveWords("this text has a forbidden word")
	require.NotNil(t, blocked)
	assert.Equal(t, "sensitive", blocked.BlockedBy)
}

func TestGuard_CheckSensitiveWords_AllowsCleanText(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		words: []types.SensitiveWord{{Pattern: "forbidden", MatchType: types.MatchContains, Enabled: true}},
	})
	assert.Nil(t, g.CheckSensitiveWords("this text is clean"))
}

func TestGuard_CheckSensitiveWords_SkipsDisabledRule(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		words: []types.SensitiveWord{{Pattern: "forbidden", MatchType: types.MatchContains, Enabled: false}},
	})
	assert.Nil(t, g.CheckSensitiveWords("this text has a forbidden word"))
}

func TestGuard_ApplyFilters_OrderedByPriorityAndBinding(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		filters: []types.RequestFilter{
			{Priority: 10, Scope: types.FilterScopeBody, Action: types.FilterActionSet, Target: "temperature", Value: "0.5", Global: true, Enabled: true},
			{Priority: 0, Scope: types.FilterScopeHeader, Action: types.FilterActionRemove, Target: "x-debug", Global: true, Enabled: true},
			{Priority: 5, Scope: types.FilterScopeBody, Action: types.FilterActionSet, Target: "temperature", Value: "0.9", Global: false, Providers: []uint{42}, Enabled: true},
		},
	})

	target := &FilterTarget{
		Headers: map[string]string{"x-debug": "1"},
		Body:    map[string]any{"temperature": "0.1"},
	}
	g.ApplyFilters(target, 7, "default")

	_, hasDebug := target.Headers["x-debug"]
	assert.False(t, hasDebug, "priority-0 remove should have run")
	assert.Equal(t, "0.5", target.Body["temperature"], "global priority-10 set should win (provider-scoped rule does not apply to provider 7)")
}

func TestGuard_ApplyFilters_JSONPathCreatesNestedObject(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		filters: []types.RequestFilter{
			{Priority: 0, Scope: types.FilterScopeBody, Action: types.FilterActionJSONPath, Target: "metadata.trace_id", Value: "abc123", Global: true, Enabled: true},
		},
	})
	target := &FilterTarget{Body: map[string]any{}}
	g.ApplyFilters(target, 1, "default")

	meta, ok := target.Body["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc123", meta["trace_id"])
}

func TestGuard_ClassifyErrorBody_MatchesAndOverrides(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{
		errors: []types.ErrorRule{
			{Pattern: "insufficient_quota", MatchType: types.MatchContains, Category: "non_retryable", OverrideResponse: `{"error":"quota exhausted"}`, OverrideStatusCode: 402, Enabled: true},
		},
	})
	category, override, status, matched := g.ClassifyErrorBody([]byte(`{"error":{"code":"insufficient_quota"}}`))
	assert.True(t, matched)
	assert.Equal(t, "non_retryable", category)
	assert.Equal(t, 402, status)
	assert.Contains(t, string(override), "quota exhausted")
}

func TestGuard_ClassifyErrorBody_NoMatch(t *testing.T) {
	g := setupGuard(t, &fakeRuleSource{})
	_, _, _, matched := g.ClassifyErrorBody([]byte(`{"error":"transient"}`))
	assert.False(t, matched)
}

func TestGuard_Reload_PicksUpChangedRules(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	source := &fakeRuleSource{}
	g := NewGuard(source, client, zap.NewNop())
	require.NoError(t, g.Reload(context.Background()))
	assert.Nil(t, g.CheckSensitiveWords("banana"))

	source.words = []types.SensitiveWord{{Pattern: "banana", MatchType: types.MatchExact, Enabled: true}}
	require.NoError(t, g.Reload(context.Background()))
	assert.NotNil(t, g.CheckSensitiveWords("banana"))
}

func TestFlattenText_WalksNestedMessageStructure(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hello forbidden"}]}`)
	flat := FlattenText(body)
	assert.Contains(t, flat, "hello forbidden")
	assert.Contains(t, flat, "claude-3")
}
