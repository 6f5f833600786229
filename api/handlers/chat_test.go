package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/breaker"
	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/forwarder"
	"github.com/xj4007/llmgateway/middleware"
	"github.com/xj4007/llmgateway/pipeline"
	"github.com/xj4007/llmgateway/quota"
	"github.com/xj4007/llmgateway/rectifier"
	"github.com/xj4007/llmgateway/selector"
	"github.com/xj4007/llmgateway/session"
	"github.com/xj4007/llmgateway/types"
)

// The fakes below satisfy pipeline's four narrow interfaces plus
// middleware.RuleSource and selector.ProviderCatalog, mirroring
// pipeline_test.go's fixture wiring — the gateway handler is a thin HTTP
// skin over the same Pipeline, so its tests exercise real wiring instead of
// re-deriving a second set of doubles.

type fixedAuth struct {
	user *types.User
	key  *types.APIKey
}

func (f fixedAuth) ResolveBearerToken(ctx context.Context, token string) (*types.User, *types.APIKey, error) {
	if token != "good-token" {
		return nil, nil, pipeline.ErrTokenNotFound
	}
	return f.user, f.key, nil
}

type fixedEndpoints struct {
	byID map[uint]*types.ProviderEndpoint
}

func (f fixedEndpoints) Endpoint(ctx context.Context, id uint) (*types.ProviderEndpoint, error) {
	return f.byID[id], nil
}

type fixedPrices struct {
	byModel map[string]*types.ModelPrice
}

func (f fixedPrices) ModelPrice(ctx context.Context, model string) (*types.ModelPrice, error) {
	return f.byModel[model], nil
}

type fixedUsage struct{}

func (fixedUsage) SaveMessageRequest(ctx context.Context, m *types.MessageRequest) error { return nil }

type fixedProviderCatalog struct {
	providers []*types.Provider
	vendorOf  map[uint]uint
}

func (f fixedProviderCatalog) EnabledProviders(ctx context.Context) ([]*types.Provider, error) {
	return f.providers, nil
}
func (f fixedProviderCatalog) VendorOf(providerID uint) (uint, bool) {
	v, ok := f.vendorOf[providerID]
	return v, ok
}

type fixedRuleSource struct{}

func (fixedRuleSource) SensitiveWords(ctx context.Context) ([]types.SensitiveWord, error) { return nil, nil }
func (fixedRuleSource) RequestFilters(ctx context.Context) ([]types.RequestFilter, error) { return nil, nil }
func (fixedRuleSource) ErrorRules(ctx context.Context) ([]types.ErrorRule, error)          { return nil, nil }

func newGatewayTestHandler(t *testing.T, upstream *httptest.Server) *GatewayHandler {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()

	user := &types.User{ID: 1, Enabled: true, Timezone: "UTC", DailyResetMode: types.ResetModeRolling,
		Quotas: types.Quotas{LimitTotalUsd: decimal.NewFromInt(1000)}}
	key := &types.APIKey{ID: 1, UserID: 1, KeyString: "good-token", Enabled: true,
		Quotas: types.Quotas{LimitTotalUsd: decimal.NewFromInt(1000)}}
	provider := &types.Provider{ID: 7, VendorID: 1, EndpointID: 1, ProviderType: types.ProviderClaude,
		Enabled: true, GroupTag: "default", CostMultiplier: decimal.NewFromInt(1)}
	endpoint := &types.ProviderEndpoint{ID: 1, VendorID: 1, Type: types.ProviderClaude, BaseURL: upstream.URL, Enabled: true}
	price := &types.ModelPrice{Model: "claude-3-sonnet", InputPerToken: decimal.NewFromFloat(0.000003), OutputPerToken: decimal.NewFromFloat(0.000015)}

	translators := dialect.NewRegistry()
	guard := middleware.NewGuard(fixedRuleSource{}, redisClient, logger)
	require.NoError(t, guard.Reload(context.Background()))

	providerBreaker := breaker.NewProviderBreaker(breaker.NewMemoryStore(), nil, logger)
	vendorBreaker := breaker.NewVendorTypeBreaker(breaker.NewMemoryStore())
	tracker := session.NewTracker(redisClient, 0, logger)
	catalog := fixedProviderCatalog{providers: []*types.Provider{provider}, vendorOf: map[uint]uint{7: 1}}
	resolver := selector.NewResolver(catalog, providerBreaker, vendorBreaker, tracker, logger)
	quotaGuard := quota.NewGuard(quota.NewMemoryCostWindowStore(), quota.NewMemoryRollingCostWindowStore(), quota.NewMemoryRPMCounter(), tracker, logger)
	dispatcher := forwarder.NewDispatcher(translators, func(*http.Request, *types.Provider) {}, logger)
	rect := rectifier.NewRectifier(rectifier.DefaultConfig(), logger)

	p := pipeline.New(translators, guard, providerBreaker, vendorBreaker, resolver, tracker, quotaGuard, dispatcher, rect,
		fixedAuth{user: user, key: key},
		fixedEndpoints{byID: map[uint]*types.ProviderEndpoint{1: endpoint}},
		fixedPrices{byModel: map[string]*types.ModelPrice{"claude-3-sonnet": price}},
		fixedUsage{},
		pipeline.Config{}, logger)

	return NewGatewayHandler(p, logger)
}

func TestGatewayHandler_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	h := newGatewayTestHandler(t, upstream)

	body := []byte(`{"model":"claude-3-sonnet","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.HandleAnthropicMessages(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "msg_1")
}

func TestGatewayHandler_MissingBearerToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h := newGatewayTestHandler(t, upstream)

	body := []byte(`{"model":"claude-3-sonnet","messages":[]}`)
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.HandleAnthropicMessages(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGatewayHandler_RejectsWrongContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h := newGatewayTestHandler(t, upstream)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{}`)))
	r.Header.Set("Content-Type", "text/plain")
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.HandleAnthropicMessages(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(r))
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))
	r.Header.Set("Authorization", "Basic abc123")
	assert.Equal(t, "", bearerToken(r))
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	assert.Equal(t, "10.0.0.5", remoteIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
	assert.Equal(t, "203.0.113.9", remoteIP(r))
}
