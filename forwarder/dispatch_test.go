package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/types"
)

func TestDispatch_SuccessBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"claude-3-opus","stop_reason":"end_turn","content":[{"type":"text","text":"hi"}]}`))
	}))
	defer srv.Close()

	d := NewDispatcher(dialect.NewRegistry(), func(req *http.Request, p *types.Provider) {
		req.Header.Set("x-api-key", "test")
	}, zap.NewNop())

	provider := &types.Provider{ProviderType: types.ProviderClaude}
	endpoint := &types.ProviderEndpoint{BaseURL: srv.URL}

	outcome := d.Dispatch(context.Background(), provider, endpoint, types.DialectAnthropic, []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`), dialect.TranslateOptions{Model: "claude-3-opus"}, true)

	require.NoError(t, outcome.Err)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, types.FailureNone, outcome.FailureClass)
	defer outcome.Body.Close()
	raw, err := io.ReadAll(outcome.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "end_turn")
}

func TestDispatch_UpstreamErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(dialect.NewRegistry(), nil, zap.NewNop())
	provider := &types.Provider{ProviderType: types.ProviderClaude}
	endpoint := &types.ProviderEndpoint{BaseURL: srv.URL}

	outcome := d.Dispatch(context.Background(), provider, endpoint, types.DialectAnthropic, []byte(`{"model":"x","messages":[]}`), dialect.TranslateOptions{}, true)
	assert.Equal(t, types.FailureRetryable5xx, outcome.FailureClass)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
}

func TestEndpointPath(t *testing.T) {
	assert.Equal(t, "/v1/messages", endpointPath(types.ProviderClaude, "claude-3"))
	assert.Equal(t, "/v1/responses", endpointPath(types.ProviderCodex, "gpt-5"))
	assert.Equal(t, "/v1/chat/completions", endpointPath(types.ProviderOpenAICompatible, "gpt-4"))
	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", endpointPath(types.ProviderGemini, "gemini-2.0-flash"))
}
