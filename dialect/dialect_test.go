package dialect

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xj4007/llmgateway/types"
)

func TestDetectDialect(t *testing.T) {
	assert.Equal(t, types.DialectAnthropic, DetectDialect("/v1/messages"))
	assert.Equal(t, types.DialectOpenAIChat, DetectDialect("/v1/chat/completions"))
	assert.Equal(t, types.DialectResponses, DetectDialect("/v1/responses"))
	assert.Equal(t, types.DialectGemini, DetectDialect("/v1beta/models/gemini-2.0-flash:generateContent"))
}

func TestAnthropicTranslator_TranslateRequest_FromOpenAIChat(t *testing.T) {
	tr := NewAnthropicTranslator()
	body := []byte(`{"model":"gpt-4","stream":false,"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)

	out, err := tr.TranslateRequest(context.Background(), types.DialectOpenAIChat, body, TranslateOptions{Model: "claude-3-opus", Stream: true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "claude-3-opus", decoded["model"])
	assert.Equal(t, "be terse", decoded["system"])
	assert.Equal(t, true, decoded["stream"])
}

func TestAnthropicTranslator_TranslateResponse_ToOpenAIChat_Buffered(t *testing.T) {
	tr := NewAnthropicTranslator()
	upstream := strings.NewReader(`{"model":"claude-3-opus","stop_reason":"end_turn","content":[{"type":"text","text":"hello"}]}`)

	out, err := tr.TranslateResponse(context.Background(), types.DialectOpenAIChat, upstream, false)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(out).Decode(&decoded))
	choices := decoded["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "hello", msg["content"])
}

func TestAnthropicTranslator_ClassifyError(t *testing.T) {
	tr := NewAnthropicTranslator()
	assert.Equal(t, types.FailureRetryable5xx, tr.ClassifyError(503, nil))
	assert.Equal(t, types.FailureRetryable429, tr.ClassifyError(429, []byte(`{"error":{"type":"overloaded_error"}}`)))
	assert.Equal(t, types.FailureClientNonRetry, tr.ClassifyError(400, nil))
	assert.Equal(t, types.FailureNetworkOrTimeout, tr.ClassifyError(0, nil))
}

func TestSSEReshaper_AnthropicToOpenAI(t *testing.T) {
	upstream := strings.NewReader(
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"hel\"}}\n\n" +
			"data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"lo\"}}\n\n" +
			"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
			"data: [DONE]\n\n",
	)
	r := newSSEReshaper(upstream, types.DialectAnthropic, types.DialectOpenAIChat)
	buf := make([]byte, 8192)
	n, _ := r.Read(buf)
	out := string(buf[:n])
	assert.Contains(t, out, "hel")
}

func TestResponsesTranslator_InjectsOfficialInstructionsWhenRequested(t *testing.T) {
	tr := NewResponsesTranslator()
	body := []byte(`{"model":"gpt-5","stream":false,"messages":[{"role":"system","content":"custom instructions"},{"role":"user","content":"hi"}]}`)

	out, err := tr.TranslateRequest(context.Background(), types.DialectOpenAIChat, body, TranslateOptions{InjectOfficialCodexInstructions: true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, OfficialCodexInstructions, decoded["instructions"])
}

func TestResponsesTranslator_PassthroughInstructionsByDefault(t *testing.T) {
	tr := NewResponsesTranslator()
	body := []byte(`{"model":"gpt-5","stream":false,"messages":[{"role":"system","content":"custom instructions"},{"role":"user","content":"hi"}]}`)

	out, err := tr.TranslateRequest(context.Background(), types.DialectOpenAIChat, body, TranslateOptions{})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "custom instructions", decoded["instructions"])
}
