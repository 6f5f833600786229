package dialect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/xj4007/llmgateway/types"
)

// AnthropicTranslator speaks the Anthropic /v1/messages wire convention,
// used by both the claude and claude-auth provider types (spec.md §6).
type AnthropicTranslator struct{}

func NewAnthropicTranslator() *AnthropicTranslator { return &AnthropicTranslator{} }

func (t *AnthropicTranslator) TranslateRequest(_ context.Context, clientFmt types.Dialect, body []byte, opts TranslateOptions) ([]byte, error) {
	cr, err := parseCanonical(clientFmt, body)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		cr.Model = opts.Model
	}
	cr.Stream = opts.Stream
	return renderAnthropic(cr), nil
}

func (t *AnthropicTranslator) TranslateResponse(_ context.Context, clientFmt types.Dialect, upstream io.Reader, stream bool) (io.Reader, error) {
	if clientFmt == types.DialectAnthropic {
		return upstream, nil // same wire shape: pass through untouched
	}
	if stream {
		return newSSEReshaper(upstream, types.DialectAnthropic, clientFmt), nil
	}
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(reshapeBufferedResponse(raw, types.DialectAnthropic, clientFmt)), nil
}

func (t *AnthropicTranslator) ClassifyError(statusCode int, body []byte) types.FailureClass {
	if statusCode == 429 && bodyContains(body, "overloaded_error") {
		return types.FailureRetryable429
	}
	if statusCode == 403 && bodyContains(body, "concurrent") {
		return types.FailureConcurrentLimit
	}
	return classifyByStatus(statusCode)
}

func (t *AnthropicTranslator) Probe(ctx context.Context, endpoint types.ProviderEndpoint) ProbeResult {
	return probeGet(ctx, endpoint.BaseURL+"/v1/messages")
}

func probeGet(ctx context.Context, url string) ProbeResult {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{ErrorMessage: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return ProbeResult{ErrorMessage: err.Error(), LatencyMs: elapsed}
	}
	defer resp.Body.Close()
	// Any response at all (even 401/404) demonstrates the endpoint is
	// routable; only connection failures and 5xx count as unhealthy.
	return ProbeResult{
		Healthy:    resp.StatusCode < 500,
		StatusCode: resp.StatusCode,
		LatencyMs:  elapsed,
	}
}

// reshapeBufferedResponse re-encodes a complete, non-streaming upstream body
// from fromFmt's envelope into toFmt's, reusing the canonical response
// extraction shared with the streaming path.
func reshapeBufferedResponse(raw []byte, fromFmt, toFmt types.Dialect) []byte {
	text, model, finishReason := extractResponseText(fromFmt, raw)
	return renderResponseEnvelope(toFmt, text, model, finishReason)
}

func extractResponseText(fromFmt types.Dialect, raw []byte) (text, model, finishReason string) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", "", ""
	}
	model, _ = m["model"].(string)
	switch fromFmt {
	case types.DialectAnthropic:
		if content, ok := m["content"].([]any); ok {
			for _, part := range content {
				if pm, ok := part.(map[string]any); ok {
					if t, ok := pm["text"].(string); ok {
						text += t
					}
				}
			}
		}
		finishReason, _ = m["stop_reason"].(string)
	case types.DialectOpenAIChat, types.DialectResponses:
		if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
			if cm, ok := choices[0].(map[string]any); ok {
				if msg, ok := cm["message"].(map[string]any); ok {
					text, _ = msg["content"].(string)
				}
				finishReason, _ = cm["finish_reason"].(string)
			}
		}
		if text == "" {
			if out, ok := m["output_text"].(string); ok {
				text = out
			}
		}
	case types.DialectGemini:
		if candidates, ok := m["candidates"].([]any); ok && len(candidates) > 0 {
			if cm, ok := candidates[0].(map[string]any); ok {
				if content, ok := cm["content"].(map[string]any); ok {
					if parts, ok := content["parts"].([]any); ok {
						for _, p := range parts {
							if pm, ok := p.(map[string]any); ok {
								if t, ok := pm["text"].(string); ok {
									text += t
								}
							}
						}
					}
				}
				finishReason, _ = cm["finishReason"].(string)
			}
		}
	}
	return text, model, finishReason
}

func renderResponseEnvelope(toFmt types.Dialect, text, model, finishReason string) []byte {
	var out map[string]any
	switch toFmt {
	case types.DialectAnthropic:
		out = map[string]any{
			"type":        "message",
			"role":        "assistant",
			"model":       model,
			"stop_reason": finishReason,
			"content":     []map[string]any{{"type": "text", "text": text}},
		}
	case types.DialectOpenAIChat:
		out = map[string]any{
			"object": "chat.completion",
			"model":  model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": finishReason,
				"message":       map[string]any{"role": "assistant", "content": text},
			}},
		}
	case types.DialectResponses:
		out = map[string]any{
			"model":       model,
			"output_text": text,
			"status":      finishReason,
		}
	case types.DialectGemini:
		out = map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
				"finishReason": finishReason,
			}},
		}
	}
	raw, _ := json.Marshal(out)
	return raw
}
