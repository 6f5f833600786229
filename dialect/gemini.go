package dialect

import (
	"bytes"
	"context"
	"io"

	"github.com/xj4007/llmgateway/types"
)

// GeminiTranslator speaks the Gemini `:generateContent` convention, shared
// by the gemini and gemini-cli provider types (spec.md §6).
type GeminiTranslator struct{}

func NewGeminiTranslator() *GeminiTranslator { return &GeminiTranslator{} }

func (t *GeminiTranslator) TranslateRequest(_ context.Context, clientFmt types.Dialect, body []byte, opts TranslateOptions) ([]byte, error) {
	cr, err := parseCanonical(clientFmt, body)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		cr.Model = opts.Model
	}
	cr.Stream = opts.Stream
	return renderGemini(cr), nil
}

func (t *GeminiTranslator) TranslateResponse(_ context.Context, clientFmt types.Dialect, upstream io.Reader, stream bool) (io.Reader, error) {
	if clientFmt == types.DialectGemini {
		return upstream, nil
	}
	if stream {
		return newSSEReshaper(upstream, types.DialectGemini, clientFmt), nil
	}
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(reshapeBufferedResponse(raw, types.DialectGemini, clientFmt)), nil
}

func (t *GeminiTranslator) ClassifyError(statusCode int, body []byte) types.FailureClass {
	if statusCode == 429 && bodyContains(body, "RESOURCE_EXHAUSTED") {
		return types.FailureRetryable429
	}
	return classifyByStatus(statusCode)
}

func (t *GeminiTranslator) Probe(ctx context.Context, endpoint types.ProviderEndpoint) ProbeResult {
	return probeGet(ctx, endpoint.BaseURL+"/v1beta/models")
}
