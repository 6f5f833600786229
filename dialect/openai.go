package dialect

import (
	"bytes"
	"context"
	"io"

	"github.com/xj4007/llmgateway/types"
)

// OpenAIChatTranslator speaks the OpenAI /v1/chat/completions convention,
// used by the openai-compatible provider type (spec.md §6).
type OpenAIChatTranslator struct{}

func NewOpenAIChatTranslator() *OpenAIChatTranslator { return &OpenAIChatTranslator{} }

func (t *OpenAIChatTranslator) TranslateRequest(_ context.Context, clientFmt types.Dialect, body []byte, opts TranslateOptions) ([]byte, error) {
	cr, err := parseCanonical(clientFmt, body)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		cr.Model = opts.Model
	}
	cr.Stream = opts.Stream
	return renderOpenAIChat(cr), nil
}

func (t *OpenAIChatTranslator) TranslateResponse(_ context.Context, clientFmt types.Dialect, upstream io.Reader, stream bool) (io.Reader, error) {
	if clientFmt == types.DialectOpenAIChat {
		return upstream, nil
	}
	if stream {
		return newSSEReshaper(upstream, types.DialectOpenAIChat, clientFmt), nil
	}
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(reshapeBufferedResponse(raw, types.DialectOpenAIChat, clientFmt)), nil
}

func (t *OpenAIChatTranslator) ClassifyError(statusCode int, body []byte) types.FailureClass {
	if statusCode == 429 && bodyContains(body, "rate_limit") {
		return types.FailureRetryable429
	}
	return classifyByStatus(statusCode)
}

func (t *OpenAIChatTranslator) Probe(ctx context.Context, endpoint types.ProviderEndpoint) ProbeResult {
	return probeGet(ctx, endpoint.BaseURL+"/v1/models")
}
