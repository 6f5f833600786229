package dialect

import (
	"bytes"
	"context"
	"io"

	"github.com/xj4007/llmgateway/types"
)

// ResponsesTranslator speaks the Response-API / Codex `/v1/responses`
// convention (spec.md §6: "Response-API → any type; instructions handled
// per §4.5").
type ResponsesTranslator struct{}

func NewResponsesTranslator() *ResponsesTranslator { return &ResponsesTranslator{} }

func (t *ResponsesTranslator) TranslateRequest(_ context.Context, clientFmt types.Dialect, body []byte, opts TranslateOptions) ([]byte, error) {
	cr, err := parseCanonical(clientFmt, body)
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		cr.Model = opts.Model
	}
	cr.Stream = opts.Stream
	if opts.InjectOfficialCodexInstructions {
		cr.System = OfficialCodexInstructions
	}
	return renderResponses(cr), nil
}

func (t *ResponsesTranslator) TranslateResponse(_ context.Context, clientFmt types.Dialect, upstream io.Reader, stream bool) (io.Reader, error) {
	if clientFmt == types.DialectResponses {
		return upstream, nil
	}
	if stream {
		return newSSEReshaper(upstream, types.DialectResponses, clientFmt), nil
	}
	raw, err := io.ReadAll(upstream)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(reshapeBufferedResponse(raw, types.DialectResponses, clientFmt)), nil
}

func (t *ResponsesTranslator) ClassifyError(statusCode int, body []byte) types.FailureClass {
	if statusCode == 429 && bodyContains(body, "concurrent") {
		return types.FailureConcurrentLimit
	}
	return classifyByStatus(statusCode)
}

func (t *ResponsesTranslator) Probe(ctx context.Context, endpoint types.ProviderEndpoint) ProbeResult {
	return probeGet(ctx, endpoint.BaseURL+"/v1/responses")
}
