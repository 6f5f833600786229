// Package dialect translates request/response bodies between the four
// inbound client dialects and the four outbound provider-type wire formats
// (spec.md §4.*, §6 "inbound dialects" / "outbound provider-type
// conventions").
package dialect

import (
	"context"
	"io"

	"github.com/xj4007/llmgateway/types"
)

// TranslateOptions carries the per-call context a translator needs beyond
// the raw body: the target provider type, any model redirect already
// applied by Provider.RedirectModel, and whether the caller asked for a
// streaming response.
type TranslateOptions struct {
	Target           types.ProviderType
	Model            string
	Stream           bool
	Context1mApplied bool

	// InjectOfficialCodexInstructions is the already-resolved outcome of
	// Provider.InjectOfficialCodexInstructions (spec.md §9 Open Question 2);
	// ResponsesTranslator is the only translator that acts on it, since
	// `instructions` is a Response-API/Codex-dialect field.
	InjectOfficialCodexInstructions bool
}

// OfficialCodexInstructions is the fixed instructions string substituted
// when a provider's strategy (or the legacy global toggle) calls for it.
const OfficialCodexInstructions = "You are Codex, based on GPT-5. You are running as a coding agent in the Codex CLI on a user's computer."

// ProbeResult is the outcome of a liveness probe against one endpoint
// (spec.md §6, `probe` package).
type ProbeResult struct {
	Healthy      bool
	StatusCode   int
	LatencyMs    int64
	ErrorMessage string
}

// Translator converts one outbound provider dialect's wire format to and
// from the gateway's internal representation, and classifies upstream
// errors using the dialect's own status/body conventions.
type Translator interface {
	// TranslateRequest rewrites a client-dialect body into the wire format
	// the target provider type expects.
	TranslateRequest(ctx context.Context, clientFmt types.Dialect, body []byte, opts TranslateOptions) ([]byte, error)

	// TranslateResponse rewrites an upstream response body/stream back into
	// clientFmt's shape. When stream is true, upstream is an SSE/NDJSON
	// byte stream and the returned Reader is itself a re-encoded stream.
	TranslateResponse(ctx context.Context, clientFmt types.Dialect, upstream io.Reader, stream bool) (io.Reader, error)

	// ClassifyError maps an upstream HTTP status and body to a FailureClass
	// using this provider type's own error envelope conventions.
	ClassifyError(statusCode int, body []byte) types.FailureClass

	// Probe issues a minimal liveness check against endpoint.
	Probe(ctx context.Context, endpoint types.ProviderEndpoint) ProbeResult
}

// Registry resolves a Translator by ProviderType.
type Registry struct {
	byType map[types.ProviderType]Translator
}

func NewRegistry() *Registry {
	r := &Registry{byType: make(map[types.ProviderType]Translator)}
	r.byType[types.ProviderClaude] = NewAnthropicTranslator()
	r.byType[types.ProviderClaudeAuth] = NewAnthropicTranslator()
	r.byType[types.ProviderCodex] = NewResponsesTranslator()
	r.byType[types.ProviderGemini] = NewGeminiTranslator()
	r.byType[types.ProviderGeminiCli] = NewGeminiTranslator()
	r.byType[types.ProviderOpenAICompatible] = NewOpenAIChatTranslator()
	return r
}

func (r *Registry) For(pt types.ProviderType) (Translator, bool) {
	t, ok := r.byType[pt]
	return t, ok
}

// DetectDialect inspects the inbound request path to determine the client
// dialect (spec.md §6 "inbound dialects" table).
func DetectDialect(path string) types.Dialect {
	switch {
	case hasSuffix(path, "/v1/messages"):
		return types.DialectAnthropic
	case hasSuffix(path, "/v1/chat/completions"):
		return types.DialectOpenAIChat
	case hasSuffix(path, "/v1/responses") || contains(path, "/v1/responses/"):
		return types.DialectResponses
	case contains(path, ":generateContent"):
		return types.DialectGemini
	default:
		return types.DialectAnthropic
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
