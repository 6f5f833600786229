package forwarder

import (
	"net/http"

	"github.com/xj4007/llmgateway/types"
)

// ApplyProviderAuth is the default AuthApplier, stamping the credential
// shape each outbound provider type expects (spec.md §6 "outbound
// provider-type conventions"):
//
//   - claude: x-api-key plus anthropic-version
//   - claude-auth: Authorization: Bearer only, no x-api-key
//   - codex, openai-compatible: Authorization: Bearer
//   - gemini, gemini-cli: API key in the query string
func ApplyProviderAuth(req *http.Request, provider *types.Provider) {
	switch provider.ProviderType {
	case types.ProviderClaude:
		req.Header.Set("x-api-key", provider.APIKey)
		version := provider.AnthropicVersion
		if version == "" {
			version = "2023-06-01"
		}
		req.Header.Set("anthropic-version", version)
	case types.ProviderClaudeAuth, types.ProviderCodex, types.ProviderOpenAICompatible:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	case types.ProviderGemini, types.ProviderGeminiCli:
		q := req.URL.Query()
		q.Set("key", provider.APIKey)
		req.URL.RawQuery = q.Encode()
	}
}
