package types

// Dialect is the on-the-wire shape a client or upstream speaks.
type Dialect string

const (
	DialectAnthropic  Dialect = "anthropic"
	DialectOpenAIChat Dialect = "openai-chat"
	DialectResponses  Dialect = "responses"
	DialectGemini     Dialect = "gemini"
)

// ProviderType selects the upstream wire convention and auth header shape
// (spec.md §3 "Provider", §6 outbound table).
type ProviderType string

const (
	ProviderClaude           ProviderType = "claude"
	ProviderClaudeAuth       ProviderType = "claude-auth"
	ProviderCodex            ProviderType = "codex"
	ProviderGemini           ProviderType = "gemini"
	ProviderGeminiCli        ProviderType = "gemini-cli"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
)

// FailureClass is the outcome of classifying an upstream error (spec.md §4.2).
type FailureClass string

const (
	FailureRetryable5xx     FailureClass = "retryable_5xx"
	FailureRetryable429     FailureClass = "retryable_429"
	FailureNetworkOrTimeout FailureClass = "network_or_timeout"
	FailureClientNonRetry   FailureClass = "client_error_non_retryable"
	FailureConcurrentLimit  FailureClass = "concurrent_limit_failed"
	FailureNone             FailureClass = ""
)

// IsRetryable reports whether this class should drive the forwarder's retry
// loop against the next candidate provider.
func (f FailureClass) IsRetryable() bool {
	switch f {
	case FailureRetryable5xx, FailureRetryable429, FailureNetworkOrTimeout, FailureConcurrentLimit:
		return true
	default:
		return false
	}
}

// CountsAgainstBreaker reports whether this class should increment the
// per-provider failure counter (spec.md §4.2: concurrent-limit and
// non-retryable client errors never count against the breaker).
func (f FailureClass) CountsAgainstBreaker() bool {
	switch f {
	case FailureRetryable5xx, FailureRetryable429, FailureNetworkOrTimeout:
		return true
	default:
		return false
	}
}
