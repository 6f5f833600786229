package dialect

import "github.com/xj4007/llmgateway/types"

// classifyByStatus implements the status-code half of ClassifyError shared
// by every provider type (spec.md §4.2 "Failure classification"). Body
// inspection for the concurrent-limit special case is left to each
// translator: the Claude translator looks for it in a 403 body and the
// Codex (responses) translator in a 429 body.
func classifyByStatus(statusCode int) types.FailureClass {
	switch {
	case statusCode == 0:
		return types.FailureNetworkOrTimeout
	case statusCode == 429:
		return types.FailureRetryable429
	case statusCode >= 500:
		return types.FailureRetryable5xx
	case statusCode >= 400:
		return types.FailureClientNonRetry
	default:
		return types.FailureNone
	}
}

// bodyContains is a tiny substring scan kept dependency-free; translators
// only need to recognize a handful of fixed marker phrases in small error
// bodies, not general text search.
func bodyContains(body []byte, marker string) bool {
	s := string(body)
	m := marker
	for i := 0; i+len(m) <= len(s); i++ {
		if s[i:i+len(m)] == m {
			return true
		}
	}
	return false
}
