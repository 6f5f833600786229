package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xj4007/llmgateway/types"
)

func TestExtractRequestMeta_SessionCandidatesInPriorityOrder(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus",
		"messages": [{"role": "user", "content": "hi"}],
		"metadata": {"session_id": "from-metadata"},
		"prompt_cache_key": "from-cache-key",
		"previous_response_id": "resp_abc123"
	}`)
	meta, err := ExtractRequestMeta(types.DialectAnthropic, body)
	require.NoError(t, err)
	assert.Equal(t, "from-metadata", meta.MetadataSessionID)
	assert.Equal(t, "from-cache-key", meta.PromptCacheKey)
	assert.Equal(t, "resp_abc123", meta.PreviousResponseID)
}

func TestExtractRequestMeta_FirstThreeUserMessageHashes(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "one"},
			{"role": "assistant", "content": "reply"},
			{"role": "user", "content": "two"},
			{"role": "user", "content": "three"},
			{"role": "user", "content": "four"}
		]
	}`)
	meta, err := ExtractRequestMeta(types.DialectOpenAIChat, body)
	require.NoError(t, err)
	require.Len(t, meta.UserMessageHashes, 3)
	assert.NotEqual(t, meta.UserMessageHashes[0], meta.UserMessageHashes[1])
	assert.NotEqual(t, meta.UserMessageHashes[1], meta.UserMessageHashes[2])
}
