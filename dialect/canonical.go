package dialect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/xj4007/llmgateway/types"
)

// canonicalMessage is the gateway's dialect-neutral chat turn. It carries a
// turn's role and concatenated text only: tool calls, images and other
// non-text parts are not represented, so only text content round-trips
// across the four wire formats.
type canonicalMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// canonicalRequest is the parsed, dialect-neutral shape of one chat/completion
// call.
type canonicalRequest struct {
	Model    string
	System   string
	Messages []canonicalMessage
	Stream   bool
	MaxTokens int

	// Session-affinity candidates, extracted independent of clientFmt since
	// any of the four wire dialects may carry them (spec.md §3: body field
	// priority is metadata.session_id, prompt_cache_key, previous_response_id).
	MetadataSessionID  string
	PromptCacheKey     string
	PreviousResponseID string

	// UserMessageHashes is the sha256 of each of the first three user-role
	// messages, used as fingerprint material when no explicit session id is
	// supplied (spec.md §3 "fingerprint of (... first-3-user-message-hashes)").
	UserMessageHashes []string
}

// RequestMeta is the subset of an inbound request the pipeline needs before
// a translator is even chosen: which model was requested, whether the
// client wants a streaming response, and the session-affinity candidates
// spec.md §3 says to prefer over a synthesized fingerprint.
type RequestMeta struct {
	Model  string
	Stream bool

	MetadataSessionID  string
	PromptCacheKey     string
	PreviousResponseID string
	UserMessageHashes  []string
}

// ExtractRequestMeta parses just enough of body to drive provider selection
// (spec.md §4.1 "Inputs": requestedModel) and session resolution (spec.md
// §3) without committing to a specific outbound dialect.
func ExtractRequestMeta(clientFmt types.Dialect, body []byte) (RequestMeta, error) {
	cr, err := parseCanonical(clientFmt, body)
	if err != nil {
		return RequestMeta{}, err
	}
	return RequestMeta{
		Model:              cr.Model,
		Stream:             cr.Stream,
		MetadataSessionID:  cr.MetadataSessionID,
		PromptCacheKey:     cr.PromptCacheKey,
		PreviousResponseID: cr.PreviousResponseID,
		UserMessageHashes:  cr.UserMessageHashes,
	}, nil
}

// parseCanonical decodes body according to clientFmt into the dialect-neutral
// shape every renderer consumes.
func parseCanonical(clientFmt types.Dialect, body []byte) (canonicalRequest, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return canonicalRequest{}, fmt.Errorf("dialect: decode %s request: %w", clientFmt, err)
	}

	cr := canonicalRequest{}
	cr.Model, _ = raw["model"].(string)
	cr.Stream, _ = raw["stream"].(bool)
	if mt, ok := raw["max_tokens"].(float64); ok {
		cr.MaxTokens = int(mt)
	}
	if md, ok := raw["metadata"].(map[string]any); ok {
		cr.MetadataSessionID, _ = md["session_id"].(string)
	}
	cr.PromptCacheKey, _ = raw["prompt_cache_key"].(string)
	cr.PreviousResponseID, _ = raw["previous_response_id"].(string)

	switch clientFmt {
	case types.DialectAnthropic:
		if sys, ok := raw["system"].(string); ok {
			cr.System = sys
		}
		cr.Messages = extractMessages(raw["messages"])
	case types.DialectOpenAIChat:
		for _, m := range extractMessages(raw["messages"]) {
			if m.Role == "system" {
				cr.System = joinSystem(cr.System, m.Content)
				continue
			}
			cr.Messages = append(cr.Messages, m)
		}
	case types.DialectResponses:
		if instr, ok := raw["instructions"].(string); ok {
			cr.System = instr
		}
		cr.Messages = extractResponsesInput(raw["input"])
	case types.DialectGemini:
		if sys, ok := extractGeminiSystem(raw["systemInstruction"]); ok {
			cr.System = sys
		}
		cr.Messages = extractGeminiContents(raw["contents"])
	}
	cr.UserMessageHashes = firstUserMessageHashes(cr.Messages, 3)
	return cr, nil
}

// firstUserMessageHashes returns the sha256 hex digest of each of the first
// n user-role messages, in order.
func firstUserMessageHashes(msgs []canonicalMessage, n int) []string {
	var hashes []string
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		sum := sha256.Sum256([]byte(m.Content))
		hashes = append(hashes, hex.EncodeToString(sum[:]))
		if len(hashes) == n {
			break
		}
	}
	return hashes
}

func joinSystem(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}

func extractMessages(v any) []canonicalMessage {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]canonicalMessage, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		out = append(out, canonicalMessage{Role: role, Content: flattenContent(m["content"])})
	}
	return out
}

// flattenContent collapses Anthropic/OpenAI's "content can be a string or an
// array of typed parts" shape down to its concatenated text parts. Non-text
// parts (images, tool_use) are dropped from the canonical form — translating
// those faithfully across all four dialects is out of scope for the common
// subset this layer targets.
func flattenContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		text := ""
		for _, part := range c {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := pm["text"].(string); ok {
				text += t
			}
		}
		return text
	default:
		return ""
	}
}

func extractResponsesInput(v any) []canonicalMessage {
	arr, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok {
			return []canonicalMessage{{Role: "user", Content: s}}
		}
		return nil
	}
	out := make([]canonicalMessage, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			role = "user"
		}
		out = append(out, canonicalMessage{Role: role, Content: flattenContent(m["content"])})
	}
	return out
}

func extractGeminiSystem(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	parts, ok := m["parts"].([]any)
	if !ok {
		return "", false
	}
	text := ""
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := pm["text"].(string); ok {
			text += t
		}
	}
	return text, text != ""
}

func extractGeminiContents(v any) []canonicalMessage {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]canonicalMessage, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "model" {
			role = "assistant"
		}
		parts, _ := m["parts"].([]any)
		text := ""
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := pm["text"].(string); ok {
				text += t
			}
		}
		out = append(out, canonicalMessage{Role: role, Content: text})
	}
	return out
}

// renderAnthropic serializes cr as an Anthropic /v1/messages request body.
func renderAnthropic(cr canonicalRequest) []byte {
	body := map[string]any{
		"model":    cr.Model,
		"messages": toRoleContent(cr.Messages),
		"stream":   cr.Stream,
	}
	if cr.System != "" {
		body["system"] = cr.System
	}
	if cr.MaxTokens > 0 {
		body["max_tokens"] = cr.MaxTokens
	} else {
		body["max_tokens"] = 4096
	}
	raw, _ := json.Marshal(body)
	return raw
}

// renderOpenAIChat serializes cr as an OpenAI /v1/chat/completions body,
// folding the system prompt back in as a leading system message.
func renderOpenAIChat(cr canonicalRequest) []byte {
	messages := make([]map[string]any, 0, len(cr.Messages)+1)
	if cr.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": cr.System})
	}
	for _, m := range cr.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":    cr.Model,
		"messages": messages,
		"stream":   cr.Stream,
	}
	raw, _ := json.Marshal(body)
	return raw
}

// renderResponses serializes cr as a Response-API /v1/responses body.
func renderResponses(cr canonicalRequest) []byte {
	input := make([]map[string]any, 0, len(cr.Messages))
	for _, m := range cr.Messages {
		input = append(input, map[string]any{"role": m.Role, "content": m.Content})
	}
	body := map[string]any{
		"model":  cr.Model,
		"input":  input,
		"stream": cr.Stream,
	}
	if cr.System != "" {
		body["instructions"] = cr.System
	}
	raw, _ := json.Marshal(body)
	return raw
}

// renderGemini serializes cr as a generateContent body.
func renderGemini(cr canonicalRequest) []byte {
	contents := make([]map[string]any, 0, len(cr.Messages))
	for _, m := range cr.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	body := map[string]any{"contents": contents}
	if cr.System != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": cr.System}}}
	}
	raw, _ := json.Marshal(body)
	return raw
}

func toRoleContent(msgs []canonicalMessage) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{"role": m.Role, "content": m.Content})
	}
	return out
}
