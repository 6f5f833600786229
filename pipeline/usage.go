package pipeline

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/xj4007/llmgateway/cost"
	"github.com/xj4007/llmgateway/rectifier"
	"github.com/xj4007/llmgateway/types"
)

// decodeJSONObject decodes body into a generic map for the request-filter
// chain to rewrite in place. Non-object bodies (arrays, scalars, malformed
// JSON) are left untouched by the caller.
func decodeJSONObject(body []byte) (map[string]any, bool) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

func encodeJSONObject(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

// peekUsage extracts the upstream-reported token usage from the final
// client-dialect response body (spec.md §4.7 "it reports what the upstream
// declares"). Streaming bodies carry usage in their last SSE data frame;
// non-streaming bodies carry it in a top-level usage object. The four
// client dialects name these fields differently, so every known spelling
// is checked.
func peekUsage(clientFmt types.Dialect, raw []byte) cost.Usage {
	payload := raw
	if looksLikeSSE(raw) {
		payload = lastSSEPayload(raw)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return cost.Usage{}
	}
	if clientFmt == types.DialectGemini {
		return usageFromGemini(decoded)
	}
	return usageFromUsageObject(decoded)
}

func looksLikeSSE(raw []byte) bool {
	return bytes.Contains(raw, []byte("data:"))
}

// lastSSEPayload returns the last non-"[DONE]" data frame's JSON payload.
func lastSSEPayload(raw []byte) []byte {
	frames := bytes.Split(raw, []byte("\n\n"))
	for i := len(frames) - 1; i >= 0; i-- {
		frame := bytes.TrimSpace(frames[i])
		if len(frame) == 0 {
			continue
		}
		for _, line := range bytes.Split(frame, []byte("\n")) {
			line = bytes.TrimSpace(line)
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)
			if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
				continue
			}
			return data
		}
	}
	return nil
}

func usageFromGemini(decoded map[string]any) cost.Usage {
	meta, _ := decoded["usageMetadata"].(map[string]any)
	return cost.Usage{
		InputTokens:  intField(meta, "promptTokenCount"),
		OutputTokens: intField(meta, "candidatesTokenCount"),
	}
}

// usageFromUsageObject covers Anthropic, OpenAI chat-completions, and the
// Response API, all of which nest usage under a top-level "usage" object
// but disagree on field names.
func usageFromUsageObject(decoded map[string]any) cost.Usage {
	usage, _ := decoded["usage"].(map[string]any)
	if usage == nil {
		return cost.Usage{}
	}
	u := cost.Usage{
		InputTokens:         firstIntField(usage, "input_tokens", "prompt_tokens"),
		OutputTokens:        firstIntField(usage, "output_tokens", "completion_tokens"),
		CacheReadTokens:     intField(usage, "cache_read_input_tokens"),
		CacheCreation5mTokens: intField(usage, "cache_creation_input_tokens"),
	}
	if creation, ok := usage["cache_creation"].(map[string]any); ok {
		u.CacheCreation5mTokens = intField(creation, "ephemeral_5m_input_tokens")
		u.CacheCreation1hTokens = intField(creation, "ephemeral_1h_input_tokens")
	}
	return u
}

func intField(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	if f, ok := m[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func firstIntField(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v := intField(m, k); v != 0 {
			return v
		}
	}
	return 0
}

// sseRectifyingReader wraps an upstream SSE byte stream, reframing each
// complete "\n\n"-terminated batch of frames as it arrives and holding any
// trailing partial frame back until the next read fills it in (spec.md
// §4.5 "malformed-SSE reframing" applied without breaking up the live
// stream). Built on the teacher's zero-copy accumulation buffer.
type sseRectifyingReader struct {
	upstream io.ReadCloser
	rect     *rectifier.Rectifier
	buf      *rectifier.ZeroCopyBuffer
	pending  []byte
	readBuf  [32 * 1024]byte
	err      error
}

func newSSERectifyingReader(upstream io.ReadCloser, rect *rectifier.Rectifier) *sseRectifyingReader {
	return &sseRectifyingReader{upstream: upstream, rect: rect, buf: rectifier.NewZeroCopyBuffer(4096)}
}

func (r *sseRectifyingReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.upstream.Read(r.readBuf[:])
		if n > 0 {
			r.buf.Write(r.readBuf[:n])
		}
		if err != nil {
			r.err = err
			r.pending = r.rect.ReframeSSE(r.buf.Bytes())
			r.buf.Reset()
			continue
		}
		raw := r.buf.Bytes()
		idx := bytes.LastIndex(raw, []byte("\n\n"))
		if idx < 0 {
			continue
		}
		complete := append([]byte(nil), raw[:idx+2]...)
		rest := append([]byte(nil), raw[idx+2:]...)
		r.buf.Reset()
		r.buf.Write(rest)
		r.pending = r.rect.ReframeSSE(complete)
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *sseRectifyingReader) Close() error {
	return r.upstream.Close()
}

// usageTrackingBody tees every byte the caller reads into an internal
// buffer and hands that buffer to onClose exactly once, so usage extraction
// observes precisely what the client consumed instead of racing a second
// read of the same upstream body (spec.md §4.5 "accumulating usage" while
// streaming the response back).
type usageTrackingBody struct {
	io.ReadCloser
	buf     bytes.Buffer
	onClose func([]byte)
	closed  bool
}

func newUsageTrackingBody(rc io.ReadCloser, onClose func([]byte)) *usageTrackingBody {
	return &usageTrackingBody{ReadCloser: rc, onClose: onClose}
}

func (u *usageTrackingBody) Read(p []byte) (int, error) {
	n, err := u.ReadCloser.Read(p)
	if n > 0 {
		u.buf.Write(p[:n])
	}
	return n, err
}

func (u *usageTrackingBody) Close() error {
	err := u.ReadCloser.Close()
	if !u.closed {
		u.closed = true
		u.onClose(u.buf.Bytes())
	}
	return err
}
