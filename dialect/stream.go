package dialect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xj4007/llmgateway/types"
)

// sseReshaper re-frames an upstream SSE stream in fromFmt's event shape into
// toFmt's event shape, token delta by token delta, so a streaming client
// never has to buffer the full response (spec.md §4.5 "streaming dispatch").
// The rectifier handles the malformed/truncated cases upstream of this;
// sseReshaper assumes well-formed `data: {...}` / `data: [DONE]` framing.
type sseReshaper struct {
	pr *io.PipeReader
}

func newSSEReshaper(upstream io.Reader, fromFmt, toFmt types.Dialect) io.Reader {
	pr, pw := io.Pipe()
	go runSSEReshape(upstream, pw, fromFmt, toFmt)
	return &sseReshaper{pr: pr}
}

func (s *sseReshaper) Read(p []byte) (int, error) { return s.pr.Read(p) }

func runSSEReshape(upstream io.Reader, pw *io.PipeWriter, fromFmt, toFmt types.Dialect) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var model string
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			writeDoneEvent(pw, toFmt)
			break
		}

		var evt map[string]any
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		if m, ok := evt["model"].(string); ok && m != "" {
			model = m
		}
		delta, finishReason, done := extractStreamDelta(fromFmt, evt)
		if delta == "" && !done {
			continue
		}
		if err := writeDeltaEvent(pw, toFmt, model, delta, finishReason); err != nil {
			pw.CloseWithError(err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		pw.CloseWithError(err)
		return
	}
	pw.Close()
}

// extractStreamDelta pulls the incremental text token and terminal markers
// out of one SSE event, using each dialect's own incremental-event shape.
func extractStreamDelta(fromFmt types.Dialect, evt map[string]any) (delta, finishReason string, done bool) {
	switch fromFmt {
	case types.DialectAnthropic:
		if evt["type"] == "content_block_delta" {
			if d, ok := evt["delta"].(map[string]any); ok {
				delta, _ = d["text"].(string)
			}
		}
		if evt["type"] == "message_delta" {
			if d, ok := evt["delta"].(map[string]any); ok {
				finishReason, _ = d["stop_reason"].(string)
			}
			done = finishReason != ""
		}
	case types.DialectOpenAIChat, types.DialectResponses:
		if choices, ok := evt["choices"].([]any); ok && len(choices) > 0 {
			if cm, ok := choices[0].(map[string]any); ok {
				if d, ok := cm["delta"].(map[string]any); ok {
					delta, _ = d["content"].(string)
				}
				finishReason, _ = cm["finish_reason"].(string)
				done = finishReason != ""
			}
		}
	case types.DialectGemini:
		if candidates, ok := evt["candidates"].([]any); ok && len(candidates) > 0 {
			if cm, ok := candidates[0].(map[string]any); ok {
				if content, ok := cm["content"].(map[string]any); ok {
					if parts, ok := content["parts"].([]any); ok {
						for _, p := range parts {
							if pm, ok := p.(map[string]any); ok {
								if t, ok := pm["text"].(string); ok {
									delta += t
								}
							}
						}
					}
				}
				finishReason, _ = cm["finishReason"].(string)
				done = finishReason != ""
			}
		}
	}
	return delta, finishReason, done
}

func writeDeltaEvent(pw *io.PipeWriter, toFmt types.Dialect, model, delta, finishReason string) error {
	var payload map[string]any
	eventName := ""
	switch toFmt {
	case types.DialectAnthropic:
		eventName = "content_block_delta"
		payload = map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": delta},
		}
	case types.DialectOpenAIChat, types.DialectResponses:
		payload = map[string]any{
			"model": model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         map[string]any{"content": delta},
				"finish_reason": nullableString(finishReason),
			}},
		}
	case types.DialectGemini:
		payload = map[string]any{
			"candidates": []map[string]any{{
				"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": delta}}},
				"finishReason": finishReason,
			}},
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(pw, "event: %s\ndata: %s\n\n", firstNonEmpty(eventName, "message"), raw)
	return err
}

func writeDoneEvent(pw *io.PipeWriter, toFmt types.Dialect) {
	switch toFmt {
	case types.DialectAnthropic:
		fmt.Fprintf(pw, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	default:
		fmt.Fprintf(pw, "data: [DONE]\n\n")
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
