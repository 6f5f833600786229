package rectifier

import (
	"bytes"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Config bounds the repair pass (spec.md §4.5 "Response Rectifier").
type Config struct {
	MaxDepth   int // brace/bracket nesting cap for JSON balancing, default 200
	MaxSizeMiB int // size cap for the JSON balancing pass, default 1
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{MaxDepth: 200, MaxSizeMiB: 1}
}

// Rectifier applies the closed set of well-known repairs to upstream bytes.
// It never reorders data and never alters structure that is already valid;
// failures to repair are logged and the original bytes are returned
// untouched (spec.md §4.5: "Failures in rectification are logged and do not
// change the delivered bytes").
type Rectifier struct {
	cfg    Config
	logger *zap.Logger
}

func NewRectifier(cfg Config, logger *zap.Logger) *Rectifier {
	return &Rectifier{cfg: cfg, logger: logger}
}

// RepairJSON balances a truncated JSON tail: unterminated strings are
// closed, then unmatched `{`/`[` are closed in LIFO order. Bails out (and
// returns the input unchanged) past MaxDepth nesting or MaxSizeMiB size,
// or if the input is empty.
func (r *Rectifier) RepairJSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	if len(body) > r.cfg.MaxSizeMiB*1024*1024 {
		r.logger.Warn("rectifier: json body exceeds size cap, skipping repair", zap.Int("size", len(body)))
		return body
	}

	buf := NewZeroCopyBuffer(len(body) + 64)
	buf.Write(body)

	stack, inString, escaped, ok := r.scanStructure(buf.Bytes())
	if !ok {
		r.logger.Warn("rectifier: json nesting exceeds depth cap, skipping repair", zap.Int("depth", len(stack)))
		return body
	}
	if len(stack) == 0 && !inString {
		return body // already balanced, never touch valid structure
	}

	var out bytes.Buffer
	out.Write(buf.Bytes())
	if inString {
		if escaped {
			out.WriteByte('\\')
		}
		out.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out.WriteByte(stack[i])
	}
	return out.Bytes()
}

// scanStructure walks the JSON tracking open braces/brackets and whether the
// tail sits inside an unterminated string. Returns ok=false if nesting ever
// exceeds MaxDepth.
func (r *Rectifier) scanStructure(body []byte) (closers []byte, inString bool, trailingEscape bool, ok bool) {
	stack := make([]byte, 0, 16)
	escaped := false
	for _, b := range body {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		if len(stack) > r.cfg.MaxDepth {
			return nil, false, false, false
		}
	}
	return stack, inString, escaped, true
}

// ReframeSSE re-emits a Server-Sent-Events byte stream with a single "\n\n"
// terminator per event, drops empty frames, and fixes stray "\r" left by
// CRLF-terminated upstreams (spec.md §4.5 "Malformed SSE framing").
func (r *Rectifier) ReframeSSE(body []byte) []byte {
	normalized := bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	normalized = bytes.ReplaceAll(normalized, []byte("\r"), []byte("\n"))

	rawFrames := bytes.Split(normalized, []byte("\n\n"))
	var out bytes.Buffer
	for _, frame := range rawFrames {
		trimmed := bytes.TrimRight(frame, "\n")
		if len(bytes.TrimSpace(trimmed)) == 0 {
			continue
		}
		out.Write(trimmed)
		out.WriteString("\n\n")
	}
	return out.Bytes()
}

// NormalizeEncoding ensures the body is valid UTF-8, replacing invalid
// sequences with the Unicode replacement character rather than failing the
// response outright (spec.md §4.5 "Encoding").
func (r *Rectifier) NormalizeEncoding(body []byte) []byte {
	if utf8.Valid(body) {
		return body
	}
	r.logger.Warn("rectifier: non-utf8 upstream body, normalizing", zap.Int("size", len(body)))

	var out bytes.Buffer
	out.Grow(len(body))
	for len(body) > 0 {
		rn, size := utf8.DecodeRune(body)
		if rn == utf8.RuneError && size <= 1 {
			out.WriteRune(utf8.RuneError)
			body = body[1:]
			continue
		}
		out.Write(body[:size])
		body = body[size:]
	}
	return out.Bytes()
}
