package handlers

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/internal/ctxkeys"
	"github.com/xj4007/llmgateway/internal/pool"
	"github.com/xj4007/llmgateway/pipeline"
	"github.com/xj4007/llmgateway/types"
)

// GatewayHandler terminates the four inbound dialects the proxy accepts
// (Anthropic messages, OpenAI chat completions, the Response API, Gemini
// generateContent) and hands each one to the shared Pipeline, translating
// its Response back onto the wire.
type GatewayHandler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

// NewGatewayHandler creates a handler bound to a single Pipeline instance.
func NewGatewayHandler(p *pipeline.Pipeline, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{pipeline: p, logger: logger}
}

// HandleAnthropicMessages serves POST /v1/messages.
// @Summary Anthropic messages
// @Description Anthropic-dialect chat completion, proxied to the selected provider
// @Tags gateway
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Router /v1/messages [post]
func (h *GatewayHandler) HandleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.DialectAnthropic)
}

// HandleChatCompletions serves POST /v1/chat/completions.
// @Summary OpenAI chat completions
// @Tags gateway
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *GatewayHandler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.DialectOpenAIChat)
}

// HandleResponses serves POST /v1/responses and its Codex variants.
// @Summary Response-API completions
// @Tags gateway
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Router /v1/responses [post]
func (h *GatewayHandler) HandleResponses(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.DialectResponses)
}

// HandleGeminiGenerateContent serves POST /v1beta/models/{model}:generateContent.
// @Summary Gemini generateContent
// @Tags gateway
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Router /v1beta/models/{model}:generateContent [post]
func (h *GatewayHandler) HandleGeminiGenerateContent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, types.DialectGemini)
}

// serve is the shared body for every dialect entrypoint: decode the raw
// body, extract the sole accepted credential, run the pipeline, and
// translate the result back onto the wire (spec.md §6 "the server MUST").
func (h *GatewayHandler) serve(w http.ResponseWriter, r *http.Request, dialectFmt types.Dialect) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body", h.logger)
		return
	}

	token := bearerToken(r)
	if token == "" {
		WriteErrorMessage(w, http.StatusUnauthorized, types.ErrAuthentication, "missing Authorization: Bearer <key>", h.logger)
		return
	}

	req := pipeline.Request{
		ClientFormat:    dialectFmt,
		Body:            body,
		BearerToken:     token,
		UserAgent:       r.UserAgent(),
		ClientIP:        remoteIP(r),
		SessionIDHeader: sessionIDHeader(r),
	}

	traceID := uuid.NewString()
	ctx := ctxkeys.WithTraceID(r.Context(), traceID)
	w.Header().Set("x-trace-id", traceID)

	resp, err := h.pipeline.Handle(ctx, req)
	if err != nil {
		h.logger.Error("pipeline handling failed", zap.String("traceId", traceID), zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "gateway internal error", h.logger)
		return
	}

	if resp.Record != nil && resp.Record.SessionID != "" {
		w.Header().Set("x-session-id", resp.Record.SessionID)
	}

	if resp.Body == nil {
		w.WriteHeader(resp.StatusCode)
		if resp.Record != nil && resp.Record.BlockedReason != "" {
			WriteJSON(w, resp.StatusCode, blockedEnvelope(dialectFmt, resp.Record))
		}
		return
	}
	defer resp.Body.Close()

	if resp.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := pool.GlobalCopyBufferPool.Get()
	buf = buf[:cap(buf)]
	defer pool.GlobalCopyBufferPool.Put(buf)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// blockedEnvelope renders a pre-forwarding rejection (C2 through C7) in the
// requesting dialect's error shape.
func blockedEnvelope(dialectFmt types.Dialect, record *types.MessageRequest) map[string]any {
	switch dialectFmt {
	case types.DialectAnthropic:
		return map[string]any{"type": "error", "error": map[string]any{"type": string(record.BlockedBy), "message": record.BlockedReason}}
	case types.DialectGemini:
		return map[string]any{"error": map[string]any{"code": record.StatusCode, "message": record.BlockedReason, "status": string(record.BlockedBy)}}
	default:
		return map[string]any{"error": map[string]any{"message": record.BlockedReason, "type": string(record.BlockedBy), "code": string(record.BlockedBy)}}
	}
}

// bearerToken extracts the sole accepted credential (spec.md §6: "preserve
// an Authorization: Bearer <key> header as the sole accepted credential").
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// sessionIDHeader returns the client-supplied session id header, the
// highest-priority source in spec.md §3's session id derivation order.
// Validation/rejection happens downstream in session.ValidSessionID; this
// layer only extracts the raw value.
func sessionIDHeader(r *http.Request) string {
	if v := r.Header.Get("X-Session-Id"); v != "" {
		return v
	}
	return r.Header.Get("Session-Id")
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
