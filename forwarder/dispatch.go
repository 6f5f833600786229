package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/internal/tlsutil"
	"github.com/xj4007/llmgateway/types"
)

// AuthApplier stamps provider-type-specific auth headers onto the outbound
// request (x-api-key+anthropic-version for claude, Bearer for codex/openai-
// compatible, API key in the query string for gemini — spec.md §6 "outbound
// provider-type conventions").
type AuthApplier func(req *http.Request, provider *types.Provider)

// Outcome is the result of one provider attempt, already classified so the
// caller can hand it straight to the breaker and session tracker.
type Outcome struct {
	StatusCode   int
	Body         io.ReadCloser
	TTFBMs       int64
	FailureClass types.FailureClass
	Err          error
}

// Dispatcher issues one forwarding attempt against a single provider
// endpoint (spec.md §4.5 "per-attempt protocol").
type Dispatcher struct {
	translators *dialect.Registry
	auth        AuthApplier
	logger      *zap.Logger
}

func NewDispatcher(translators *dialect.Registry, auth AuthApplier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{translators: translators, auth: auth, logger: logger}
}

func endpointPath(pt types.ProviderType, model string) string {
	switch pt {
	case types.ProviderClaude, types.ProviderClaudeAuth:
		return "/v1/messages"
	case types.ProviderCodex:
		return "/v1/responses"
	case types.ProviderGemini, types.ProviderGeminiCli:
		return fmt.Sprintf("/v1beta/models/%s:generateContent", model)
	default:
		return "/v1/chat/completions"
	}
}

// buildClient constructs an *http.Client honoring the provider's proxy
// setting, or a direct connection when useDirect is set. Dispatch asks for
// the direct client after a proxied attempt fails with any network or
// timeout error and ProxyFallbackToDirect is set (spec.md §4.5 "proxy
// fallback").
func buildClient(provider *types.Provider, enableHTTP2 bool, useDirect bool) (*http.Client, error) {
	tlsConfig := tlsutil.DefaultTLSConfig()
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	if !useDirect && provider.ProxyURL != "" {
		proxyURL, err := url.Parse(provider.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("forwarder: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if !enableHTTP2 {
		// Force HTTP/1.1 by disabling the transport's own h2 upgrade path.
		// Dispatch passes the caller's enableHTTP2 unchanged to every
		// attempt; a failed HTTP/2 attempt is not retried over HTTP/1.1.
		cfg := *tlsConfig
		cfg.NextProtos = []string{"http/1.1"}
		transport.TLSClientConfig = &cfg
		transport.ForceAttemptHTTP2 = false
	}
	return &http.Client{Transport: transport}, nil
}

// Dispatch runs the full per-attempt protocol: translate the payload,
// resolve provider-type path and auth, apply proxy-to-direct fallback, enforce
// the timeout family, and dispatch streaming or buffered. There is no
// HTTP/2-to-HTTP/1.1 fallback: the protocol choice is the caller's enableHTTP2.
func (d *Dispatcher) Dispatch(ctx context.Context, provider *types.Provider, endpoint *types.ProviderEndpoint, clientFmt types.Dialect, body []byte, opts dialect.TranslateOptions, enableHTTP2 bool) Outcome {
	translator, ok := d.translators.For(provider.ProviderType)
	if !ok {
		return Outcome{FailureClass: types.FailureClientNonRetry, Err: fmt.Errorf("forwarder: no translator for provider type %s", provider.ProviderType)}
	}

	translated, err := translator.TranslateRequest(ctx, clientFmt, body, opts)
	if err != nil {
		return Outcome{FailureClass: types.FailureClientNonRetry, Err: err}
	}

	client, err := buildClient(provider, enableHTTP2, false)
	if err != nil {
		return Outcome{FailureClass: types.FailureClientNonRetry, Err: err}
	}

	outcome := d.attempt(ctx, client, provider, endpoint, translator, clientFmt, translated, opts)
	if outcome.FailureClass == types.FailureNetworkOrTimeout && provider.ProxyURL != "" && provider.ProxyFallbackToDirect {
		d.logger.Warn("forwarder: proxy attempt failed, retrying direct", zap.String("provider", provider.Name))
		directClient, derr := buildClient(provider, enableHTTP2, true)
		if derr == nil {
			outcome = d.attempt(ctx, directClient, provider, endpoint, translator, clientFmt, translated, opts)
		}
	}
	return outcome
}

func (d *Dispatcher) attempt(ctx context.Context, client *http.Client, provider *types.Provider, endpoint *types.ProviderEndpoint, translator dialect.Translator, clientFmt types.Dialect, body []byte, opts dialect.TranslateOptions) Outcome {
	reqCtx := ctx
	var cancel context.CancelFunc
	switch {
	case !opts.Stream && provider.RequestTimeoutNonStreamMs > 0:
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(provider.RequestTimeoutNonStreamMs)*time.Millisecond)
	case opts.Stream && provider.FirstByteTimeoutStreamingMs > 0 && provider.StreamingIdleTimeoutMs == 0:
		// No idle timeout configured to take over once streaming starts, so
		// the first-byte bound is the only deadline this attempt gets.
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(provider.FirstByteTimeoutStreamingMs)*time.Millisecond)
	}
	if cancel != nil {
		defer cancel()
	}

	path := endpointPath(provider.ProviderType, opts.Model)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Outcome{FailureClass: types.FailureClientNonRetry, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.auth != nil {
		effective := provider
		if override, ok := CredentialOverrideFromContext(ctx); ok && override.APIKey != "" {
			withOverride := *provider
			withOverride.APIKey = override.APIKey
			effective = &withOverride
		}
		d.auth(req, effective)
	}

	start := time.Now()
	resp, err := client.Do(req)
	ttfb := time.Since(start).Milliseconds()
	if err != nil {
		return Outcome{FailureClass: types.FailureNetworkOrTimeout, TTFBMs: ttfb, Err: err}
	}

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return Outcome{
			StatusCode:   resp.StatusCode,
			FailureClass: translator.ClassifyError(resp.StatusCode, errBody),
			TTFBMs:       ttfb,
		}
	}

	body2 := io.ReadCloser(resp.Body)
	if opts.Stream && provider.StreamingIdleTimeoutMs > 0 {
		body2 = newIdleTimeoutBody(resp.Body, time.Duration(provider.StreamingIdleTimeoutMs)*time.Millisecond)
	}

	translatedReader, err := translator.TranslateResponse(ctx, clientFmt, body2, opts.Stream)
	if err != nil {
		body2.Close()
		return Outcome{StatusCode: resp.StatusCode, FailureClass: types.FailureNetworkOrTimeout, TTFBMs: ttfb, Err: err}
	}

	return Outcome{
		StatusCode:   resp.StatusCode,
		Body:         readCloserFrom(translatedReader, body2),
		FailureClass: types.FailureNone,
		TTFBMs:       ttfb,
	}
}

func readCloserFrom(r io.Reader, underlying io.Closer) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: r, Closer: underlying}
}
