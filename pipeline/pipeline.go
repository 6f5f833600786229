package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/breaker"
	"github.com/xj4007/llmgateway/cost"
	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/forwarder"
	"github.com/xj4007/llmgateway/middleware"
	"github.com/xj4007/llmgateway/quota"
	"github.com/xj4007/llmgateway/rectifier"
	"github.com/xj4007/llmgateway/selector"
	"github.com/xj4007/llmgateway/session"
	"github.com/xj4007/llmgateway/types"
)

// Config bundles the knobs the pipeline itself reads, distinct from the
// per-provider tuning already carried on types.Provider.
type Config struct {
	EnableHTTP2                      bool
	EnableCodexInstructionsInjection bool
}

// Pipeline runs the C1-C10 request-dispatch stages from spec.md §2 over one
// inbound proxy call, orchestrating every package built for this gateway.
type Pipeline struct {
	dialects  *dialect.Registry
	guard     *middleware.Guard
	providers *breaker.ProviderBreaker
	vendors   *breaker.VendorTypeBreaker
	resolver  *selector.Resolver
	sessions  *session.Tracker
	quotas    *quota.Guard
	dispatch  *forwarder.Dispatcher
	rect      *rectifier.Rectifier

	auth      AuthResolver
	endpoints EndpointCatalog
	prices    PriceCatalog
	usage     UsageRecorder

	cfg    Config
	logger *zap.Logger
}

func New(
	dialects *dialect.Registry,
	guard *middleware.Guard,
	providers *breaker.ProviderBreaker,
	vendors *breaker.VendorTypeBreaker,
	resolver *selector.Resolver,
	sessions *session.Tracker,
	quotas *quota.Guard,
	dispatch *forwarder.Dispatcher,
	rect *rectifier.Rectifier,
	auth AuthResolver,
	endpoints EndpointCatalog,
	prices PriceCatalog,
	usage UsageRecorder,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		dialects:  dialects,
		guard:     guard,
		providers: providers,
		vendors:   vendors,
		resolver:  resolver,
		sessions:  sessions,
		quotas:    quotas,
		dispatch:  dispatch,
		rect:      rect,
		auth:      auth,
		endpoints: endpoints,
		prices:    prices,
		usage:     usage,
		cfg:       cfg,
		logger:    logger,
	}
}

// Request is everything the HTTP-facing handler has already extracted from
// the inbound call before the pipeline takes over.
type Request struct {
	ClientFormat    types.Dialect
	Body            []byte
	BearerToken     string
	UserAgent       string
	ClientIP        string
	SessionIDHeader string // client-supplied session header (e.g. X-Session-Id), may be empty
}

// Response is the pipeline's verdict: either a short-circuit rejection
// (StatusCode set, Body nil) or a forwarded upstream response ready to be
// streamed or written to the client.
type Response struct {
	StatusCode int
	Body       io.ReadCloser
	Stream     bool
	Record     *types.MessageRequest
}

// Handle runs C1 through C10 over req. A request-shaped rejection (auth,
// quota, sensitive content, no provider, all candidates exhausted) is
// reported through the returned Response, with its Record persisted before
// Handle returns — it is not treated as a Go error. A non-nil error means
// the pipeline itself could not run to completion.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	record := &types.MessageRequest{
		APIType:   req.ClientFormat,
		UserAgent: req.UserAgent,
	}
	start := time.Now()

	// C1: Dialect Adapter.
	meta, err := dialect.ExtractRequestMeta(req.ClientFormat, req.Body)
	if err != nil {
		return p.blocked(ctx, record, 400, types.BlockedByClient, "malformed request body"), nil
	}
	record.Model = meta.Model
	record.OriginalModel = meta.Model

	// C2: Auth Guard.
	user, key, err := p.auth.ResolveBearerToken(ctx, req.BearerToken)
	if err != nil || user == nil || key == nil {
		return p.blocked(ctx, record, 401, types.BlockedByAuth, "invalid or unknown bearer token"), nil
	}
	now := time.Now()
	if !user.IsActive(now) {
		return p.blocked(ctx, record, 401, types.BlockedByAuth, "user disabled or expired"), nil
	}
	if !key.IsActive(now) {
		return p.blocked(ctx, record, 401, types.BlockedByAuth, "key disabled or expired"), nil
	}
	record.UserID = user.ID
	record.KeyString = req.BearerToken

	// C3: Client Guard.
	if !clientAllowed(user.AllowedClientUA, req.UserAgent) {
		return p.blocked(ctx, record, 403, types.BlockedByClient, "user agent not in allow-list"), nil
	}

	// C4: Session Resolver. Sequence allocation happens later, once every
	// pre-forwarding rejection (C5-C7) has passed, so a request rejected
	// before reaching the provider never consumes a sequence number
	// (spec.md §5/§8 "allocateSequence is... gap-free for successfully-
	// accepted requests; rejected pre-forwarding requests do not consume a
	// sequence").
	sessionID := p.sessionFor(ctx, req, meta, key.ID)
	record.SessionID = sessionID

	// C5: Sensitive-Content Guard.
	if blocked := p.guard.CheckSensitiveWords(middleware.FlattenText(req.Body)); blocked != nil {
		return p.blocked(ctx, record, 400, types.BlockedBy(blocked.BlockedBy), blocked.BlockedReason), nil
	}

	price, err := p.prices.ModelPrice(ctx, meta.Model)
	if err != nil || price == nil {
		return p.blocked(ctx, record, 404, types.BlockedByClient, "model has no published price"), nil
	}
	lowerBound := cost.LowerBound(price)
	boundaries := quota.Boundaries{Location: userLocation(user), ResetMode: user.DailyResetMode, ResetTime: user.DailyResetTime}

	// C6: Rate-Limit Guard — both Key and User scopes must admit.
	if d := p.quotas.Admit(ctx, types.ScopeKey, key.ID, key.Quotas, lowerBound, boundaries); !d.Allowed {
		return p.blocked(ctx, record, 429, d.BlockedBy, d.BlockedReason), nil
	}
	if d := p.quotas.Admit(ctx, types.ScopeUser, user.ID, user.Quotas, lowerBound, boundaries); !d.Allowed {
		return p.blocked(ctx, record, 429, d.BlockedBy, d.BlockedReason), nil
	}

	decKey, err := p.sessions.IncrementConcurrent(ctx, types.ScopeKey, key.ID)
	if err != nil {
		return p.blocked(ctx, record, 429, types.BlockedByConcurrent, "concurrency tracker unavailable"), nil
	}
	decUser, err := p.sessions.IncrementConcurrent(ctx, types.ScopeUser, user.ID)
	if err != nil {
		decKey()
		return p.blocked(ctx, record, 429, types.BlockedByConcurrent, "concurrency tracker unavailable"), nil
	}
	release := func() { decKey(); decUser() }

	// C7: Provider Resolver.
	selReq := selector.Request{
		RequestedModel:   meta.Model,
		IsAnthropicModel: req.ClientFormat == types.DialectAnthropic,
		Key:              key,
		User:             user,
		SessionID:        sessionID,
	}
	candidates, err := p.resolver.Resolve(ctx, selReq, &record.ProviderChain)
	if err != nil || len(candidates) == 0 {
		release()
		return p.blocked(ctx, record, 503, types.BlockedByClient, "no eligible provider for requested model"), nil
	}

	// Every pre-forwarding rejection has now passed; only requests that
	// reach here consume a sequence number.
	seq, err := p.sessions.AllocateSequence(ctx, sessionID)
	if err != nil {
		p.logger.Warn("pipeline: allocate session sequence failed, continuing unsequenced", zap.Error(err))
	}
	record.RequestSequence = int(seq)

	// C8: Forwarder, retrying across the shortlist on retryable failure.
	outcome, chosen, endpoint, ferr := p.forward(ctx, candidates, req, meta, &record.ProviderChain)
	if ferr != nil {
		release()
		if chosen != nil {
			record.ProviderID = chosen.ID
		}
		if outcome.StatusCode != 0 {
			record.StatusCode = outcome.StatusCode
		} else {
			record.StatusCode = 502
		}
		record.ErrorMessage = ferr.Error()
		return p.finalize(ctx, record), nil
	}

	record.ProviderID = chosen.ID
	record.Endpoint = endpoint.BaseURL
	record.MessagesCount = 1
	record.StatusCode = outcome.StatusCode
	record.TTFBMs = outcome.TTFBMs
	record.DurationMs = time.Since(start).Milliseconds()

	// C9: Response Handler — repair the body before it reaches the client.
	finalBody, repairErr := p.rectifyResponse(meta.Stream, outcome.Body)
	if repairErr != nil {
		p.logger.Warn("pipeline: response rectification failed, forwarding raw body", zap.Error(repairErr))
	}

	resp := &Response{StatusCode: outcome.StatusCode, Stream: meta.Stream, Record: record}

	// C10: Usage Finaliser. The response body is wrapped so usage is
	// extracted from exactly the bytes the client consumed, as a side
	// effect of that same read rather than a second concurrent read of the
	// same stream; finalization itself runs off the request's own context
	// so a slow or disconnecting client doesn't block quota/session
	// bookkeeping.
	if finalBody == nil {
		go p.finalizeAccepted(context.Background(), record, chosen, price, nil, key, user, boundaries, sessionID, release)
		return resp, nil
	}
	resp.Body = newUsageTrackingBody(finalBody, func(tracked []byte) {
		go p.finalizeAccepted(context.Background(), record, chosen, price, tracked, key, user, boundaries, sessionID, release)
	})
	return resp, nil
}

func clientAllowed(allowList []string, ua string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, pattern := range allowList {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}

func userLocation(user *types.User) *time.Location {
	if user.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// sessionFor extracts or synthesizes a session id per spec.md §3's priority
// order: a client-supplied header, then the body's metadata.session_id,
// prompt_cache_key, and previous_response_id (in that order), falling back
// to a deterministic UUIDv7 keyed by a fingerprint of the key, client IP,
// user agent, and the first three user-message hashes.
func (p *Pipeline) sessionFor(ctx context.Context, req Request, meta dialect.RequestMeta, keyID uint) string {
	fp := session.Fingerprint(fmt.Sprint(keyID), req.ClientIP, req.UserAgent, strings.Join(meta.UserMessageHashes, "|"))
	return p.sessions.GetOrAllocateSessionID(ctx, fp,
		req.SessionIDHeader,
		meta.MetadataSessionID,
		meta.PromptCacheKey,
		codexPrevSessionID(meta.PreviousResponseID),
	)
}

// codexPrevSessionID composes the codex_prev_-prefixed composite id from a
// Response-API previous_response_id, capped at the 256-char session id
// ceiling after prefixing (spec.md §8 "Composite ids prefixed codex_prev_
// must respect the 256-char cap after prefixing").
func codexPrevSessionID(previousResponseID string) string {
	if previousResponseID == "" {
		return ""
	}
	id := "codex_prev_" + previousResponseID
	if len(id) > 256 {
		id = id[:256]
	}
	return id
}

// forward walks candidates in order, applying the request-filter chain and
// dispatching each attempt, recording the outcome to the per-provider breaker
// (the vendor-type breaker is only checked, never recorded to here)
// and retrying the next candidate on a retryable failure class (spec.md
// §4.2 "retry orchestration", §4.5 C8).
func (p *Pipeline) forward(
	ctx context.Context,
	candidates []selector.Candidate,
	req Request,
	meta dialect.RequestMeta,
	log *[]types.ProviderChainItem,
) (forwarder.Outcome, *types.Provider, *types.ProviderEndpoint, error) {
	var lastErr error

	for _, cand := range candidates {
		provider := cand.Provider
		if provider.BreakerEnabled() && !p.providers.Allow(ctx, provider.ID, provider.CircuitBreakerTuning) {
			continue
		}
		if p.vendors.IsOpen(ctx, provider.VendorID, provider.ProviderType) {
			continue
		}

		endpoint, err := p.endpoints.Endpoint(ctx, provider.EndpointID)
		if err != nil {
			lastErr = fmt.Errorf("pipeline: resolve endpoint for provider %d: %w", provider.ID, err)
			continue
		}

		body := applyFiltersToBody(p.guard, req.Body, provider)
		opts := dialect.TranslateOptions{
			Target:                          provider.ProviderType,
			Model:                           provider.RedirectModel(meta.Model),
			Stream:                          meta.Stream,
			InjectOfficialCodexInstructions: provider.InjectOfficialCodexInstructions(p.cfg.EnableCodexInstructionsInjection),
		}
		outcome := p.dispatch.Dispatch(ctx, provider, endpoint, req.ClientFormat, body, opts, p.cfg.EnableHTTP2)

		if outcome.FailureClass == types.FailureNone {
			if provider.BreakerEnabled() {
				p.providers.RecordSuccess(ctx, provider.ID, provider.CircuitBreakerTuning)
			}
			// request_success covers every successful attempt, first try or
			// retry alike; retry_success is reserved for the vocabulary but
			// never emitted by this pipeline (Open Question resolution #1).
			appendChain(log, provider, types.ReasonRequestSuccess)
			return outcome, provider, endpoint, nil
		}

		lastErr = outcome.Err
		if outcome.FailureClass != types.FailureClientNonRetry {
			if provider.BreakerEnabled() && outcome.FailureClass.CountsAgainstBreaker() {
				p.providers.RecordFailure(ctx, provider.ID, provider.CircuitBreakerTuning)
			}
			appendChain(log, provider, types.ReasonRetryFailed)
			continue
		}
		appendChain(log, provider, types.ReasonClientErrorTerminal)
		return outcome, provider, endpoint, fmt.Errorf("pipeline: non-retryable upstream failure: %w", lastErr)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("pipeline: no candidate admitted by breakers")
	}
	return forwarder.Outcome{}, nil, nil, lastErr
}

func appendChain(log *[]types.ProviderChainItem, p *types.Provider, reason types.ProviderChainReason) {
	*log = append(*log, types.ProviderChainItem{
		ProviderID: p.ID,
		Name:       p.Name,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
}

// applyFiltersToBody decodes body into a filterable map, runs the guard's
// request-filter chain against it scoped to provider, and re-encodes.
// Bodies that don't decode to a JSON object pass through unmodified.
func applyFiltersToBody(guard *middleware.Guard, body []byte, provider *types.Provider) []byte {
	decoded, ok := decodeJSONObject(body)
	if !ok {
		return body
	}
	target := &middleware.FilterTarget{Body: decoded}
	guard.ApplyFilters(target, provider.ID, provider.GroupTag)
	encoded, err := encodeJSONObject(target.Body)
	if err != nil {
		return body
	}
	return encoded
}

// rectifyResponse buffers and repairs the upstream body before it's handed
// back to the client (spec.md §4.5 "Response Rectifier"). Streaming bodies
// are reframed chunk-by-chunk so the client still sees a live stream;
// non-streaming bodies are fully buffered so a truncated JSON tail can be
// balanced.
func (p *Pipeline) rectifyResponse(stream bool, body io.ReadCloser) (io.ReadCloser, error) {
	if body == nil {
		return nil, nil
	}
	if stream {
		return newSSERectifyingReader(body, p.rect), nil
	}
	raw, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return io.NopCloser(strings.NewReader("")), err
	}
	raw = p.rect.NormalizeEncoding(raw)
	raw = p.rect.RepairJSON(raw)
	return io.NopCloser(strings.NewReader(string(raw))), nil
}

// blocked short-circuits the pipeline with a BlockedBy-tagged rejection,
// persisting the record before returning so callers never have to remember
// to do it themselves (spec.md §4.6 "persisted with BlockedBy/BlockedReason").
func (p *Pipeline) blocked(ctx context.Context, record *types.MessageRequest, status int, blockedBy types.BlockedBy, reason string) *Response {
	record.StatusCode = status
	record.BlockedBy = blockedBy
	record.BlockedReason = reason
	return p.finalize(ctx, record)
}

func (p *Pipeline) finalize(ctx context.Context, record *types.MessageRequest) *Response {
	if err := p.usage.SaveMessageRequest(ctx, record); err != nil {
		p.logger.Warn("pipeline: failed to persist message request", zap.Error(err))
	}
	return &Response{StatusCode: record.StatusCode, Record: record}
}

// finalizeAccepted runs the back half of C10 once the response body has
// been prepared: extract usage, compute cost, persist the final record,
// post usage to both quota scopes' windows, pin session affinity on
// success, and release the concurrency slots taken in C6.
func (p *Pipeline) finalizeAccepted(
	ctx context.Context,
	record *types.MessageRequest,
	provider *types.Provider,
	price *types.ModelPrice,
	body []byte,
	key *types.APIKey,
	user *types.User,
	boundaries quota.Boundaries,
	sessionID string,
	release func(),
) {
	defer release()

	u := peekUsage(record.APIType, body)
	breakdown := cost.Compute(price, u, provider.CostMultiplier)

	record.InputTokens = u.InputTokens
	record.OutputTokens = u.OutputTokens
	record.CacheCreation5mInputTokens = u.CacheCreation5mTokens
	record.CacheCreation1hInputTokens = u.CacheCreation1hTokens
	record.CacheReadInputTokens = u.CacheReadTokens
	record.Context1mApplied = u.Context1mApplied
	record.CostUsd = breakdown.FinalCost
	record.CostMultiplier = provider.CostMultiplier

	if err := p.usage.SaveMessageRequest(ctx, record); err != nil {
		p.logger.Error("pipeline: failed to persist message request", zap.Error(err))
	}

	p.quotas.RecordUsage(ctx, types.ScopeKey, key.ID, breakdown.FinalCost, boundaries)
	p.quotas.RecordUsage(ctx, types.ScopeUser, user.ID, breakdown.FinalCost, boundaries)

	if record.StatusCode >= 200 && record.StatusCode < 300 {
		p.sessions.SetStickyProvider(ctx, sessionID, provider.ID)
	}
}
