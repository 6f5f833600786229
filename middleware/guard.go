package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

// RulesInvalidateChannel is the pub/sub topic every process listens on so a
// rule-set change (sensitive word, filter, error rule) in one replica
// invalidates the compiled cache everywhere (spec.md §4.6 "Rule changes are
// broadcast through a pub/sub channel").
const RulesInvalidateChannel = "gateway:rules:invalidate"

// RuleSource loads the current rule rows from the database. Implemented by
// the persistence layer; kept narrow so Guard can be tested without a DB.
type RuleSource interface {
	SensitiveWords(ctx context.Context) ([]types.SensitiveWord, error)
	RequestFilters(ctx context.Context) ([]types.RequestFilter, error)
	ErrorRules(ctx context.Context) ([]types.ErrorRule, error)
}

// BlockedError is returned when the sensitive-word guard or a quota/other
// pre-forwarding check rejects a request; callers persist a blocked
// MessageRequest row with BlockedBy/BlockedReason (spec.md §4.4, §4.6).
type BlockedError struct {
	BlockedBy     string
	BlockedReason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.BlockedBy, e.BlockedReason)
}

// compiledMatcher is a pattern matcher compiled once per rule-set reload.
type compiledMatcher struct {
	matchType types.MatchType
	pattern   string
	regex     *regexp.Regexp
}

func compileMatcher(pattern string, matchType types.MatchType) compiledMatcher {
	m := compiledMatcher{matchType: matchType, pattern: pattern}
	if matchType == types.MatchRegex {
		if re, err := regexp.Compile(pattern); err == nil {
			m.regex = re
		}
	}
	return m
}

func (m compiledMatcher) matches(text string) bool {
	switch m.matchType {
	case types.MatchExact:
		return text == m.pattern
	case types.MatchRegex:
		return m.regex != nil && m.regex.MatchString(text)
	default: // contains
		return strings.Contains(text, m.pattern)
	}
}

// Guard compiles the sensitive-word, request-filter, and error-rule sets and
// applies them in the order spec.md §4.6 specifies: sensitive words first
// (can block outright), then ordered request filters, with error rules
// consulted later by the forwarder's failure classifier.
type Guard struct {
	source RuleSource
	redis  *redis.Client
	logger *zap.Logger

	mu             sync.RWMutex
	sensitiveWords []compiledSensitiveWord
	filters        []types.RequestFilter
	errorRules     []compiledErrorRule
}

type compiledSensitiveWord struct {
	matcher compiledMatcher
}

type compiledErrorRule struct {
	rule    types.ErrorRule
	matcher compiledMatcher
}

func NewGuard(source RuleSource, redisClient *redis.Client, logger *zap.Logger) *Guard {
	return &Guard{source: source, redis: redisClient, logger: logger}
}

// Reload recompiles all three rule sets from the source. Called on startup
// and whenever RulesInvalidateChannel fires.
func (g *Guard) Reload(ctx context.Context) error {
	words, err := g.source.SensitiveWords(ctx)
	if err != nil {
		return fmt.Errorf("middleware: load sensitive words: %w", err)
	}
	filters, err := g.source.RequestFilters(ctx)
	if err != nil {
		return fmt.Errorf("middleware: load request filters: %w", err)
	}
	rules, err := g.source.ErrorRules(ctx)
	if err != nil {
		return fmt.Errorf("middleware: load error rules: %w", err)
	}

	compiledWords := make([]compiledSensitiveWord, 0, len(words))
	for _, w := range words {
		if !w.Enabled {
			continue
		}
		compiledWords = append(compiledWords, compiledSensitiveWord{matcher: compileMatcher(w.Pattern, w.MatchType)})
	}

	enabledFilters := make([]types.RequestFilter, 0, len(filters))
	for _, f := range filters {
		if f.Enabled {
			enabledFilters = append(enabledFilters, f)
		}
	}
	sort.SliceStable(enabledFilters, func(i, j int) bool { return enabledFilters[i].Priority < enabledFilters[j].Priority })

	compiledRules := make([]compiledErrorRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		compiledRules = append(compiledRules, compiledErrorRule{rule: r, matcher: compileMatcher(r.Pattern, r.MatchType)})
	}

	g.mu.Lock()
	g.sensitiveWords = compiledWords
	g.filters = enabledFilters
	g.errorRules = compiledRules
	g.mu.Unlock()
	return nil
}

// Listen subscribes to RulesInvalidateChannel and reloads on every message
// until ctx is cancelled. Fail-open: a failed reload logs and keeps serving
// the last good compiled rule set.
func (g *Guard) Listen(ctx context.Context) {
	sub := g.redis.Subscribe(ctx, RulesInvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if err := g.Reload(ctx); err != nil {
				g.logger.Warn("middleware: rule reload after invalidation failed", zap.Error(err))
			}
		}
	}
}

// Broadcast publishes a rule-change notification; call after any admin
// write to SensitiveWord/RequestFilter/ErrorRule tables.
func Broadcast(ctx context.Context, redisClient *redis.Client) error {
	return redisClient.Publish(ctx, RulesInvalidateChannel, "invalidate").Err()
}

// CheckSensitiveWords scans flattenedText (the concatenated message content)
// against the compiled sensitive-word set; the first match blocks the
// request (spec.md §4.6 "first match blocks the request").
func (g *Guard) CheckSensitiveWords(flattenedText string) *BlockedError {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, w := range g.sensitiveWords {
		if w.matcher.matches(flattenedText) {
			return &BlockedError{BlockedBy: "sensitive", BlockedReason: "matched sensitive-word rule"}
		}
	}
	return nil
}

// FilterTarget is the outbound payload/headers pair the request-filter chain
// rewrites in place.
type FilterTarget struct {
	Headers map[string]string
	Body    map[string]any
}

// ApplyFilters runs the ordered request-filter chain against target,
// restricted to filters bound (globally, or via providerID/groupTag) to this
// candidate. Later rules observe earlier rules' effects (spec.md §4.6).
func (g *Guard) ApplyFilters(target *FilterTarget, providerID uint, groupTag string) {
	g.mu.RLock()
	filters := g.filters
	g.mu.RUnlock()

	for _, f := range filters {
		if !f.AppliesTo(providerID, groupTag) {
			continue
		}
		applyFilter(target, f)
	}
}

func applyFilter(target *FilterTarget, f types.RequestFilter) {
	switch f.Scope {
	case types.FilterScopeHeader:
		applyHeaderFilter(target, f)
	case types.FilterScopeBody:
		applyBodyFilter(target, f)
	}
}

func applyHeaderFilter(target *FilterTarget, f types.RequestFilter) {
	if target.Headers == nil {
		return
	}
	switch f.Action {
	case types.FilterActionRemove:
		delete(target.Headers, f.Target)
	case types.FilterActionSet:
		target.Headers[f.Target] = f.Value
	case types.FilterActionTextReplace:
		if existing, ok := target.Headers[f.Target]; ok && f.MatchRegex != "" {
			if re, err := regexp.Compile(f.MatchRegex); err == nil {
				target.Headers[f.Target] = re.ReplaceAllString(existing, f.Value)
			}
		}
	}
}

func applyBodyFilter(target *FilterTarget, f types.RequestFilter) {
	if target.Body == nil {
		return
	}
	switch f.Action {
	case types.FilterActionRemove:
		delete(target.Body, f.Target)
	case types.FilterActionSet:
		target.Body[f.Target] = f.Value
	case types.FilterActionJSONPath:
		setJSONPath(target.Body, f.Target, f.Value)
	case types.FilterActionTextReplace:
		if raw, ok := target.Body[f.Target].(string); ok && f.MatchRegex != "" {
			if re, err := regexp.Compile(f.MatchRegex); err == nil {
				target.Body[f.Target] = re.ReplaceAllString(raw, f.Value)
			}
		}
	}
}

// setJSONPath supports the common-subset dotted-path case (no array
// indices); a component that doesn't exist is created as a nested object.
func setJSONPath(body map[string]any, path string, value string) {
	parts := strings.Split(path, ".")
	cur := body
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
}

// ClassifyErrorBody matches raw against the compiled error-rule set,
// returning the matched rule's category and optional client-facing
// override (spec.md §4.2, §4.6, §7 "Client-visible shape").
func (g *Guard) ClassifyErrorBody(raw []byte) (category string, overrideBody []byte, overrideStatus int, matched bool) {
	g.mu.RLock()
	rules := g.errorRules
	g.mu.RUnlock()

	text := string(raw)
	for _, r := range rules {
		if !r.matcher.matches(text) {
			continue
		}
		var override []byte
		if r.rule.OverrideResponse != "" {
			override = []byte(r.rule.OverrideResponse)
		}
		return r.rule.Category, override, r.rule.OverrideStatusCode, true
	}
	return "", nil, 0, false
}

// FlattenText renders a best-effort flat string of a decoded JSON body for
// the sensitive-word scan — walks every string leaf rather than assuming a
// particular dialect's message shape, so it works unchanged across all four
// inbound dialects.
func FlattenText(body []byte) string {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	var sb strings.Builder
	flattenValue(decoded, &sb)
	return sb.String()
}

func flattenValue(v any, sb *strings.Builder) {
	switch val := v.(type) {
	case string:
		sb.WriteString(val)
		sb.WriteByte(' ')
	case []any:
		for _, item := range val {
			flattenValue(item, sb)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(val[k], sb)
		}
	}
}
