// Package session implements the session tracker: sticky-provider affinity,
// per-session request sequencing, concurrent-session accounting, and Codex
// fingerprint-to-session resolution (spec.md §4.3).
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xj4007/llmgateway/types"
)

// sessionIDPattern enforces spec.md §3/§8: length 21-256, charset
// [A-Za-z0-9_.\-:]. Composite ids (e.g. codex_prev_-prefixed) must already
// respect the cap by the time they reach here.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{21,256}$`)

// ValidSessionID reports whether id meets the charset/length bounds spec.md
// §8 requires, so an out-of-range or illegal candidate can be rejected to
// null instead of passed through verbatim.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// DeterministicSessionID derives a UUIDv7-shaped session id from fingerprint
// (spec.md §3: "a deterministic UUIDv7 keyed by a fingerprint... so retries
// collapse to the same session"). It is not a real UUIDv7 — it carries no
// timestamp — but it is deterministic, 36 characters, and satisfies the
// session id charset, which is all callers need from it.
func DeterministicSessionID(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	var b [16]byte
	copy(b[:], sum[:16])
	b[6] = (b[6] & 0x0f) | 0x70 // version 7
	b[8] = (b[8] & 0x3f) | 0x80 // RFC 4122 variant
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Tracker is the distributed-KV-backed session tracker. All state lives
// under the session:{sid}:* namespace plus a parallel concurrent:{scope}:{id}
// counter used for the per-key/user concurrent-session cap.
type Tracker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewTracker constructs a Tracker with the given session TTL (spec.md §4.3
// "sessions expire after sessionTtl of inactivity; every mutating call
// refreshes it").
func NewTracker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Tracker{redis: client, ttl: ttl, logger: logger}
}

func stickyKey(sessionID string) string     { return "session:" + sessionID + ":sticky" }
func seqKey(sessionID string) string        { return "session:" + sessionID + ":seq" }
func debugKey(sessionID string) string      { return "session:" + sessionID + ":debug" }
func concurrentKey(scope types.QuotaScope, id uint) string {
	return fmt.Sprintf("concurrent:%s:%d", scope, id)
}
func fingerprintKey(fingerprint string) string { return "codex:fingerprint:" + fingerprint + ":session_id" }

// GetOrAllocateSessionID resolves a session id (spec.md §3, §4.3
// "getOrAllocateSessionId"): the first candidate that validates against
// ValidSessionID, in priority order (client header, then body fields); if
// none validate, the fingerprint's previously bound id when one is cached;
// otherwise a fresh DeterministicSessionID bound to fingerprint so later
// calls with the same fingerprint resolve to the same session (spec.md §8
// "getOrAllocateSessionId is idempotent... as long as the KV entry has not
// expired"). Out-of-range or illegal-charset candidates are rejected, never
// passed through.
func (t *Tracker) GetOrAllocateSessionID(ctx context.Context, fingerprint string, candidates ...string) string {
	for _, c := range candidates {
		if ValidSessionID(c) {
			return c
		}
	}
	if sessionID, ok := t.SessionIDForFingerprint(ctx, fingerprint); ok {
		return sessionID
	}
	sessionID := DeterministicSessionID(fingerprint)
	t.BindFingerprint(ctx, fingerprint, sessionID)
	return sessionID
}

// Fingerprint hashes the Codex dedup material (first user message plus
// instructions, per spec.md's Codex session-affinity note) the same way the
// hash is used as a lookup key, so two fingerprints that differ by a single
// byte never collide.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SessionIDForFingerprint resolves a previously seen Codex fingerprint to
// its session id, so repeated calls from the same Codex conversation land on
// the same session without the client sending one explicitly.
func (t *Tracker) SessionIDForFingerprint(ctx context.Context, fingerprint string) (string, bool) {
	v, err := t.redis.Get(ctx, fingerprintKey(fingerprint)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (t *Tracker) BindFingerprint(ctx context.Context, fingerprint, sessionID string) {
	if err := t.redis.Set(ctx, fingerprintKey(fingerprint), sessionID, t.ttl).Err(); err != nil {
		t.logger.Warn("session: failed to bind codex fingerprint", zap.Error(err))
	}
}

// AllocateSequence returns the next monotonically increasing request
// sequence number within sessionID (spec.md §4.3 "allocateSequence"),
// refreshing the session TTL.
func (t *Tracker) AllocateSequence(ctx context.Context, sessionID string) (int64, error) {
	key := seqKey(sessionID)
	n, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	t.redis.Expire(ctx, key, t.ttl)
	return n, nil
}

// StickyProvider returns the provider the session is currently pinned to,
// if any (spec.md §4.1 step 1, §4.3 "stickyProvider").
func (t *Tracker) StickyProvider(ctx context.Context, sessionID string) (uint, bool) {
	v, err := t.redis.Get(ctx, stickyKey(sessionID)).Uint64()
	if err != nil {
		return 0, false
	}
	return uint(v), true
}

// SetStickyProvider pins sessionID to providerID for the remainder of its
// TTL (spec.md §4.3 "setStickyProvider", called after a successful response
// on a freshly selected provider).
func (t *Tracker) SetStickyProvider(ctx context.Context, sessionID string, providerID uint) {
	if err := t.redis.Set(ctx, stickyKey(sessionID), providerID, t.ttl).Err(); err != nil {
		t.logger.Warn("session: failed to set sticky provider", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ClearStickyProvider removes the affinity, forcing the next call to run the
// full resolver (spec.md §4.1 step 1 "... otherwise fall through").
func (t *Tracker) ClearStickyProvider(ctx context.Context, sessionID string) {
	t.redis.Del(ctx, stickyKey(sessionID))
}

// TerminateSession clears all of a session's state (spec.md §4.3
// "terminateSession", invoked when every candidate provider has been
// exhausted or the client disconnects mid-stream).
func (t *Tracker) TerminateSession(ctx context.Context, sessionID string) {
	t.redis.Del(ctx, stickyKey(sessionID), seqKey(sessionID), debugKey(sessionID))
}

// IncrementConcurrent registers one more in-flight call against scope/id's
// concurrent-session cap; the returned decrement func must be deferred by
// the caller once the call completes (success, failure, or disconnect
// alike).
func (t *Tracker) IncrementConcurrent(ctx context.Context, scope types.QuotaScope, id uint) (decrement func(), err error) {
	key := concurrentKey(scope, id)
	if err := t.redis.Incr(ctx, key).Err(); err != nil {
		return func() {}, err
	}
	t.redis.Expire(ctx, key, t.ttl)
	return func() {
		n, derr := t.redis.Decr(ctx, key).Result()
		if derr == nil && n < 0 {
			t.redis.Set(ctx, key, 0, t.ttl)
		}
	}, nil
}

// ActiveCount implements quota.ConcurrencyChecker.
func (t *Tracker) ActiveCount(ctx context.Context, scope types.QuotaScope, id uint) (int, error) {
	n, err := t.redis.Get(ctx, concurrentKey(scope, id)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// RecordDebugArtifacts stores a small, TTL-bound JSON blob of diagnostic
// context (last provider chain, last rectifier repair applied) for admin
// troubleshooting of a live session (spec.md §4.3 "recordDebugArtifacts").
func (t *Tracker) RecordDebugArtifacts(ctx context.Context, sessionID string, artifacts any) {
	data, err := json.Marshal(artifacts)
	if err != nil {
		return
	}
	t.redis.Set(ctx, debugKey(sessionID), data, t.ttl)
}
