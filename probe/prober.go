// Package probe runs the background endpoint liveness prober: a
// leader-elected scheduler that periodically calls each enabled provider
// endpoint's dialect-specific Probe and persists the result (spec.md §3
// "EndpointProbeState", §6 ENDPOINT_PROBE_* knobs).
package probe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/dialect"
	"github.com/xj4007/llmgateway/internal/pool"
	"github.com/xj4007/llmgateway/types"
)

const lockKey = "probe:lock"

// Config mirrors the ENDPOINT_PROBE_* environment knobs.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	LockTTL     time.Duration
}

// DefaultConfig matches the teacher's health-check cadence of one pass per
// minute, generalized to the spec's configurable knobs.
func DefaultConfig() Config {
	return Config{
		Interval:    60 * time.Second,
		Concurrency: 4,
		Timeout:     5 * time.Second,
		LockTTL:     90 * time.Second,
	}
}

// Prober periodically probes every enabled ProviderEndpoint. Only the
// process holding the probe:lock distributed lock runs a pass, so a
// multi-replica deployment probes each endpoint exactly once per interval.
type Prober struct {
	db          *gorm.DB
	redis       *redis.Client
	translators *dialect.Registry
	cfg         Config
	logger      *zap.Logger
	instanceID  string
	workers     *pool.GoroutinePool

	mu     sync.RWMutex
	cancel context.CancelFunc
}

func NewProber(db *gorm.DB, redisClient *redis.Client, translators *dialect.Registry, cfg Config, logger *zap.Logger) *Prober {
	workerCfg := pool.DefaultGoroutinePoolConfig()
	workerCfg.MaxWorkers = cfg.Concurrency
	return &Prober{
		db:          db,
		redis:       redisClient,
		translators: translators,
		cfg:         cfg,
		logger:      logger,
		instanceID:  uuid.NewString(),
		workers:     pool.NewGoroutinePool(workerCfg),
	}
}

// Start launches the background loop. Stop it with Stop or by cancelling
// ctx.
func (p *Prober) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(runCtx)
}

func (p *Prober) Stop() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.workers.Close()
}

func (p *Prober) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

// runPass acquires the leader lock (fail-open: probe failures never fail a
// proxied request, spec.md §"Fail-open rules") and probes every enabled
// endpoint with bounded concurrency.
func (p *Prober) runPass(ctx context.Context) {
	acquired, err := p.redis.SetNX(ctx, lockKey, p.instanceID, p.cfg.LockTTL).Result()
	if err != nil {
		p.logger.Warn("probe: leader election failed, skipping pass", zap.Error(err))
		return
	}
	if !acquired {
		return // another instance holds the lock this interval
	}
	defer p.redis.Del(ctx, lockKey)

	var endpoints []types.ProviderEndpoint
	if err := p.db.WithContext(ctx).Where("enabled = ?", true).Find(&endpoints).Error; err != nil {
		p.logger.Warn("probe: failed to list endpoints", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for i := range endpoints {
		ep := endpoints[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.workers.SubmitWait(ctx, func(ctx context.Context) error {
				p.probeOne(ctx, ep)
				return nil
			}); err != nil {
				p.logger.Warn("probe: task submission failed", zap.Uint("endpointId", ep.ID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, ep types.ProviderEndpoint) {
	translator, ok := p.translators.For(ep.Type)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result := translator.Probe(probeCtx, ep)

	now := time.Now()
	errType := ""
	if !result.Healthy {
		errType = result.ErrorMessage
	}
	observeProbe(strconv.FormatUint(uint64(ep.ID), 10), result.Healthy, time.Duration(result.LatencyMs)*time.Millisecond, probeErr(result))

	updates := map[string]any{
		"last_probed_at":        now,
		"last_probe_ok":         result.Healthy,
		"last_probe_status":     result.StatusCode,
		"last_probe_latency_ms": result.LatencyMs,
		"last_probe_error_type": errType,
	}
	if err := p.db.WithContext(ctx).Model(&types.ProviderEndpoint{}).Where("id = ?", ep.ID).Updates(updates).Error; err != nil {
		p.logger.Warn("probe: failed to persist probe state", zap.Uint("endpoint_id", ep.ID), zap.Error(err))
	}
}

func probeErr(r dialect.ProbeResult) error {
	if r.Healthy || r.ErrorMessage == "" {
		return nil
	}
	return probeFailure(r.ErrorMessage)
}

type probeFailure string

func (e probeFailure) Error() string { return string(e) }
