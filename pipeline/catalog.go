// Package pipeline wires every package built for this gateway — dialect,
// middleware, breaker, selector, session, quota, forwarder, rectifier, cost
// — into the single ordered request pipeline described by spec.md §2's C1
// through C10 stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/xj4007/llmgateway/internal/cache"
	"github.com/xj4007/llmgateway/types"
)

// AuthResolver resolves a bearer token to the (User, Key) pair it belongs
// to (spec.md §4 C2 "Auth Guard").
type AuthResolver interface {
	ResolveBearerToken(ctx context.Context, token string) (*types.User, *types.APIKey, error)
}

// EndpointCatalog looks up the live base URL backing a Provider's
// EndpointID (spec.md §3 "Provider → ProviderEndpoint").
type EndpointCatalog interface {
	Endpoint(ctx context.Context, endpointID uint) (*types.ProviderEndpoint, error)
}

// PriceCatalog resolves the current ModelPrice row for a requested model
// (spec.md §2 "ModelPriceCatalog").
type PriceCatalog interface {
	ModelPrice(ctx context.Context, model string) (*types.ModelPrice, error)
}

// UsageRecorder persists the authoritative MessageRequest row (spec.md §4.7).
type UsageRecorder interface {
	SaveMessageRequest(ctx context.Context, m *types.MessageRequest) error
}

// ErrTokenNotFound is returned by a GormCatalog when no enabled key matches
// the presented bearer token.
var ErrTokenNotFound = errors.New("pipeline: bearer token not recognized")

// GormCatalog is the default, database-backed implementation of every
// read/write interface the pipeline needs (AuthResolver, the selector's
// ProviderCatalog, EndpointCatalog, PriceCatalog, UsageRecorder, and
// middleware.RuleSource), following the teacher's convention of a single
// thin struct wrapping *gorm.DB per concern (cf. internal/database/pool.go).
type GormCatalog struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *cache.Manager
}

func NewGormCatalog(db *gorm.DB, logger *zap.Logger) *GormCatalog {
	return &GormCatalog{db: db, logger: logger}
}

// WithCache attaches a read-through cache for the catalog's hottest,
// least-volatile lookup (ModelPrice, resolved once per proxied request).
// Every other GormCatalog method still reads GORM directly, including
// EnabledProviders on every call. Filters and sensitive words are held in
// memory separately by middleware.Guard's own Reload/Listen cache.
func (c *GormCatalog) WithCache(m *cache.Manager) *GormCatalog {
	c.cache = m
	return c
}

func modelPriceCacheKey(model string) string {
	return fmt.Sprintf("catalog:model_price:%s", model)
}

func (c *GormCatalog) ResolveBearerToken(ctx context.Context, token string) (*types.User, *types.APIKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, ErrTokenNotFound
	}
	var key types.APIKey
	if err := c.db.WithContext(ctx).Where("key_string = ?", token).First(&key).Error; err != nil {
		return nil, nil, ErrTokenNotFound
	}
	var user types.User
	if err := c.db.WithContext(ctx).First(&user, key.UserID).Error; err != nil {
		return nil, nil, ErrTokenNotFound
	}
	return &user, &key, nil
}

func (c *GormCatalog) EnabledProviders(ctx context.Context) ([]*types.Provider, error) {
	var providers []*types.Provider
	if err := c.db.WithContext(ctx).Where("enabled = ?", true).Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

func (c *GormCatalog) VendorOf(providerID uint) (uint, bool) {
	var p types.Provider
	if err := c.db.First(&p, providerID).Error; err != nil {
		return 0, false
	}
	return p.VendorID, true
}

func (c *GormCatalog) Endpoint(ctx context.Context, endpointID uint) (*types.ProviderEndpoint, error) {
	var ep types.ProviderEndpoint
	if err := c.db.WithContext(ctx).First(&ep, endpointID).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

func (c *GormCatalog) ModelPrice(ctx context.Context, model string) (*types.ModelPrice, error) {
	key := modelPriceCacheKey(model)
	if c.cache != nil {
		var cached types.ModelPrice
		if err := c.cache.GetJSON(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !cache.IsCacheMiss(err) {
			c.logger.Warn("model price cache read failed", zap.String("model", model), zap.Error(err))
		}
	}

	var price types.ModelPrice
	if err := c.db.WithContext(ctx).Where("model = ?", model).Order("version desc").First(&price).Error; err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, price, 0); err != nil {
			c.logger.Warn("model price cache write failed", zap.String("model", model), zap.Error(err))
		}
	}
	return &price, nil
}

func (c *GormCatalog) SaveMessageRequest(ctx context.Context, m *types.MessageRequest) error {
	return c.db.WithContext(ctx).Create(m).Error
}

func (c *GormCatalog) SensitiveWords(ctx context.Context) ([]types.SensitiveWord, error) {
	var words []types.SensitiveWord
	if err := c.db.WithContext(ctx).Find(&words).Error; err != nil {
		return nil, err
	}
	return words, nil
}

func (c *GormCatalog) RequestFilters(ctx context.Context) ([]types.RequestFilter, error) {
	var filters []types.RequestFilter
	if err := c.db.WithContext(ctx).Find(&filters).Error; err != nil {
		return nil, err
	}
	return filters, nil
}

func (c *GormCatalog) ErrorRules(ctx context.Context) ([]types.ErrorRule, error) {
	var rules []types.ErrorRule
	if err := c.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}
