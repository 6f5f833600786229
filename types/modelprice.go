package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TieredTokenThreshold is the token count past which a tiered price's
// above-threshold rate (or context-1m multiplier) applies (spec.md §4.7
// "tiered at a 200 000-token threshold").
const TieredTokenThreshold = 200_000

// ModelPrice is the per-unit USD price table for one model, versioned and
// effectively immutable once published (spec.md §2 "ModelPriceCatalog").
// Components below 200k tokens use the base *PerToken fields; above the
// threshold either the explicit Above200k* fields apply (Gemini-style) or,
// when Context1mMultiplier fields are non-zero, those multiply the base
// rate instead (Claude 1M-context-style). context1mApplied wins when both
// are configured for the same component (spec.md §4.7).
type ModelPrice struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Model   string `gorm:"uniqueIndex:idx_price_model,where:deleted_at IS NULL" json:"model"`
	Version int    `gorm:"default:1" json:"version"`

	InputPerToken        decimal.Decimal `gorm:"type:numeric(20,15)" json:"inputPerToken"`
	OutputPerToken       decimal.Decimal `gorm:"type:numeric(20,15)" json:"outputPerToken"`
	CacheCreation5mPerToken decimal.Decimal `gorm:"type:numeric(20,15)" json:"cacheCreation5mPerToken"`
	CacheCreation1hPerToken decimal.Decimal `gorm:"type:numeric(20,15)" json:"cacheCreation1hPerToken"`
	CacheReadPerToken       decimal.Decimal `gorm:"type:numeric(20,15)" json:"cacheReadPerToken"`
	InputCostPerRequest     decimal.Decimal `gorm:"type:numeric(20,15)" json:"inputCostPerRequest"`

	// Above200k* are explicit per-token rates for tokens past the
	// threshold (Gemini-style). Zero means "not configured" — use
	// Context1mMultiplier* instead if that is configured.
	Above200kInputPerToken  decimal.Decimal `gorm:"type:numeric(20,15)" json:"above200kInputPerToken"`
	Above200kOutputPerToken decimal.Decimal `gorm:"type:numeric(20,15)" json:"above200kOutputPerToken"`

	// Context1mMultiplier* scale the base rate instead of replacing it
	// (Claude 1M-context-style: input x2, output x1.5 by convention,
	// configurable here).
	Context1mInputMultiplier  decimal.Decimal `gorm:"type:numeric(6,4)" json:"context1mInputMultiplier"`
	Context1mOutputMultiplier decimal.Decimal `gorm:"type:numeric(6,4)" json:"context1mOutputMultiplier"`
}

func (ModelPrice) TableName() string { return "model_prices" }

// EffectiveInputRate returns the per-token input rate to apply, given the
// total prompt token count and whether the caller opted into the
// 1M-context pricing path (spec.md §4.7).
func (m *ModelPrice) EffectiveInputRate(totalTokens int64, context1mApplied bool) decimal.Decimal {
	if totalTokens <= TieredTokenThreshold {
		return m.InputPerToken
	}
	if context1mApplied && !m.Context1mInputMultiplier.IsZero() {
		return m.InputPerToken.Mul(m.Context1mInputMultiplier)
	}
	if !m.Above200kInputPerToken.IsZero() {
		return m.Above200kInputPerToken
	}
	return m.InputPerToken
}

// EffectiveOutputRate mirrors EffectiveInputRate for output tokens.
func (m *ModelPrice) EffectiveOutputRate(totalTokens int64, context1mApplied bool) decimal.Decimal {
	if totalTokens <= TieredTokenThreshold {
		return m.OutputPerToken
	}
	if context1mApplied && !m.Context1mOutputMultiplier.IsZero() {
		return m.OutputPerToken.Mul(m.Context1mOutputMultiplier)
	}
	if !m.Above200kOutputPerToken.IsZero() {
		return m.Above200kOutputPerToken
	}
	return m.OutputPerToken
}

// EffectiveCacheCreationRate applies the same input-tier multiplier to
// cache-creation components (spec.md §4.7 "for cache creation, the same
// input-tier multiplier applies").
func (m *ModelPrice) EffectiveCacheCreationRate(base decimal.Decimal, totalTokens int64, context1mApplied bool) decimal.Decimal {
	if totalTokens <= TieredTokenThreshold {
		return base
	}
	if context1mApplied && !m.Context1mInputMultiplier.IsZero() {
		return base.Mul(m.Context1mInputMultiplier)
	}
	return base
}

// MinInputCostLowerBound is the cheap conservative per-token floor used by
// the rate-limit guard to avoid an expensive real cost computation before
// admission (spec.md §4.4 "minCostLowerBound").
func (m *ModelPrice) MinInputCostLowerBound() decimal.Decimal {
	return m.InputPerToken
}
