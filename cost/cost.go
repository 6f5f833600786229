// Package cost implements the 15dp decimal cost attribution formula and the
// window bookkeeping that follows a completed call (spec.md §4.7).
package cost

import (
	"github.com/shopspring/decimal"

	"github.com/xj4007/llmgateway/types"
)

// Usage is the raw token counts reported by a provider response, already
// normalized to the gateway's vocabulary by the dialect translator.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreation5mTokens    int64
	CacheCreation1hTokens    int64
	CacheReadTokens          int64
	Context1mApplied         bool
}

// Breakdown is the itemized result of Compute, persisted onto MessageRequest
// for billing transparency.
type Breakdown struct {
	InputCost         decimal.Decimal
	OutputCost        decimal.Decimal
	CacheCreationCost decimal.Decimal
	CacheReadCost     decimal.Decimal
	BaseRequestCost   decimal.Decimal
	TotalCost         decimal.Decimal // before provider cost multiplier
	FinalCost         decimal.Decimal // after provider cost multiplier, rounded to 15dp
}

// Compute applies price's tiered per-token rates to usage and then
// multiplier (the provider's costMultiplier, spec.md §4.1's tie-break field
// doing double duty as a billing adjustment) to the sum, rounding the final
// figure to 15 decimal places — the precision MessageRequest.CostUsd stores
// (spec.md §4.7 "round only once, at the very end").
func Compute(price *types.ModelPrice, usage Usage, multiplier decimal.Decimal) Breakdown {
	totalTokens := usage.InputTokens + usage.OutputTokens

	b := Breakdown{}
	b.InputCost = price.EffectiveInputRate(totalTokens, usage.Context1mApplied).
		Mul(decimal.NewFromInt(usage.InputTokens))
	b.OutputCost = price.EffectiveOutputRate(totalTokens, usage.Context1mApplied).
		Mul(decimal.NewFromInt(usage.OutputTokens))

	creation5m := price.EffectiveCacheCreationRate(price.CacheCreation5mPerToken, totalTokens, usage.Context1mApplied).
		Mul(decimal.NewFromInt(usage.CacheCreation5mTokens))
	creation1h := price.EffectiveCacheCreationRate(price.CacheCreation1hPerToken, totalTokens, usage.Context1mApplied).
		Mul(decimal.NewFromInt(usage.CacheCreation1hTokens))
	b.CacheCreationCost = creation5m.Add(creation1h)

	b.CacheReadCost = price.CacheReadPerToken.Mul(decimal.NewFromInt(usage.CacheReadTokens))
	b.BaseRequestCost = price.InputCostPerRequest

	b.TotalCost = b.InputCost.Add(b.OutputCost).Add(b.CacheCreationCost).Add(b.CacheReadCost).Add(b.BaseRequestCost)

	effectiveMultiplier := multiplier
	if effectiveMultiplier.IsZero() {
		effectiveMultiplier = decimal.NewFromInt(1)
	}
	b.FinalCost = b.TotalCost.Mul(effectiveMultiplier).Round(15)
	return b
}

// LowerBound returns the cheapest plausible per-call cost for price, used by
// quota.Guard.Admit as a pre-check before the real Usage is known (spec.md
// §4.4 "minCostLowerBound").
func LowerBound(price *types.ModelPrice) decimal.Decimal {
	return price.MinInputCostLowerBound().Add(price.InputCostPerRequest)
}
