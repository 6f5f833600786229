package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xj4007/llmgateway/types"
)

func TestCompute_BelowThreshold(t *testing.T) {
	price := &types.ModelPrice{
		InputPerToken:  decimal.NewFromFloat(0.000003),
		OutputPerToken: decimal.NewFromFloat(0.000015),
	}
	usage := Usage{InputTokens: 1000, OutputTokens: 500}

	b := Compute(price, usage, decimal.NewFromInt(1))
	assert.True(t, b.FinalCost.Equal(decimal.NewFromFloat(0.003 + 0.0075)), b.FinalCost.String())
}

func TestCompute_Above200kUsesExplicitRate(t *testing.T) {
	price := &types.ModelPrice{
		InputPerToken:          decimal.NewFromFloat(0.000003),
		Above200kInputPerToken: decimal.NewFromFloat(0.000006),
	}
	usage := Usage{InputTokens: 300_000, OutputTokens: 0}

	b := Compute(price, usage, decimal.NewFromInt(1))
	assert.True(t, b.InputCost.Equal(decimal.NewFromFloat(0.000006).Mul(decimal.NewFromInt(300_000))))
}

func TestCompute_Context1mAppliedWinsOverAbove200k(t *testing.T) {
	price := &types.ModelPrice{
		InputPerToken:            decimal.NewFromFloat(0.000003),
		Above200kInputPerToken:   decimal.NewFromFloat(0.000006),
		Context1mInputMultiplier: decimal.NewFromFloat(2),
	}
	usage := Usage{InputTokens: 300_000, OutputTokens: 0, Context1mApplied: true}

	b := Compute(price, usage, decimal.NewFromInt(1))
	expected := decimal.NewFromFloat(0.000003).Mul(decimal.NewFromFloat(2)).Mul(decimal.NewFromInt(300_000))
	assert.True(t, b.InputCost.Equal(expected), b.InputCost.String())
}

func TestCompute_CostMultiplierAppliedOnceAtEnd(t *testing.T) {
	price := &types.ModelPrice{InputPerToken: decimal.NewFromFloat(0.000003)}
	usage := Usage{InputTokens: 1000}

	b := Compute(price, usage, decimal.NewFromFloat(1.5))
	assert.True(t, b.FinalCost.Equal(b.TotalCost.Mul(decimal.NewFromFloat(1.5))))
}

func TestLowerBound(t *testing.T) {
	price := &types.ModelPrice{
		InputPerToken:       decimal.NewFromFloat(0.000003),
		InputCostPerRequest: decimal.NewFromFloat(0.001),
	}
	assert.True(t, LowerBound(price).Equal(decimal.NewFromFloat(0.000003 + 0.001)))
}
