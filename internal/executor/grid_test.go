package executor

import (
	"testing"

	"dual-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() models.TradingRules {
	return models.TradingRules{
		Symbol:         "DOGEUSDT",
		TickSize:       "0.0001",
		StepSize:       "1",
		MinQty:         1,
		MinNotional:    5,
		PriceIncrement: 0.0001,
	}
}

func testGridConfig() models.GridConfig {
	return models.GridConfig{
		StartPrice:             0.25,
		EndPrice:               0.28,
		TotalNotional:          100,
		MaxOpenOrders:          5,
		MinOrderNotional:       5,
		MinSpreadBetweenLevels: 0.04,
		ActivationDistance:     0.2,
		TakeProfitPct:          0.005,
		SafeExtraSpread:        0.001,
		TickIntervalMs:         1000,
		FallbackIntervalSec:    30,
		MaxPlacementFailures:   3,
	}
}

func TestGenerateLevels(t *testing.T) {
	levels, err := GenerateLevels(testGridConfig(), models.Buy, testRules())
	require.NoError(t, err)
	require.Len(t, levels, 4)

	wantPrices := []float64{0.25, 0.26, 0.27, 0.28}
	for i, l := range levels {
		assert.Equal(t, i, l.Index)
		assert.InDelta(t, wantPrices[i], l.Price, 1e-9)
		assert.Equal(t, 25.0, l.Notional)
		assert.Equal(t, models.Buy, l.Side)
		assert.Equal(t, models.LevelIdle, l.State)
	}
}

func TestGenerateLevelsCapitalConstraint(t *testing.T) {
	cfg := testGridConfig()
	cfg.MinSpreadBetweenLevels = 0 // no spacing constraint
	cfg.MinOrderNotional = 30     // capital allows only 3 levels

	levels, err := GenerateLevels(cfg, models.Sell, testRules())
	require.NoError(t, err)
	assert.Len(t, levels, 3)
	assert.InDelta(t, 100.0/3, levels[0].Notional, 1e-9)
}

func TestGenerateLevelsRejectsBadInput(t *testing.T) {
	cfg := testGridConfig()
	cfg.StartPrice, cfg.EndPrice = 0.28, 0.25
	_, err := GenerateLevels(cfg, models.Buy, testRules())
	assert.Error(t, err, "inverted range must be rejected")

	cfg = testGridConfig()
	cfg.MinOrderNotional = 80
	_, err = GenerateLevels(cfg, models.Buy, testRules())
	assert.Error(t, err, "capital for fewer than two levels must be rejected")

	cfg = testGridConfig()
	cfg.MinSpreadBetweenLevels = 0.5
	_, err = GenerateLevels(cfg, models.Buy, testRules())
	assert.Error(t, err, "a range too narrow for the minimum spread must be rejected")
}

func TestGenerateLevelsHonorsExchangeMinNotional(t *testing.T) {
	cfg := testGridConfig()
	cfg.MinSpreadBetweenLevels = 0
	cfg.MinOrderNotional = 5
	rules := testRules()
	rules.MinNotional = 25 // stricter than the configured minimum

	levels, err := GenerateLevels(cfg, models.Buy, rules)
	require.NoError(t, err)
	assert.Len(t, levels, 4, "the exchange minimum takes precedence when stricter")
}
