package margin

import (
	"MarginEngine/internal/domain/models"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPosition(side models.Side) models.Position {
	return models.Position{
		Side:       side,
		Leverage:   10,
		EntryPrice: dec("2000"),
		Size:       dec("1"),
		Collateral: dec("210"),
		Status:     models.Open,
	}
}

func TestUnrealizedPnL(t *testing.T) {
	calc := New(dec("0.01"))

	long := testPosition(models.Long)
	assert.True(t, calc.UnrealizedPnL(long, dec("2100")).Equal(dec("100")))
	assert.True(t, calc.UnrealizedPnL(long, dec("1900")).Equal(dec("-100")))

	short := testPosition(models.Short)
	assert.True(t, calc.UnrealizedPnL(short, dec("2100")).Equal(dec("-100")))
	assert.True(t, calc.UnrealizedPnL(short, dec("1900")).Equal(dec("100")))
}

func TestLiquidationPriceIsolated(t *testing.T) {
	calc := New(dec("0.01"))

	// maintenance margin = 1% of 2000 = 20; buffer = (210-20)/1 = 190
	long := testPosition(models.Long)
	liq, err := calc.LiquidationPrice(long)
	require.NoError(t, err)
	assert.True(t, liq.Equal(dec("1810")), "got %s", liq)

	short := testPosition(models.Short)
	liq, err = calc.LiquidationPrice(short)
	require.NoError(t, err)
	assert.True(t, liq.Equal(dec("2190")), "got %s", liq)
}

func TestLiquidationPriceNeverNegative(t *testing.T) {
	calc := New(dec("0.01"))
	p := testPosition(models.Long)
	p.Collateral = dec("5000")

	liq, err := calc.LiquidationPrice(p)
	require.NoError(t, err)
	assert.True(t, liq.Equal(decimal.Zero))
}

func TestMarginRatioCrossesThreshold(t *testing.T) {
	calc := New(dec("0.01"))
	p := testPosition(models.Long)

	// healthy: equity 110 over notional 1900
	ratio, err := calc.MarginRatio(p, dec("1900"))
	require.NoError(t, err)
	assert.False(t, calc.Liquidatable(ratio))

	// 10x long, entry 2000, collateral 210: at 1792 equity is 2,
	// ratio ~0.0011, below the 1% maintenance threshold
	ratio, err = calc.MarginRatio(p, dec("1792"))
	require.NoError(t, err)
	assert.True(t, calc.Liquidatable(ratio))
}

func TestInvalidSnapshot(t *testing.T) {
	calc := New(dec("0.01"))

	cases := map[string]models.Position{
		"zero size": {
			Side: models.Long, EntryPrice: dec("2000"),
			Size: decimal.Zero, Collateral: dec("100"),
		},
		"zero collateral": {
			Side: models.Long, EntryPrice: dec("2000"),
			Size: dec("1"), Collateral: decimal.Zero,
		},
		"negative collateral": {
			Side: models.Long, EntryPrice: dec("2000"),
			Size: dec("1"), Collateral: dec("-5"),
		},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := calc.MarginRatio(p, dec("2000"))
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
			_, err = calc.LiquidationPrice(p)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}

	p := testPosition(models.Long)
	_, err := calc.MarginRatio(p, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestCrossMarginRatioAggregates(t *testing.T) {
	calc := New(dec("0.01"))

	a := models.Position{
		Side: models.Long, Mode: models.Cross,
		EntryPrice: dec("2000"), Size: dec("1"), Collateral: dec("100"),
	}
	b := models.Position{
		Side: models.Long, Mode: models.Cross,
		EntryPrice: dec("1000"), Size: dec("2"), Collateral: dec("40"),
	}

	// a alone at 1950 is fine
	ratio, err := calc.MarginRatio(a, dec("1950"))
	require.NoError(t, err)
	assert.False(t, calc.Liquidatable(ratio))

	// combined with b's loss the aggregate equity goes negative:
	// (100+40) + (-50) + (-100) = -10
	ratio, err = calc.CrossMarginRatio([]MarkedPosition{
		{Position: a, Mark: dec("1950")},
		{Position: b, Mark: dec("950")},
	})
	require.NoError(t, err)
	assert.True(t, ratio.IsNegative())
	assert.True(t, calc.Liquidatable(ratio))
}

func TestCrossLiquidationPriceUsesSiblingState(t *testing.T) {
	calc := New(dec("0.01"))

	a := models.Position{
		Side: models.Long, Mode: models.Cross,
		EntryPrice: dec("2000"), Size: dec("1"), Collateral: dec("100"),
	}
	alone, err := calc.CrossLiquidationPrice(a, []models.Position{a})
	require.NoError(t, err)

	b := models.Position{
		Side: models.Long, Mode: models.Cross,
		EntryPrice: dec("1000"), Size: dec("1"), Collateral: dec("500"),
	}
	withSibling, err := calc.CrossLiquidationPrice(a, []models.Position{a, b})
	require.NoError(t, err)

	// extra shared collateral pushes a's liquidation price further away
	assert.True(t, withSibling.LessThan(alone), "want %s < %s", withSibling, alone)

	isolated, err := calc.LiquidationPrice(a)
	require.NoError(t, err)
	assert.True(t, alone.Equal(isolated))
}

func TestCrossMarginRatioEmptySet(t *testing.T) {
	calc := New(dec("0.01"))
	_, err := calc.CrossMarginRatio(nil)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
