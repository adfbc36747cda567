package risk_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/paperbroker/engine/internal/model"
	"github.com/paperbroker/engine/internal/risk"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_ZeroValueLimiterAllowsEverything(t *testing.T) {
	l := &risk.Limiter{}
	err := l.Check(model.SideBuy, d(1e9), d(1e6), d(1e9))
	assert.NoError(t, err)
}

func TestCheck_OrderNotional(t *testing.T) {
	l := risk.NewLimiter(d(1000), decimal.Zero)

	assert.NoError(t, l.Check(model.SideBuy, d(10), d(100), decimal.Zero), "exactly at the cap is allowed")
	assert.ErrorIs(t, l.Check(model.SideBuy, d(10), d(100.01), decimal.Zero), risk.ErrOrderNotionalExceeded)
	assert.ErrorIs(t, l.Check(model.SideSell, d(11), d(100), d(100)), risk.ErrOrderNotionalExceeded,
		"notional cap applies to sells too")
}

func TestCheck_PositionQty(t *testing.T) {
	l := risk.NewLimiter(decimal.Zero, d(100))

	assert.NoError(t, l.Check(model.SideBuy, d(40), d(1), d(60)), "exactly at the cap is allowed")
	assert.ErrorIs(t, l.Check(model.SideBuy, d(41), d(1), d(60)), risk.ErrPositionLimitExceeded)
	assert.NoError(t, l.Check(model.SideSell, d(1000), d(1), d(1000)),
		"sells never trip the position cap")
}
