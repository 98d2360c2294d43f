package sizing_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/sizing"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFixedSizerScalesByStrength(t *testing.T) {
	t.Parallel()

	s := &sizing.FixedSizer{Quantity: 100}
	tests := []struct {
		strength string
		want     int64
	}{
		{"1", 100},
		{"0.9", 90},
		{"0.555", 56},
		{"0.004", 0},
		{"0", 0},
	}
	for _, tt := range tests {
		res := s.CalculateSize(&sizing.SizingRequest{Strength: decimal.RequireFromString(tt.strength)})
		assert.Equal(t, tt.want, res.Units, "strength %s", tt.strength)
	}
}

func TestEquityFractionSizer(t *testing.T) {
	t.Parallel()

	s := &sizing.EquityFractionSizer{Fraction: decimal.RequireFromString("0.1")}

	res := s.CalculateSize(&sizing.SizingRequest{
		Strength:       decimal.NewFromInt(1),
		PortfolioValue: decimal.NewFromInt(100000),
		CurrentPrice:   decimal.NewFromInt(105),
	})
	assert.Equal(t, int64(95), res.Units)
	assert.Equal(t, "9975", res.Notional.String())

	res = s.CalculateSize(&sizing.SizingRequest{
		Strength:       decimal.NewFromInt(1),
		PortfolioValue: decimal.NewFromInt(100000),
	})
	assert.Zero(t, res.Units)
	assert.Equal(t, "no_price", res.LimitingFactor)
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := sizing.New(zap.NewNop(), types.SizingConfig{Method: "fixed", Quantity: 100})
	require.NoError(t, err)
	assert.IsType(t, &sizing.FixedSizer{}, s)

	s, err = sizing.New(zap.NewNop(), types.SizingConfig{Method: "equity_fraction", EquityFraction: decimal.RequireFromString("0.25")})
	require.NoError(t, err)
	assert.IsType(t, &sizing.EquityFractionSizer{}, s)

	_, err = sizing.New(zap.NewNop(), types.SizingConfig{Method: "fixed"})
	assert.Error(t, err)

	_, err = sizing.New(zap.NewNop(), types.SizingConfig{Method: "kelly"})
	assert.Error(t, err)
}
