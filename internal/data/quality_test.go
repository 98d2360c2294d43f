package data_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func issueTypes(r *data.QualityReport) []string {
	var out []string
	for _, i := range r.Issues {
		out = append(out, i.Type)
	}
	return out
}

func TestValidateCleanData(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	report := v.Validate([]types.Tick{tick("AAPL", 0, 100), tick("AAPL", 1, 101), tick("AAPL", 2, 99)}, "AAPL")

	assert.Empty(t, report.Issues)
	assert.True(t, report.IsUsable)
	assert.Equal(t, 100, report.QualityScore)
	assert.Equal(t, 3, report.TotalTicks)
	assert.Equal(t, []string{"Data quality is acceptable for backtesting"}, report.Recommendations)
}

func TestValidateFindsProblems(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())

	bad := tick("AAPL", 3, 0)
	bad.Price = decimal.Zero
	negVol := tick("AAPL", 4, 100)
	negVol.Volume = -5

	ticks := []types.Tick{
		tick("AAPL", 0, 100),
		tick("AAPL", 1, 150), // gap
		tick("AAPL", 1, 150), // duplicate
		bad,
		negVol,
		tick("AAPL", 2, 100), // out of order
	}
	report := v.Validate(ticks, "AAPL")

	assert.ElementsMatch(t, []string{
		"GAP_MOVE", "NON_POSITIVE_PRICE", "NEGATIVE_VOLUME", "DUPLICATE_TIMESTAMP", "OUT_OF_ORDER",
	}, issueTypes(report))
	assert.False(t, report.IsUsable)
	assert.Less(t, report.QualityScore, 100)
	assert.Equal(t, 2, report.PriceAnomalyCount)
	assert.Equal(t, 2, report.OrderingErrorCount)
}

func TestValidateTicksSplitsBySymbol(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())
	reports := v.ValidateTicks([]types.Tick{
		tick("MSFT", 0, 300),
		tick("AAPL", 0, 100),
		tick("MSFT", 1, 301),
	})

	require.Len(t, reports, 2)
	assert.Equal(t, "AAPL", reports[0].Symbol)
	assert.Equal(t, 1, reports[0].TotalTicks)
	assert.Equal(t, "MSFT", reports[1].Symbol)
	assert.Equal(t, 2, reports[1].TotalTicks)

	empty := v.Validate(nil, "AAPL")
	assert.False(t, empty.IsUsable)
}

func TestCleanTicks(t *testing.T) {
	v := data.NewDataQualityValidator(zap.NewNop())

	bad := tick("AAPL", 1, 0)
	bad.Price = decimal.NewFromInt(-1)

	cleaned := v.CleanTicks([]types.Tick{
		tick("AAPL", 2, 102),
		tick("AAPL", 0, 100),
		tick("MSFT", 0, 300),
		tick("AAPL", 0, 999), // duplicate timestamp
		bad,
	})

	require.Len(t, cleaned, 3)
	assert.Equal(t, "100", cleaned[0].Price.String())
	assert.Equal(t, "MSFT", cleaned[1].Symbol)
	assert.Equal(t, "102", cleaned[2].Price.String())
}
