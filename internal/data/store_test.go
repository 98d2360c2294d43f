// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

func tick(symbol string, day int, price int64) types.Tick {
	return types.Tick{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		Timestamp: t0.AddDate(0, 0, day),
		Volume:    1000,
	}
}

func TestStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)

	// Saved out of order, loaded sorted.
	require.NoError(t, store.SaveTicks("AAPL", []types.Tick{
		tick("AAPL", 2, 102),
		tick("AAPL", 0, 100),
		tick("AAPL", 1, 101),
	}))

	_, err = os.Stat(filepath.Join(dir, "AAPL.json"))
	require.NoError(t, err)

	ticks, err := store.LoadSymbol("AAPL")
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, "100", ticks[0].Price.String())
	assert.Equal(t, "102", ticks[2].Price.String())

	start, end, err := store.GetDataRange("AAPL")
	require.NoError(t, err)
	assert.True(t, start.Equal(t0))
	assert.True(t, end.Equal(t0.AddDate(0, 0, 2)))
	assert.Equal(t, []string{"AAPL"}, store.GetAvailableSymbols())
}

func TestStoreRejectsMixedSymbols(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	err = store.SaveTicks("AAPL", []types.Tick{tick("AAPL", 0, 1), tick("MSFT", 1, 1)})
	assert.Error(t, err)
}

func TestStoreMissingSymbol(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadSymbol("NOPE")
	assert.ErrorIs(t, err, data.ErrNoData)

	_, _, err = store.GetDataRange("NOPE")
	assert.ErrorIs(t, err, data.ErrNoData)
}

func TestStoreLoadTicksMergesAndFilters(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveTicks("AAPL", []types.Tick{tick("AAPL", 0, 100), tick("AAPL", 1, 101), tick("AAPL", 2, 102)}))
	require.NoError(t, store.SaveTicks("MSFT", []types.Tick{tick("MSFT", 0, 300), tick("MSFT", 2, 302)}))

	ticks, err := store.LoadTicks(context.Background(), []string{"MSFT", "AAPL"}, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, ticks, 5)

	var order []string
	for _, tk := range ticks {
		order = append(order, tk.Symbol+"@"+tk.Price.String())
	}
	assert.Equal(t, []string{"MSFT@300", "AAPL@100", "AAPL@101", "MSFT@302", "AAPL@102"}, order)

	ticks, err = store.LoadTicks(context.Background(), []string{"AAPL"}, t0.AddDate(0, 0, 1), t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "101", ticks[0].Price.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.LoadTicks(ctx, []string{"AAPL"}, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStorePersistence(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveTicks("BTC/USDT", []types.Tick{tick("BTC/USDT", 0, 40000)}))

	reopened, err := data.NewStore(zap.NewNop(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC/USDT"}, reopened.GetAvailableSymbols())
	assert.Zero(t, reopened.GetCacheSize())

	ticks, err := reopened.LoadSymbol("BTC/USDT")
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].Timestamp.Equal(t0))
	assert.Equal(t, 1, reopened.GetCacheSize())

	reopened.ClearCache()
	assert.Zero(t, reopened.GetCacheSize())
}

func TestStoreConcurrentAccess(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveTicks("AAPL", []types.Tick{tick("AAPL", 0, 100)}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.LoadTicks(context.Background(), []string{"AAPL"}, time.Time{}, time.Time{})
			assert.NoError(t, err)
			store.GetAvailableSymbols()
		}()
	}
	wg.Wait()
}

func TestGenerateSampleIsDeterministic(t *testing.T) {
	spec := data.DefaultSampleSpec()
	spec.Symbols = []string{"AAPL", "MSFT"}
	spec.Count = 50

	a, err := data.GenerateSample(spec)
	require.NoError(t, err)
	b, err := data.GenerateSample(spec)
	require.NoError(t, err)

	require.Len(t, a, 100)
	assert.Equal(t, a, b)

	assert.Equal(t, "AAPL", a[0].Symbol)
	assert.Equal(t, "MSFT", a[1].Symbol)
	assert.True(t, a[0].Timestamp.Equal(a[1].Timestamp))
	assert.Equal(t, "100", a[0].Price.String())

	for _, tk := range a {
		assert.True(t, tk.Price.IsPositive())
		assert.GreaterOrEqual(t, tk.Volume, int64(1000))
	}

	spec.Seed = 2
	c, err := data.GenerateSample(spec)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGenerateSampleValidation(t *testing.T) {
	spec := data.DefaultSampleSpec()
	spec.Count = 0
	_, err := data.GenerateSample(spec)
	assert.Error(t, err)

	spec = data.DefaultSampleSpec()
	spec.Symbols = nil
	_, err = data.GenerateSample(spec)
	assert.Error(t, err)
}
