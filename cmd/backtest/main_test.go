package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// runApp executes the CLI against a temporary config and returns stdout.
func runApp(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfgPath := writeFile(t, dir, "config.yaml", `
log:
  level: error
data:
  dir: `+filepath.Join(dir, "data")+`
engine:
  strategies:
    - name: sma
      type: sma_crossover
      parameters:
        window: 3
`)

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	argv := append([]string{"backtest", "--config", cfgPath, "--env-file", "", "--log-level", "error"}, args...)
	err := app.Run(argv)
	return out.String(), err
}

const aaplTicks = `[
  {"symbol": "AAPL", "price": 100, "timestamp": "2022-01-02T00:00:00Z"},
  {"symbol": "AAPL", "price": 101, "timestamp": "2022-01-03T00:00:00Z"},
  {"symbol": "AAPL", "price": 99, "timestamp": "2022-01-04T00:00:00Z"},
  {"symbol": "AAPL", "price": 105, "timestamp": "2022-01-05T00:00:00Z"}
]`

func TestRunJSONReport(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", aaplTicks)

	out, err := runApp(t, dir, "run", "--ticks", ticksPath, "--format", "json", "--log")
	require.NoError(t, err)

	var r struct {
		State      string   `json:"state"`
		FinalValue string   `json:"finalValue"`
		Cash       string   `json:"cash"`
		Fills      int      `json:"fills"`
		EventLog   []string `json:"eventLog"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, "completed", r.State)
	assert.Equal(t, "99977.9895", r.FinalValue)
	assert.Equal(t, "89477.9895", r.Cash)
	assert.Equal(t, 1, r.Fills)
	require.Len(t, r.EventLog, 8)
	assert.Equal(t, "COMPLETED events=7 value=99977.9895 cash=89477.9895", r.EventLog[7])
}

func TestRunYAMLReport(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", aaplTicks)

	out, err := runApp(t, dir, "run", "--ticks", ticksPath, "--format", "yaml")
	require.NoError(t, err)

	var r map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &r))
	assert.Equal(t, "99977.9895", r["finalValue"])
	assert.NotContains(t, r, "eventLog")
}

func TestRunTextReportFromSample(t *testing.T) {
	out, err := runApp(t, t.TempDir(), "run", "--sample-count", "40")
	require.NoError(t, err)
	assert.Contains(t, out, "Final value")
	assert.Contains(t, out, "completed")
}

func TestRunRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", aaplTicks)

	_, err := runApp(t, dir, "run", "--ticks", ticksPath, "--format", "xml")
	assert.ErrorContains(t, err, "unknown report format")

	_, err = runApp(t, dir, "run", "--ticks", ticksPath, "--symbols", "AAPL")
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = runApp(t, dir, "run", "--ticks", ticksPath, "--strategy", "astrology")
	assert.ErrorContains(t, err, "unknown strategy type")
}

func TestDataCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := runApp(t, dir, "data", "generate", "--symbols", "AAPL", "--symbols", "MSFT", "--count", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "stored 30 ticks for MSFT")

	out, err = runApp(t, dir, "data", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "MSFT")

	out, err = runApp(t, dir, "data", "validate", "MSFT")
	require.NoError(t, err)
	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "MSFT", report["symbol"])

	out, err = runApp(t, dir, "run", "--symbols", "AAPL", "--symbols", "MSFT", "--format", "json")
	require.NoError(t, err)
	var r struct {
		EventsProcessed uint64 `json:"eventsProcessed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.GreaterOrEqual(t, r.EventsProcessed, uint64(60))
}

func TestDataImportClean(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", `[
  {"price": 100, "timestamp": "2022-01-02T00:00:00Z"},
  {"price": -1, "timestamp": "2022-01-03T00:00:00Z"},
  {"price": 102, "timestamp": "2022-01-04T00:00:00Z"}
]`)

	out, err := runApp(t, dir, "data", "import", "--symbol", "IBM", "--file", ticksPath, "--clean")
	require.NoError(t, err)
	assert.Contains(t, out, "stored 2 ticks for IBM")
}

func TestStrategiesCommand(t *testing.T) {
	out, err := runApp(t, t.TempDir(), "strategies")
	require.NoError(t, err)
	assert.Contains(t, out, "sma_crossover")
	assert.Contains(t, out, "momentum")
	assert.Contains(t, out, "mean_reversion")
}

func TestOptimizeJSONReport(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", aaplTicks)

	out, err := runApp(t, dir, "optimize", "--ticks", ticksPath, "--param", "window=2,3",
		"--metric", "final_value", "--workers", "2", "--format", "json")
	require.NoError(t, err)

	var result struct {
		BestParams map[string]float64 `json:"bestParams"`
		Iterations int                `json:"iterations"`
		AllResults []struct {
			FinalValue string `json:"finalValue"`
		} `json:"allResults"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 3.0, result.BestParams["window"])
	require.Len(t, result.AllResults, 2)
	assert.Equal(t, "99977.9895", result.AllResults[0].FinalValue)
}

func TestOptimizeTextReport(t *testing.T) {
	dir := t.TempDir()
	ticksPath := writeFile(t, dir, "ticks.json", aaplTicks)

	out, err := runApp(t, dir, "optimize", "--ticks", ticksPath, "-p", "window=2:4", "--metric", "final_value")
	require.NoError(t, err)
	assert.Contains(t, out, "sma_crossover by final_value: 3 runs")
	assert.Contains(t, out, "window=3")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"window=5:20:5", "threshold=0.01~0.05", "period=7,14"})
	require.NoError(t, err)
	require.Len(t, params, 3)

	assert.Equal(t, "integer", string(params[0].Type))
	assert.Equal(t, 5.0, params[0].Min)
	assert.Equal(t, 20.0, params[0].Max)
	assert.Equal(t, 5.0, params[0].Step)

	assert.Equal(t, "continuous", string(params[1].Type))
	assert.Equal(t, 0.05, params[1].Max)

	assert.Equal(t, "discrete", string(params[2].Type))
	assert.Equal(t, []float64{7, 14}, params[2].Discrete)

	for _, bad := range []string{"window", "=1:2", "window=a:b", "window=1:2:3:4"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestRunMonteCarlo(t *testing.T) {
	out, err := runApp(t, t.TempDir(), "run", "--sample-count", "60", "--monte-carlo", "100", "--format", "json")
	require.NoError(t, err)

	var r struct {
		MonteCarlo *struct {
			NumSimulations int `json:"numSimulations"`
			Periods        int `json:"periods"`
			FinalEquity    struct {
				Percentiles map[string]float64 `json:"percentiles"`
			} `json:"finalEquity"`
		} `json:"monteCarlo"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.NotNil(t, r.MonteCarlo)
	assert.Equal(t, 100, r.MonteCarlo.NumSimulations)
	assert.Positive(t, r.MonteCarlo.Periods)
	assert.Contains(t, r.MonteCarlo.FinalEquity.Percentiles, "p50")

	text, err := runApp(t, t.TempDir(), "run", "--sample-count", "60", "--monte-carlo", "50")
	require.NoError(t, err)
	assert.Contains(t, text, "Monte Carlo paths")
}
