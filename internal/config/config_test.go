package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	p := writeFile(t, "config.json", `{"is_testnet": true, "symbols": [" ethusdt ", "BTCUSDT"]}`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, defaultTestnetAPIURL, cfg.BaseURL)
	assert.Equal(t, defaultTestnetWSURL, cfg.WSBaseURL)
	assert.Equal(t, "auto", cfg.ROISource)
	assert.Equal(t, 300, cfg.DedupTTLSec)
	assert.Equal(t, 7000, cfg.MarkPriceStaleMs)
	assert.Equal(t, 1200, cfg.PositionCacheTTLMs)
	assert.Equal(t, 2000, cfg.OpenOrdersCacheTTLMs)
	assert.Equal(t, "@every 1m", cfg.ReconcileSpec)
	assert.EqualValues(t, 1000, cfg.MaxTimeDriftMs)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeFile(t, "config.json", `{"symbols": []}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "config.json", `{"symbols": ["ETHUSDT"], "roi_source": "equity"}`))
	assert.ErrorContains(t, err, "roi_source")

	_, err = LoadConfig(writeFile(t, "config.json", `{not json`))
	assert.Error(t, err)
}

const strategiesYAML = `
defaults:
  capital:
    account: 2000
    leverage: 10
strategies:
  - symbol: ethusdt
    name: eth-trend
    exits:
      sl: {type: pct, pct: 2}
      trailing: {enabled: true, start_after_pct: 10, trail_step_pct: 4}
    sizing: {max_adds: 1, add_on_adverse_move_pct: 20, add_multiplier: 1}
  - symbol: BTCUSDT
    capital: {leverage: 3}
`

func TestParseStrategies(t *testing.T) {
	got, err := ParseStrategies([]byte(strategiesYAML))
	require.NoError(t, err)
	require.Len(t, got, 2)

	eth := got["ETHUSDT"]
	assert.Equal(t, "eth-trend", eth.Name)
	assert.Equal(t, 10, eth.Capital.Leverage)
	assert.InDelta(t, 2000, eth.Capital.Account, 1e-9)
	assert.InDelta(t, 1, eth.Capital.RiskPerTradePct, 1e-9)
	assert.Equal(t, "pct", eth.Exits.SL.Type)
	assert.True(t, eth.Exits.Trailing.Enabled)
	assert.Equal(t, "15m", eth.Timeframe)
	assert.Len(t, eth.Exits.TP.Levels, 2)

	btc := got["BTCUSDT"]
	assert.Equal(t, 3, btc.Capital.Leverage)
	assert.Equal(t, "default", btc.Name)
	assert.Equal(t, "atr", btc.Exits.SL.Type)
}

func TestParseStrategies_Errors(t *testing.T) {
	cases := map[string]string{
		"duplicate": "strategies:\n  - symbol: ETHUSDT\n  - symbol: ethusdt\n",
		"no symbol": "strategies:\n  - name: x\n",
		"bad sl":    "strategies:\n  - symbol: ETHUSDT\n    exits: {sl: {type: fixed}}\n",
		"trail":     "strategies:\n  - symbol: ETHUSDT\n    exits: {trailing: {enabled: true}}\n",
		"adds":      "strategies:\n  - symbol: ETHUSDT\n    sizing: {max_adds: 2}\n",
		"leverage":  "strategies:\n  - symbol: ETHUSDT\n    capital: {leverage: 200}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStrategies([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestDefaultStrategyIsValid(t *testing.T) {
	s := DefaultStrategy()
	s.Symbol = "ETHUSDT"
	assert.NoError(t, ValidateStrategy(s))

	s.Entry.MinModules = 1.5
	assert.Error(t, ValidateStrategy(s))
}

func TestCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "live-key")
	t.Setenv("BINANCE_SECRET_KEY", "live-secret")
	t.Setenv("BINANCE_TESTNET_API_KEY", "test-key")
	t.Setenv("BINANCE_TESTNET_SECRET_KEY", "test-secret")

	k, s := Credentials(false)
	assert.Equal(t, "live-key", k)
	assert.Equal(t, "live-secret", s)
	k, s = Credentials(true)
	assert.Equal(t, "test-key", k)
	assert.Equal(t, "test-secret", s)
}
