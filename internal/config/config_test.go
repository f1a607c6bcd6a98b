package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/delta-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDec(t *testing.T, want, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, want.Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// chdir moves into a fresh directory so no stray config.yaml is found.
func chdir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "paper", cfg.Venue.Mode)
	assert.Equal(t, time.Second, cfg.Engine.RefreshInterval)
	assert.Equal(t, 5*time.Minute, cfg.Engine.FundingCacheTTL)
	assert.True(t, cfg.Engine.EnableDynamicHedging)

	assertDec(t, d(5), cfg.Risk.MinProfitBps)
	assertDec(t, d(1000), cfg.Risk.MaxTradeSize)
	assertDec(t, d(10000), cfg.Risk.MaxInventorySize)
	assertDec(t, d(25), cfg.Risk.StopLossBps)
	assertDec(t, d(20), cfg.Risk.TakeProfitBps)
	assert.Equal(t, 120*time.Minute, cfg.Risk.MaxPositionAge)
	assert.Equal(t, 60*time.Second, cfg.Risk.HeartbeatTimeout)
	assert.True(t, cfg.Risk.EmergencyStopEnabled)

	assertDec(t, d(100), cfg.Hedging.EmergencyHedgeThreshold)
	assertDec(t, d(10), cfg.Hedging.MaxSingleHedgeSize)
	assert.Empty(t, cfg.Pairs)
}

const sample = `
server:
  port: 9090
store:
  driver: sqlite
  sqlite_path: /tmp/delta.db
risk:
  max_trade_size: "0.5"
  max_position_age: 90m
hedging:
  rules:
    - primary: {instrument: BTC-USDT}
      hedge: {exchange: binance, instrument: BTC-USDT-PERP}
      hedge_ratio: -1
      max_hedge_size: 5
      min_hedge_size: 0.01
      mode: immediate
      priority: 1
      enabled: true
venue:
  quotes:
    - {exchange: binance, instrument: BTC-USDT-PERP, mid: "50000", funding_rate: "0.0001"}
  balances:
    - {exchange: binance, asset: USDT, amount: 2500.5}
pairs:
  - mode: funding_rate
    enabled: true
    leg_a:
      exchange: binance
      instrument_type: perpetual
      trading_pair: BTC-USDT-PERP
      min_trade_size: 0.001
    leg_b:
      exchange: bybit
      instrument_type: perpetual
      trading_pair: BTC-USDT-PERP
      min_trade_size: "0.001"
      leverage: 5
  - mode: basis_arbitrage
    enabled: true
    min_profit_threshold: 150
    max_inventory_ratio: 0.5
    leg_a:
      exchange: binance
      instrument_type: futures
      trading_pair: BTC-USDT-240628
      expiry_date: "2024-06-28T08:00:00Z"
    leg_b:
      exchange: binance
      instrument_type: spot
      trading_pair: BTC-USDT
`

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assertDec(t, d(0.5), cfg.Risk.MaxTradeSize)
	assert.Equal(t, 90*time.Minute, cfg.Risk.MaxPositionAge)
	assertDec(t, d(25), cfg.Risk.StopLossBps, "untouched keys keep defaults")

	require.Len(t, cfg.Hedging.Rules, 1)
	rule := cfg.Hedging.Rules[0]
	assert.Equal(t, "binance", rule.Hedge.Exchange)
	assertDec(t, d(-1), rule.HedgeRatio)
	assertDec(t, d(10), rule.ThresholdBps, "rule threshold defaults")
	assert.Equal(t, model.HedgeImmediate, rule.Mode)

	require.Len(t, cfg.Venue.Quotes, 1)
	assertDec(t, d(50000), cfg.Venue.Quotes[0].Mid)
	require.NotNil(t, cfg.Venue.Quotes[0].FundingRate)
	assertDec(t, d(0.0001), *cfg.Venue.Quotes[0].FundingRate)
	assertDec(t, d(2500.5), cfg.Venue.Balances[0].Amount)

	require.Len(t, cfg.Pairs, 2)
	funding := cfg.Pairs[0]
	assert.Equal(t, model.ModeFundingRate, funding.Mode)
	assertDec(t, d(5), funding.MinProfitThreshold)
	assertDec(t, d(0.8), funding.MaxInventoryRatio)
	assertDec(t, d(0.001), funding.LegA.MinTradeSize)
	require.NotNil(t, funding.LegA.Leverage)
	assertDec(t, d(10), *funding.LegA.Leverage)
	require.NotNil(t, funding.LegB.Leverage)
	assertDec(t, d(5), *funding.LegB.Leverage)

	basis := cfg.Pairs[1]
	assertDec(t, d(150), basis.MinProfitThreshold)
	assertDec(t, d(0.5), basis.MaxInventoryRatio)
	require.NotNil(t, basis.LegA.ExpiryDate)
	assert.Equal(t, time.Date(2024, 6, 28, 8, 0, 0, 0, time.UTC), basis.LegA.ExpiryDate.UTC())
	assert.Nil(t, basis.LegB.Leverage, "spot legs carry no leverage")
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("DELTA_SERVER_PORT", "7070")
	t.Setenv("DELTA_RISK_MAX_TRADE_SIZE", "2.5")
	t.Setenv("DELTA_RISK_EMERGENCY_STOP_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assertDec(t, d(2.5), cfg.Risk.MaxTradeSize)
	assert.False(t, cfg.Risk.EmergencyStopEnabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "store: {driver: mongo}"},
		{"postgres without url", "store: {driver: postgres}"},
		{"unknown mode", `
pairs:
  - mode: triangular
    leg_a: {exchange: a, trading_pair: X}
    leg_b: {exchange: b, trading_pair: X}`},
		{"leg without exchange", `
pairs:
  - mode: price_spread
    leg_a: {trading_pair: X}
    leg_b: {exchange: b, trading_pair: X}`},
		{"ratio above one", `
pairs:
  - mode: price_spread
    max_inventory_ratio: 1.5
    leg_a: {exchange: a, trading_pair: X}
    leg_b: {exchange: b, trading_pair: X}`},
		{"hedge without exchange", `
hedging:
  rules:
    - primary: {instrument: X}
      hedge: {instrument: Y}
      hedge_ratio: -1`},
		{"zero hedge ratio", `
hedging:
  rules:
    - primary: {instrument: X}
      hedge: {exchange: a, instrument: Y}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDecodeHook_BadDecimal(t *testing.T) {
	_, err := Load(writeConfig(t, `risk: {max_trade_size: "lots"}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalid)
}
