package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/delta-engine/internal/model"
)

func TestCalculateUnrealizedPnL_LongAndShort(t *testing.T) {
	l := New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(0.5), d(50000), nil))
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideShort, d(0.5), d(51000), nil))

	prices := map[model.InstrumentKey]decimal.Decimal{ik("binance", "BTC-USDT"): d(52000)}
	pnl := l.CalculateUnrealizedPnL(prices)

	assertDec(t, d(1000), pnl[pk("binance", "BTC-USDT", model.SideLong)])
	assertDec(t, d(-500), pnl[pk("binance", "BTC-USDT", model.SideShort)])

	long, _ := l.Position(pk("binance", "BTC-USDT", model.SideLong))
	assertDec(t, d(1000), long.UnrealizedPnL)
}

func TestCalculateUnrealizedPnL_Idempotent(t *testing.T) {
	l := New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(0.3), d(50000), nil))
	prices := map[model.InstrumentKey]decimal.Decimal{ik("binance", "BTC-USDT"): d(50123.45)}

	first := l.CalculateUnrealizedPnL(prices)
	second := l.CalculateUnrealizedPnL(prices)
	key := pk("binance", "BTC-USDT", model.SideLong)
	assertDec(t, first[key], second[key])
}

func TestCalculateUnrealizedPnL_SkipsUnpriced(t *testing.T) {
	l := New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(1), d(100), nil))
	require.NoError(t, l.UpdatePosition("binance", "ETH-USDT", model.SideLong, d(1), d(10), nil))

	l.CalculateUnrealizedPnL(map[model.InstrumentKey]decimal.Decimal{
		ik("binance", "BTC-USDT"): d(120),
		ik("binance", "ETH-USDT"): d(15),
	})
	pnl := l.CalculateUnrealizedPnL(map[model.InstrumentKey]decimal.Decimal{
		ik("binance", "BTC-USDT"): d(130),
	})

	assert.Len(t, pnl, 1)
	eth, _ := l.Position(pk("binance", "ETH-USDT", model.SideLong))
	assertDec(t, d(5), eth.UnrealizedPnL, "unpriced position keeps its previous mark")
}

func TestCalculatePortfolioDelta_MatchedPairIsZero(t *testing.T) {
	l := New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(0.7), d(50000), nil))
	require.NoError(t, l.UpdatePosition("okx", "BTC-USDT-SWAP", model.SideShort, d(0.7), d(50100), nil))

	prices := map[model.InstrumentKey]decimal.Decimal{
		ik("binance", "BTC-USDT"):  d(50050),
		ik("okx", "BTC-USDT-SWAP"): d(50050),
	}
	assert.True(t, l.CalculatePortfolioDelta(prices).IsZero())
}

func TestCalculatePortfolioDelta_Signed(t *testing.T) {
	l := New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(2), d(1), nil))
	require.NoError(t, l.UpdatePosition("binance", "ETH-USDT", model.SideShort, d(3), d(1), nil))
	require.NoError(t, l.UpdatePosition("binance", "SOL-USDT", model.SideLong, d(3), d(1), nil))

	prices := map[model.InstrumentKey]decimal.Decimal{
		ik("binance", "BTC-USDT"): d(100),
		ik("binance", "ETH-USDT"): d(10),
	}
	assertDec(t, d(170), l.CalculatePortfolioDelta(prices))
}

func TestCalculateMarginUtilization(t *testing.T) {
	l := New()
	lev := d(10)
	l.UpdateBalance("binance", "USDT", model.AccountPerpetual, d(800), d(200))
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(5000), d(0))
	require.NoError(t, l.UpdatePosition("binance", "BTC-PERP", model.SideLong, d(1), d(5000), &lev))
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(1), d(5000), nil))

	util := l.CalculateMarginUtilization()
	assertDec(t, d(0.5), util["binance"]) // 500 / 1000
}

func TestCalculateMarginUtilization_NoAvailableIsZero(t *testing.T) {
	l := New()
	lev := d(5)
	require.NoError(t, l.UpdatePosition("okx", "ETH-USDT-SWAP", model.SideShort, d(2), d(2000), &lev))
	l.UpdateBalance("bybit", "USDT", model.AccountFutures, d(0), d(0))

	util := l.CalculateMarginUtilization()
	assert.True(t, util["okx"].IsZero())
	assert.True(t, util["bybit"].IsZero())
}

func TestCalculateRiskMetrics_Throttled(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.now), WithRiskInterval(time.Minute))
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(1000), d(0))

	first := l.CalculateRiskMetrics(nil)
	assertDec(t, d(1000), first.TotalBalance)

	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(2000), d(0))
	clock.advance(30 * time.Second)
	cached := l.CalculateRiskMetrics(nil)
	assertDec(t, d(1000), cached.TotalBalance, "inside the interval the cached snapshot is returned")
	assert.Equal(t, first.ComputedAt, cached.ComputedAt)

	clock.advance(31 * time.Second)
	fresh := l.CalculateRiskMetrics(nil)
	assertDec(t, d(2000), fresh.TotalBalance)
}

func TestCalculateRiskMetrics_DrawdownHighWaterMarks(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.now), WithRiskInterval(time.Second))

	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(1000), d(0))
	l.CalculateRiskMetrics(nil)

	clock.advance(2 * time.Second)
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(800), d(0))
	snap := l.CalculateRiskMetrics(nil)
	assertDec(t, d(0.2), snap.CurrentDrawdown)
	assertDec(t, d(0.2), snap.MaxDrawdown)
	assertDec(t, d(1000), snap.PeakBalance)

	clock.advance(2 * time.Second)
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(900), d(0))
	snap = l.CalculateRiskMetrics(nil)
	assertDec(t, d(0.1), snap.CurrentDrawdown)
	assertDec(t, d(0.2), snap.MaxDrawdown, "max drawdown never decreases")

	clock.advance(2 * time.Second)
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(1200), d(0))
	snap = l.CalculateRiskMetrics(nil)
	assert.True(t, snap.CurrentDrawdown.IsZero())
	assertDec(t, d(1200), snap.PeakBalance)
}

func TestCalculateRiskMetrics_DeltaRatio(t *testing.T) {
	l := New()
	l.UpdateBalance("binance", "USDT", model.AccountSpot, d(1000), d(0))
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(1), d(100), nil))

	snap := l.CalculateRiskMetrics(map[model.InstrumentKey]decimal.Decimal{ik("binance", "BTC-USDT"): d(100)})
	assertDec(t, d(100), snap.PortfolioDelta)
	assertDec(t, d(0.1), snap.DeltaRatio)
}

func TestCalculateRiskMetrics_ZeroBalance(t *testing.T) {
	l := New()
	snap := l.CalculateRiskMetrics(nil)
	assert.True(t, snap.DeltaRatio.IsZero())
	assert.True(t, snap.CurrentDrawdown.IsZero())
}

func TestPerformanceReport(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.now))
	l.UpdateBalance("binance", "BTC", model.AccountSpot, d(1), d(0))
	l.UpdateBalance("binance", "USDT", model.AccountPerpetual, d(500), d(0))
	l.RecordFundingPayment("binance", "BTC-PERP", d(3), d(0.0001), d(1))
	clock.advance(48 * time.Hour)
	l.RecordFundingPayment("binance", "BTC-PERP", d(2), d(0.0001), d(1))

	r := l.PerformanceReport()
	assertDec(t, d(1), r.BalancesByType[model.AccountSpot])
	assertDec(t, d(500), r.BalancesByType[model.AccountPerpetual])
	assertDec(t, d(2), r.FundingPnL1d)
	assertDec(t, d(5), r.FundingPnL7d)
	assert.Equal(t, 2, r.FundingPayments)
	assert.Nil(t, r.Risk)
}
