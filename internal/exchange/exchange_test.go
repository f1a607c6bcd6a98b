package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var btc = model.InstrumentKey{Exchange: "binance", Instrument: "BTC-USDT"}

func TestPaper_MidFromQuote(t *testing.T) {
	p := NewPaper()
	p.SetQuote(btc, d(99), d(101))

	mid, err := p.MidPrice(context.Background(), btc)
	require.NoError(t, err)
	assert.True(t, mid.Equal(d(100)))

	_, err = p.MidPrice(context.Background(), model.InstrumentKey{Exchange: "binance", Instrument: "ETH-USDT"})
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestPaper_FundingUnavailable(t *testing.T) {
	p := NewPaper()
	_, err := p.FundingRate(context.Background(), btc)
	assert.ErrorIs(t, err, ErrFundingUnavailable)

	p.SetFundingRate(btc, d(0.0001))
	r, err := p.FundingRate(context.Background(), btc)
	require.NoError(t, err)
	assert.True(t, r.Equal(d(0.0001)))
}

func TestPaper_PlaceOrderFills(t *testing.T) {
	p := NewPaper()
	p.SetQuote(btc, d(99), d(101))

	id, err := p.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	limit := d(98)
	_, err = p.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "binance", Instrument: "BTC-USDT", Side: model.Sell, Type: model.OrderLimit, Amount: d(1), Price: &limit,
	})
	require.NoError(t, err)

	orders := p.Orders()
	require.Len(t, orders, 2)
	assert.True(t, orders[0].FillPrice.Equal(d(101)))
	assert.True(t, orders[1].FillPrice.Equal(d(98)))
}

func TestPaper_FailOrders(t *testing.T) {
	p := NewPaper()
	p.SetMid(btc, d(100))
	boom := errors.New("venue down")
	p.FailOrders(btc, boom)

	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1),
	})
	assert.ErrorIs(t, err, boom)

	p.FailOrders(btc, nil)
	_, err = p.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1),
	})
	assert.NoError(t, err)
}

func TestPaper_CancelOrder(t *testing.T) {
	p := NewPaper()
	p.SetMid(btc, d(100))
	id, err := p.PlaceOrder(context.Background(), OrderRequest{
		Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1),
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(context.Background(), "binance", id))
	assert.True(t, p.Orders()[0].Cancelled)
	assert.ErrorIs(t, p.CancelOrder(context.Background(), "binance", "missing"), ErrOrderNotFound)
}

func TestGuarded_BreakerTrips(t *testing.T) {
	p := NewPaper()
	p.SetMid(btc, d(100))
	p.FailOrders(btc, errors.New("venue down"))
	g := NewGuarded(p, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute}, logging.Discard())

	req := OrderRequest{Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1)}
	for i := 0; i < 2; i++ {
		_, err := g.PlaceOrder(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, "open", g.BreakerState())

	p.FailOrders(btc, nil)
	_, err := g.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Empty(t, p.Orders())
}

func TestGuarded_ForwardsReadsAndCancel(t *testing.T) {
	p := NewPaper()
	p.SetMid(btc, d(100))
	p.SetBalance("binance", "USDT", d(500))
	g := NewGuarded(p, GuardConfig{RequestsPerSecond: 1000, Burst: 10}, logging.Discard())
	ctx := context.Background()

	mid, err := g.MidPrice(ctx, btc)
	require.NoError(t, err)
	assert.True(t, mid.Equal(d(100)))

	bal, err := g.AvailableBalance(ctx, "binance", "USDT")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(500)))

	id, err := g.PlaceOrder(ctx, OrderRequest{Exchange: "binance", Instrument: "BTC-USDT", Side: model.Sell, Type: model.OrderMarket, Amount: d(1)})
	require.NoError(t, err)
	require.NoError(t, g.CancelOrder(ctx, "binance", id))
}

func TestGuarded_CancelUnsupported(t *testing.T) {
	v := struct{ Venue }{NewPaper()}
	g := NewGuarded(v, GuardConfig{}, logging.Discard())

	assert.ErrorIs(t, g.CancelOrder(context.Background(), "binance", "x"), ErrCancelUnsupported)
}

func TestGuarded_ContextCancelled(t *testing.T) {
	g := NewGuarded(NewPaper(), GuardConfig{RequestsPerSecond: 0.001, Burst: 1}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	// Drain the single token, then the next wait must fail on the cancelled context.
	_, _ = g.AvailableBalance(ctx, "binance", "USDT")
	cancel()
	_, err := g.AvailableBalance(ctx, "binance", "USDT")
	assert.Error(t, err)
}

func TestGuarded_NilLoggerSurvivesTrip(t *testing.T) {
	p := NewPaper()
	p.SetMid(btc, d(100))
	p.FailOrders(btc, errors.New("venue down"))
	g := NewGuarded(p, GuardConfig{MaxFailures: 1, OpenTimeout: time.Minute}, nil)

	req := OrderRequest{Exchange: "binance", Instrument: "BTC-USDT", Side: model.Buy, Type: model.OrderMarket, Amount: d(1)}
	assert.NotPanics(t, func() {
		_, err := g.PlaceOrder(context.Background(), req)
		require.Error(t, err)
	})
	assert.Equal(t, "open", g.BreakerState())
}
