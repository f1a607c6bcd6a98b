package hedging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/ledger"
	"github.com/atmx/delta-engine/internal/model"
)

func limitHedge() *model.HedgeExecution {
	price := d(50000)
	return &model.HedgeExecution{
		ID:              "h-1",
		HedgeExchange:   "binance",
		HedgeInstrument: "BTC-USDT-PERP",
		HedgeSize:       d(1),
		HedgeSide:       model.Sell,
		OrderType:       model.OrderLimit,
		LimitPrice:      &price,
		Status:          model.HedgePending,
	}
}

func marketHedge() *model.HedgeExecution {
	h := limitHedge()
	h.ID = "h-2"
	h.OrderType = model.OrderMarket
	h.Emergency = true
	return h
}

func TestExecuteSingleHedge_Success(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Type == model.OrderLimit && req.Price != nil && req.Price.Equal(d(50000))
	})).Return("ord-1", nil)

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	h := limitHedge()

	assert.True(t, e.ExecuteSingleHedge(context.Background(), h))
	assert.Equal(t, model.HedgeExecuted, h.Status)
	assert.Equal(t, "ord-1", h.OrderID)

	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "h-1", pending[0].ID)

	st := e.Statistics()
	assert.Equal(t, 1, st.TotalExecuted)
	assert.Equal(t, 0, st.TotalFailed)
	m.AssertExpectations(t)
}

func TestExecuteSingleHedge_MarketSendsNoPrice(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Type == model.OrderMarket && req.Price == nil
	})).Return("ord-2", nil)

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	h := marketHedge()
	price := d(1)
	h.LimitPrice = &price

	assert.True(t, e.ExecuteSingleHedge(context.Background(), h))
	m.AssertExpectations(t)
}

func TestExecuteSingleHedge_FailureRecorded(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("", errors.New("insufficient margin"))

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	h := limitHedge()

	assert.False(t, e.ExecuteSingleHedge(context.Background(), h))
	assert.Equal(t, model.HedgeFailed, h.Status)
	assert.Contains(t, h.Error, "insufficient margin")
	assert.Empty(t, e.Pending())

	hist := e.History()
	require.Len(t, hist, 1)
	assert.Equal(t, model.HedgeFailed, hist[0].Status)
	assert.Equal(t, 1, e.Statistics().TotalFailed)
}

func TestExecuteSingleHedge_PanicRecovered(t *testing.T) {
	e := NewEvaluator(ledger.New(), panicPlacer{}, DefaultConfig())
	h := limitHedge()

	assert.NotPanics(t, func() {
		assert.False(t, e.ExecuteSingleHedge(context.Background(), h))
	})
	assert.Equal(t, model.HedgeFailed, h.Status)
	assert.Contains(t, h.Error, "connector blew up")
}

func TestExecuteHedges_FailureDoesNotStopLater(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Type == model.OrderLimit
	})).Return("", errors.New("rejected")).Once()
	m.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Type == model.OrderMarket
	})).Return("ord-3", nil).Once()

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	first, second := limitHedge(), marketHedge()

	n := e.ExecuteHedges(context.Background(), []*model.HedgeExecution{first, second})
	assert.Equal(t, 1, n)
	assert.Equal(t, model.HedgeFailed, first.Status)
	assert.Equal(t, model.HedgeExecuted, second.Status)
	m.AssertExpectations(t)
}

func TestUpdateHedgePerformance_RunningMean(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("a", nil).Once()
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("b", nil).Once()
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("c", nil).Once()

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	for i := 0; i < 3; i++ {
		require.True(t, e.ExecuteSingleHedge(context.Background(), limitHedge()))
	}

	assert.True(t, e.UpdateHedgePerformance("a", d(50010), d(2)))
	assert.True(t, e.UpdateHedgePerformance("b", d(50020), d(4)))
	assert.True(t, e.UpdateHedgePerformance("c", d(50030), d(6)))

	st := e.Statistics()
	assert.Equal(t, 3, st.FilledHedges)
	assert.True(t, st.AverageSlippageBps.Equal(d(4)), "got %s", st.AverageSlippageBps)
	assert.Equal(t, 0, st.Pending)

	hist := e.History()
	require.NotNil(t, hist[0].ExecutionPrice)
	assert.True(t, hist[0].ExecutionPrice.Equal(d(50010)))
}

func TestUpdateHedgePerformance_UnknownOrder(t *testing.T) {
	e := NewEvaluator(ledger.New(), &MockPlacer{}, DefaultConfig())
	assert.False(t, e.UpdateHedgePerformance("nope", d(1), d(1)))
	assert.True(t, e.Statistics().AverageSlippageBps.IsZero())
}

func TestEmergencyStop_LocalOnly(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(2), d(50000), nil))

	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("ord-1", nil)
	e := NewEvaluator(l, m, highThreshold())
	require.NoError(t, e.AddRule(btcRule()))

	h := limitHedge()
	require.True(t, e.ExecuteSingleHedge(context.Background(), h))

	assert.Equal(t, 1, e.EmergencyStop(context.Background()))
	assert.Equal(t, model.HedgeCancelled, h.Status)
	assert.Empty(t, e.Pending())
	assert.Nil(t, e.EvaluateHedgingNeeds(prices()))

	st := e.Statistics()
	assert.True(t, st.Stopped)
	assert.Equal(t, 0, st.EnabledRules)
}

func TestEmergencyStop_CancelsAtVenue(t *testing.T) {
	m := &MockCancellingPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("ord-9", nil)
	m.On("CancelOrder", mock.Anything, "binance", "ord-9").Return(nil).Once()

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	require.True(t, e.ExecuteSingleHedge(context.Background(), limitHedge()))

	assert.Equal(t, 1, e.EmergencyStop(context.Background()))
	m.AssertExpectations(t)
}

func TestEmergencyStop_CancelErrorIsLogged(t *testing.T) {
	m := &MockCancellingPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("ord-9", nil)
	m.On("CancelOrder", mock.Anything, "binance", "ord-9").Return(exchange.ErrOrderNotFound)

	e := NewEvaluator(ledger.New(), m, DefaultConfig())
	require.True(t, e.ExecuteSingleHedge(context.Background(), limitHedge()))

	assert.Equal(t, 1, e.EmergencyStop(context.Background()))
	assert.Empty(t, e.Pending())
}

func TestResume_ReenablesOnlyStoppedRules(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.UpdatePosition("binance", "BTC-USDT", model.SideLong, d(2), d(50000), nil))
	e := NewEvaluator(l, &MockPlacer{}, highThreshold())

	require.NoError(t, e.AddRule(btcRule()))
	off := model.HedgingRule{
		Primary:    model.InstrumentRef{Instrument: "ETH-USDT"},
		Hedge:      model.InstrumentRef{Exchange: "okx", Instrument: "ETH-USDT-SWAP"},
		HedgeRatio: d(-1),
	}
	require.NoError(t, e.AddRule(off))

	e.EmergencyStop(context.Background())
	e.Resume()

	rules := e.Rules()
	assert.True(t, rules[0].Enabled)
	assert.False(t, rules[1].Enabled, "rule disabled before the stop stays disabled")
	assert.False(t, e.Statistics().Stopped)
	assert.Len(t, e.EvaluateHedgingNeeds(prices()), 1)
}

func TestSnapshot_ReflectsEmergencyStop(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("ord-1", nil)
	e := NewEvaluator(ledger.New(), m, DefaultConfig())

	h := limitHedge()
	require.True(t, e.ExecuteSingleHedge(context.Background(), h))
	assert.Equal(t, model.HedgeExecuted, e.Snapshot(h).Status)

	e.EmergencyStop(context.Background())
	snap := e.Snapshot(h)
	assert.Equal(t, model.HedgeCancelled, snap.Status)
	assert.Equal(t, "ord-1", snap.OrderID)

	require.False(t, e.UpdateHedgePerformance("ord-1", d(1), d(1)), "cancelled hedges leave the pending set")
	snap.Status = model.HedgeFailed
	assert.Equal(t, model.HedgeCancelled, h.Status)
}

func TestSnapshot_CopiesFillFields(t *testing.T) {
	m := &MockPlacer{}
	m.On("PlaceOrder", mock.Anything, mock.Anything).Return("ord-1", nil)
	e := NewEvaluator(ledger.New(), m, DefaultConfig())

	h := limitHedge()
	require.True(t, e.ExecuteSingleHedge(context.Background(), h))
	require.True(t, e.UpdateHedgePerformance("ord-1", d(50010), d(2)))

	snap := e.Snapshot(h)
	require.NotNil(t, snap.ExecutionPrice)
	assert.True(t, snap.ExecutionPrice.Equal(d(50010)))
	*snap.ExecutionPrice = d(1)
	assert.True(t, h.ExecutionPrice.Equal(d(50010)))
}
