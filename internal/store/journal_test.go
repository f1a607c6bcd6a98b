package store

import (
	"context"
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

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func trade(id string, closedAt time.Time) *model.TradeRecord {
	return &model.TradeRecord{
		ID:                id,
		PositionID:        "binance_BTC-USDT_okx_BTC-USDT-SWAP_1709294400000",
		Mode:              model.ModeFundingRate,
		LongExchange:      "binance",
		LongInstrument:    "BTC-USDT",
		ShortExchange:     "okx",
		ShortInstrument:   "BTC-USDT-SWAP",
		Size:              d(0.5),
		ExpectedProfitBps: d(12.5),
		RealizedPnLBps:    d(-3.25),
		OpenedAt:          closedAt.Add(-time.Hour),
		ClosedAt:          closedAt,
		Reason:            "max_age",
	}
}

// exerciseJournal runs the behaviour every Journal implementation shares.
func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()

	t.Run("trades newest first with limit", func(t *testing.T) {
		require.NoError(t, j.InsertTrade(ctx, trade("t1", t0)))
		require.NoError(t, j.InsertTrade(ctx, trade("t2", t0.Add(time.Minute))))
		require.NoError(t, j.InsertTrade(ctx, trade("t3", t0.Add(2*time.Minute))))

		all, err := j.ListTrades(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "t3", all[0].ID)
		assert.True(t, all[0].RealizedPnLBps.Equal(d(-3.25)))
		assert.True(t, all[0].Size.Equal(d(0.5)))

		page, err := j.ListTrades(ctx, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "t2", page[1].ID)
	})

	t.Run("hedges upsert by id", func(t *testing.T) {
		limit := d(50000)
		h := &model.HedgeExecution{
			ID:                "h1",
			PrimaryInstrument: "BTC-USDT",
			HedgeExchange:     "binance",
			HedgeInstrument:   "BTC-USDT-PERP",
			HedgeSize:         d(1.5),
			HedgeSide:         model.Sell,
			OrderType:         model.OrderLimit,
			LimitPrice:        &limit,
			Status:            model.HedgeExecuted,
			OrderID:           "ord-1",
			Timestamp:         t0,
		}
		require.NoError(t, j.SaveHedge(ctx, h))

		fill, slip := d(50010), d(2)
		h.ExecutionPrice, h.SlippageBps = &fill, &slip
		require.NoError(t, j.SaveHedge(ctx, h))

		hedges, err := j.ListHedges(ctx, 10)
		require.NoError(t, err)
		require.Len(t, hedges, 1)
		got := hedges[0]
		assert.Equal(t, model.Sell, got.HedgeSide)
		require.NotNil(t, got.LimitPrice)
		assert.True(t, got.LimitPrice.Equal(limit))
		require.NotNil(t, got.ExecutionPrice)
		assert.True(t, got.ExecutionPrice.Equal(fill))
		require.NotNil(t, got.SlippageBps)
		assert.True(t, got.SlippageBps.Equal(slip))
	})

	t.Run("funding since cutoff", func(t *testing.T) {
		for i, ts := range []time.Time{t0.Add(-48 * time.Hour), t0.Add(-time.Hour), t0} {
			require.NoError(t, j.InsertFundingPayment(ctx, &model.FundingPayment{
				ID:           string(rune('a' + i)),
				Instrument:   "BTC-USDT-PERP",
				Exchange:     "binance",
				Payment:      d(10.5),
				Rate:         d(0.0001),
				PositionSize: d(1),
				Timestamp:    ts,
			}))
		}
		got, err := j.ListFundingPayments(ctx, t0.Add(-24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.True(t, got[1].Payment.Equal(d(10.5)))
	})

	t.Run("latest risk snapshot", func(t *testing.T) {
		_, err := j.LatestRiskSnapshot(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		for i, bal := range []float64{1000, 1100} {
			require.NoError(t, j.SaveRiskSnapshot(ctx, &model.RiskMetricsSnapshot{
				TotalBalance:      d(bal),
				PortfolioDelta:    d(-25),
				MarginUtilization: map[string]decimal.Decimal{"binance": d(0.5)},
				PeakBalance:       d(bal),
				ComputedAt:        t0.Add(time.Duration(i) * time.Minute),
			}))
		}
		snap, err := j.LatestRiskSnapshot(ctx)
		require.NoError(t, err)
		assert.True(t, snap.TotalBalance.Equal(d(1100)))
		assert.True(t, snap.PortfolioDelta.Equal(d(-25)))
		assert.True(t, snap.MarginUtilization["binance"].Equal(d(0.5)))
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseJournal(t, NewMemoryStore())
}

func TestMemoryStore_StoresCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tr := trade("t1", t0)
	require.NoError(t, s.InsertTrade(ctx, tr))

	tr.Reason = "mutated"
	got, err := s.ListTrades(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "max_age", got[0].Reason)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseJournal(t, s)
}

func TestSQLiteStore_EmptyDSN(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}
