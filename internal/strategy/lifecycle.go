package strategy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/metrics"
	"github.com/atmx/delta-engine/internal/model"
	"github.com/atmx/delta-engine/internal/risk"
)

var two = decimal.NewFromInt(2)

// Close reasons recorded on trade records and metrics.
const (
	ReasonMaxAge     = "max_age"
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"
	ReasonUnwind     = "unwind"
	ReasonRetry      = "retry"
	ReasonShutdown   = "shutdown"
)

// executeArbitrageTrade sizes, validates and opens a position. The long leg
// goes first; if it fails nothing is recorded. If the short leg then fails
// the position is kept as partially open so the next monitor pass unwinds
// the long leg.
func (e *Engine) executeArbitrageTrade(ctx context.Context, pair model.ArbitragePair, long, short model.InstrumentConfig, expectedBps decimal.Decimal) error {
	log := e.log.WithFields(logrus.Fields{
		"pair":  pair.String(),
		"long":  long.String(),
		"short": short.String(),
	})

	size := e.CalculateTradeSize(pair)
	if size.IsZero() {
		log.Debug("trade size below minimum, skipping")
		return nil
	}

	now := e.nowFn()
	if err := e.validator.CheckTrade(size, e.inventory(), e.lastHeartbeat, now); err != nil {
		metrics.RiskRejections.WithLabelValues(risk.Reason(err)).Inc()
		log.WithError(err).Warn("trade rejected by risk limits")
		return nil
	}

	longMid, okL := e.midPrice(ctx, long.Key())
	shortMid, okS := e.midPrice(ctx, short.Key())
	if !okL || !okS {
		log.Debug("no entry price for a leg, skipping")
		return nil
	}

	longID, err := e.placeLeg(ctx, long, model.Buy, size)
	if err != nil {
		log.WithError(err).Error("long leg failed, nothing opened")
		return nil
	}
	if err := e.ledger.RecordFill(long.Exchange, long.TradingPair, model.Buy, size, longMid, long.Leverage); err != nil {
		return fmt.Errorf("record long fill: %w", err)
	}

	pos := &model.ActivePosition{
		ID:              e.positionID(pair),
		Pair:            pair,
		LongLeg:         long,
		ShortLeg:        short,
		TradeSize:       size,
		ExpectedProfit:  expectedBps,
		LongOrderID:     longID,
		EntryLongPrice:  longMid,
		EntryShortPrice: shortMid,
		LongOpen:        true,
		OpenedAt:        now,
		Status:          model.StatusOpening,
	}

	shortID, err := e.placeLeg(ctx, short, model.Sell, size)
	if err != nil {
		pos.Status = model.StatusPartiallyOpen
		log.WithError(err).Error("short leg failed, long leg will be unwound")
	} else {
		pos.ShortOrderID = shortID
		pos.ShortOpen = true
		if err := e.ledger.RecordFill(short.Exchange, short.TradingPair, model.Sell, size, shortMid, short.Leverage); err != nil {
			e.positions[pos.ID] = pos
			return fmt.Errorf("record short fill: %w", err)
		}
	}
	e.positions[pos.ID] = pos

	metrics.TradesTotal.WithLabelValues(string(pair.Mode)).Inc()
	metrics.ActivePositions.Set(float64(len(e.positions)))
	log.WithFields(logrus.Fields{
		"position_id":  pos.ID,
		"size":         size.String(),
		"expected_bps": expectedBps.String(),
		"status":       pos.Status,
	}).Info("arbitrage position opened")
	e.publish(EventPositionOpened, *pos)
	return nil
}

// positionID is {legA}_{legB}_{unix millis}, suffixed on collision.
func (e *Engine) positionID(pair model.ArbitragePair) string {
	base := pair.LegA.String() + "_" + pair.LegB.String() + "_" + strconv.FormatInt(e.nowFn().UnixMilli(), 10)
	id := base
	for n := 2; ; n++ {
		if _, taken := e.positions[id]; !taken {
			return id
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

// inventory is the sum of open trade sizes.
func (e *Engine) inventory() decimal.Decimal {
	total := decimal.Zero
	for _, p := range e.positions {
		total = total.Add(p.TradeSize)
	}
	return total
}

func (e *Engine) placeLeg(ctx context.Context, leg model.InstrumentConfig, side model.TradeSide, size decimal.Decimal) (string, error) {
	return e.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Exchange:   leg.Exchange,
		Instrument: leg.TradingPair,
		Side:       side,
		Type:       model.OrderMarket,
		Amount:     size,
	})
}

// MonitorExistingPositions applies the exit rules to every open position
// and closes the ones that trigger.
func (e *Engine) MonitorExistingPositions(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitorLocked(ctx)
}

// monitorLocked promotes opening positions to opened, unwinds partial
// opens, retries stuck closes, then closes on age, take profit or stop
// loss. Age wins over P&L; thresholds of zero are disabled.
func (e *Engine) monitorLocked(ctx context.Context) error {
	now := e.nowFn()
	tp, sl := e.cfg.Risk.TakeProfitBps, e.cfg.Risk.StopLossBps

	for _, id := range e.positionIDs() {
		p := e.positions[id]
		reason := ""

		switch p.Status {
		case model.StatusPartiallyOpen:
			reason = ReasonUnwind
		case model.StatusClosing:
			reason = ReasonRetry
		default:
			if p.Status == model.StatusOpening {
				p.Status = model.StatusOpened
			}
			age := now.Sub(p.OpenedAt)
			if e.cfg.Risk.MaxPositionAge > 0 && age > e.cfg.Risk.MaxPositionAge {
				reason = ReasonMaxAge
				break
			}
			pnl := e.PositionPnLBps(ctx, p)
			if tp.IsPositive() && pnl.GreaterThan(tp) {
				reason = ReasonTakeProfit
			} else if sl.IsPositive() && pnl.LessThan(sl.Neg()) {
				reason = ReasonStopLoss
			}
		}
		if reason == "" {
			continue
		}
		if err := e.closePosition(ctx, p, reason); err != nil {
			return err
		}
	}
	return nil
}

// closePosition sends an opposing market order for every leg still open.
// Once both legs are flat the position is journaled and dropped; otherwise
// it stays in closing with the failed leg still open. The P&L is fixed at
// the first attempt, while both legs still carry exposure.
func (e *Engine) closePosition(ctx context.Context, p *model.ActivePosition, reason string) error {
	log := e.log.WithFields(logrus.Fields{
		"position_id": p.ID,
		"reason":      reason,
	})
	if p.ClosePnLBps == nil {
		pnl := e.PositionPnLBps(ctx, p)
		p.ClosePnLBps = &pnl
	}
	pnl := *p.ClosePnLBps
	p.Status = model.StatusClosing

	if p.LongOpen {
		closed, err := e.closeLeg(ctx, log, p.LongLeg, model.Sell, p.TradeSize, p.EntryLongPrice)
		if err != nil {
			return err
		}
		p.LongOpen = !closed
	}
	if p.ShortOpen {
		closed, err := e.closeLeg(ctx, log, p.ShortLeg, model.Buy, p.TradeSize, p.EntryShortPrice)
		if err != nil {
			return err
		}
		p.ShortOpen = !closed
	}
	if p.LongOpen || p.ShortOpen {
		return nil
	}

	p.Status = model.StatusClosed
	delete(e.positions, p.ID)
	e.totalProfit = e.totalProfit.Add(pnl)
	e.totalTrades++

	rec := model.TradeRecord{
		ID:                uuid.New().String(),
		PositionID:        p.ID,
		Mode:              p.Pair.Mode,
		LongExchange:      p.LongLeg.Exchange,
		LongInstrument:    p.LongLeg.TradingPair,
		ShortExchange:     p.ShortLeg.Exchange,
		ShortInstrument:   p.ShortLeg.TradingPair,
		Size:              p.TradeSize,
		ExpectedProfitBps: p.ExpectedProfit,
		RealizedPnLBps:    pnl,
		OpenedAt:          p.OpenedAt,
		ClosedAt:          e.nowFn(),
		Reason:            reason,
	}
	if e.journal != nil {
		if err := e.journal.InsertTrade(ctx, &rec); err != nil {
			log.WithError(err).Warn("journal trade failed")
		}
	}

	metrics.PositionsClosed.WithLabelValues(reason).Inc()
	metrics.ActivePositions.Set(float64(len(e.positions)))
	log.WithField("pnl_bps", pnl.String()).Info("arbitrage position closed")
	e.publish(EventPositionClosed, rec)
	return nil
}

// closeLeg places the closing order and books the fill at the current mid,
// or at the entry price when no mid is available. A rejected order leaves
// the leg open and is not an error; a ledger failure is.
func (e *Engine) closeLeg(ctx context.Context, log logrus.FieldLogger, leg model.InstrumentConfig, side model.TradeSide, size, entry decimal.Decimal) (bool, error) {
	if _, err := e.placeLeg(ctx, leg, side, size); err != nil {
		log.WithError(err).WithField("leg", leg.String()).Error("closing leg failed")
		return false, nil
	}
	price, ok := e.midPrice(ctx, leg.Key())
	if !ok {
		price = entry
	}
	if err := e.ledger.RecordFill(leg.Exchange, leg.TradingPair, side, size, price, leg.Leverage); err != nil {
		return true, fmt.Errorf("record close fill %s: %w", leg, err)
	}
	return true, nil
}

// PositionPnLBps returns the position's mark-to-market P&L in bps of the
// average current leg price. A leg that never opened contributes nothing.
// Missing prices yield zero.
func (e *Engine) PositionPnLBps(ctx context.Context, p *model.ActivePosition) decimal.Decimal {
	longPx, okL := e.midPrice(ctx, p.LongLeg.Key())
	shortPx, okS := e.midPrice(ctx, p.ShortLeg.Key())
	if !okL || !okS || !p.TradeSize.IsPositive() {
		return decimal.Zero
	}

	pnl := longPx.Sub(p.EntryLongPrice).Mul(p.TradeSize)
	if p.ShortOrderID != "" {
		pnl = pnl.Add(p.EntryShortPrice.Sub(shortPx).Mul(p.TradeSize))
	}

	avg := longPx.Add(shortPx).Div(two)
	if !avg.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(avg.Mul(p.TradeSize)).Mul(bpsFactor)
}
