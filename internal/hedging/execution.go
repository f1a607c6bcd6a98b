package hedging

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/model"
)

// ExecuteSingleHedge places the order for exec and records the outcome on
// it. Placement errors and panics mark the execution failed and are not
// propagated. On success the execution waits in the pending set until
// UpdateHedgePerformance reports its fill.
func (e *Evaluator) ExecuteSingleHedge(ctx context.Context, exec *model.HedgeExecution) (ok bool) {
	log := e.log.WithFields(logrus.Fields{
		"hedge_id":   exec.ID,
		"instrument": exec.HedgeExchange + "_" + exec.HedgeInstrument,
		"side":       exec.HedgeSide,
		"size":       exec.HedgeSize.String(),
		"emergency":  exec.Emergency,
	})

	defer func() {
		if r := recover(); r != nil {
			e.finish(exec, "", fmt.Errorf("panic: %v", r))
			log.WithField("panic", r).Error("hedge execution panicked")
			ok = false
		}
	}()

	req := exchange.OrderRequest{
		Exchange:   exec.HedgeExchange,
		Instrument: exec.HedgeInstrument,
		Side:       exec.HedgeSide,
		Type:       exec.OrderType,
		Amount:     exec.HedgeSize,
		Price:      exec.LimitPrice,
	}
	if req.Type == model.OrderMarket {
		req.Price = nil
	}

	orderID, err := e.placer.PlaceOrder(ctx, req)
	e.finish(exec, orderID, err)
	if err != nil {
		log.WithError(err).Error("hedge execution failed")
		return false
	}
	log.WithField("order_id", orderID).Info("hedge executed")
	return true
}

func (e *Evaluator) finish(exec *model.HedgeExecution, orderID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		exec.Status = model.HedgeFailed
		exec.Error = err.Error()
		e.failed++
	} else {
		exec.Status = model.HedgeExecuted
		exec.OrderID = orderID
		e.pending[orderID] = exec
		e.executed++
	}
	e.history = append(e.history, exec)
}

// ExecuteHedges executes each hedge in order. A failed hedge never stops
// the ones after it. Returns the number executed.
func (e *Evaluator) ExecuteHedges(ctx context.Context, execs []*model.HedgeExecution) int {
	n := 0
	for _, exec := range execs {
		if e.ExecuteSingleHedge(ctx, exec) {
			n++
		}
	}
	return n
}

// UpdateHedgePerformance records the fill of a pending hedge and folds its
// slippage into the running mean. Unknown order ids are ignored.
func (e *Evaluator) UpdateHedgePerformance(orderID string, fillPrice, slippageBps decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.pending[orderID]
	if !ok {
		return false
	}
	fp, sl := fillPrice, slippageBps
	exec.ExecutionPrice = &fp
	exec.SlippageBps = &sl
	delete(e.pending, orderID)

	// Running arithmetic mean: avg += (x - avg) / n.
	e.filled++
	e.avgSlippage = e.avgSlippage.Add(
		slippageBps.Sub(e.avgSlippage).Div(decimal.NewFromInt(int64(e.filled))),
	)
	return true
}

// EmergencyStop disables every rule and cancels every pending hedge.
// When the order placer can cancel, the venue order is cancelled too;
// otherwise only local state changes. Returns the number of hedges
// cancelled.
func (e *Evaluator) EmergencyStop(ctx context.Context) int {
	e.mu.Lock()
	e.stopped = true
	for i := range e.rules {
		if e.rules[i].Enabled {
			e.rules[i].Enabled = false
			e.disabledByStop[ruleKey(e.rules[i])] = true
		}
	}
	cancelled := make([]*model.HedgeExecution, 0, len(e.pending))
	for id, exec := range e.pending {
		exec.Status = model.HedgeCancelled
		cancelled = append(cancelled, exec)
		delete(e.pending, id)
	}
	e.mu.Unlock()

	canceller, canCancel := e.placer.(exchange.OrderCanceller)
	for _, exec := range cancelled {
		if !canCancel {
			continue
		}
		if err := canceller.CancelOrder(ctx, exec.HedgeExchange, exec.OrderID); err != nil {
			e.log.WithError(err).WithField("order_id", exec.OrderID).Warn("venue cancel failed")
		}
	}

	e.log.WithFields(logrus.Fields{
		"cancelled":     len(cancelled),
		"venue_cancels": canCancel,
	}).Error("hedging emergency stop")
	return len(cancelled)
}

// Resume lifts an emergency stop and re-enables the rules it disabled.
func (e *Evaluator) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = false
	for i := range e.rules {
		if e.disabledByStop[ruleKey(e.rules[i])] {
			e.rules[i].Enabled = true
		}
	}
	e.disabledByStop = make(map[pairKey]bool)
	e.log.Warn("hedging resumed")
}

// Statistics summarizes hedge activity.
func (e *Evaluator) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	enabled := 0
	for _, r := range e.rules {
		if r.Enabled {
			enabled++
		}
	}
	return Statistics{
		TotalExecuted:      e.executed,
		TotalFailed:        e.failed,
		Pending:            len(e.pending),
		FilledHedges:       e.filled,
		AverageSlippageBps: e.avgSlippage,
		Rules:              len(e.rules),
		EnabledRules:       enabled,
		Stopped:            e.stopped,
	}
}

// History returns copies of every executed or failed hedge, oldest first.
func (e *Evaluator) History() []model.HedgeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.HedgeExecution, len(e.history))
	for i, h := range e.history {
		out[i] = *h
	}
	return out
}

// Snapshot returns a copy of exec read under the evaluator lock.
func (e *Evaluator) Snapshot(exec *model.HedgeExecution) model.HedgeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := *exec
	if exec.ExecutionPrice != nil {
		v := *exec.ExecutionPrice
		out.ExecutionPrice = &v
	}
	if exec.SlippageBps != nil {
		v := *exec.SlippageBps
		out.SlippageBps = &v
	}
	return out
}

// Pending returns copies of hedges awaiting a fill report.
func (e *Evaluator) Pending() []model.HedgeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.HedgeExecution, 0, len(e.pending))
	for _, h := range e.pending {
		out = append(out, *h)
	}
	return out
}
