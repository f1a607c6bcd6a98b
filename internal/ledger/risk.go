package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/delta-engine/internal/model"
)

// CalculateUnrealizedPnL marks every priced position to market, writes the
// result back into the position and returns it. Positions without a price
// keep their previous value and are left out of the result.
func (l *Ledger) CalculateUnrealizedPnL(prices map[model.InstrumentKey]decimal.Decimal) map[model.PositionKey]decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.unrealizedLocked(prices)
}

func (l *Ledger) unrealizedLocked(prices map[model.InstrumentKey]decimal.Decimal) map[model.PositionKey]decimal.Decimal {
	out := make(map[model.PositionKey]decimal.Decimal, len(l.positions))
	for key, p := range l.positions {
		price, ok := prices[key.InstrumentKey()]
		if !ok {
			continue
		}
		pnl := price.Sub(p.EntryPrice).Mul(p.Size)
		if p.Side == model.SideShort {
			pnl = pnl.Neg()
		}
		p.UnrealizedPnL = pnl
		out[key] = pnl
	}
	return out
}

// CalculatePortfolioDelta sums signed notional over priced positions:
// +size×price for longs, −size×price for shorts. Every instrument is
// treated as delta-1.
func (l *Ledger) CalculatePortfolioDelta(prices map[model.InstrumentKey]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.deltaLocked(prices)
}

func (l *Ledger) deltaLocked(prices map[model.InstrumentKey]decimal.Decimal) decimal.Decimal {
	delta := decimal.Zero
	for key, p := range l.positions {
		price, ok := prices[key.InstrumentKey()]
		if !ok {
			continue
		}
		delta = delta.Add(signedSize(p).Mul(price))
	}
	return delta
}

// CalculateMarginUtilization returns used/available margin per exchange.
// Used margin is size×entry/leverage over leveraged positions; available
// is the total of margin, futures and perpetual balances. An exchange with
// no available margin reports 0.
func (l *Ledger) CalculateMarginUtilization() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.marginLocked()
}

func (l *Ledger) marginLocked() map[string]decimal.Decimal {
	used := make(map[string]decimal.Decimal)
	available := make(map[string]decimal.Decimal)

	for _, p := range l.positions {
		if p.Leverage == nil || !p.Leverage.IsPositive() {
			continue
		}
		used[p.Exchange] = used[p.Exchange].Add(p.Size.Mul(p.EntryPrice).Div(*p.Leverage))
	}
	for _, b := range l.balances {
		switch b.AccountType {
		case model.AccountMargin, model.AccountFutures, model.AccountPerpetual:
			available[b.Exchange] = available[b.Exchange].Add(b.Total)
		}
	}

	out := make(map[string]decimal.Decimal, len(used)+len(available))
	for ex := range available {
		out[ex] = decimal.Zero
	}
	for ex, u := range used {
		avail := available[ex]
		if !avail.IsPositive() {
			out[ex] = decimal.Zero
			continue
		}
		out[ex] = u.Div(avail)
	}
	return out
}

// CalculateRiskMetrics returns the risk snapshot. Within the risk interval
// of the last computation the cached snapshot is returned unchanged;
// otherwise unrealized P&L is refreshed from prices and the peak balance
// and maximum drawdown high-water marks advance.
func (l *Ledger) CalculateRiskMetrics(prices map[model.InstrumentKey]decimal.Decimal) model.RiskMetricsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if l.lastRisk != nil && now.Sub(l.lastRisk.ComputedAt) < l.riskInterval {
		return copySnapshot(l.lastRisk)
	}

	unrealized := l.unrealizedLocked(prices)
	totalUnrealized := decimal.Zero
	for _, pnl := range unrealized {
		totalUnrealized = totalUnrealized.Add(pnl)
	}

	total := l.totalBalanceLocked()
	delta := l.deltaLocked(prices)
	deltaRatio := decimal.Zero
	if !total.IsZero() {
		deltaRatio = delta.Div(total)
	}

	margin := l.marginLocked()
	maxMargin := decimal.Zero
	for _, u := range margin {
		if u.GreaterThan(maxMargin) {
			maxMargin = u
		}
	}

	if total.GreaterThan(l.peakBalance) {
		l.peakBalance = total
	}
	drawdown := decimal.Zero
	if l.peakBalance.IsPositive() {
		drawdown = l.peakBalance.Sub(total).Div(l.peakBalance)
	}
	if drawdown.GreaterThan(l.maxDrawdown) {
		l.maxDrawdown = drawdown
	}

	snap := &model.RiskMetricsSnapshot{
		TotalBalance:         total,
		PortfolioDelta:       delta,
		DeltaRatio:           deltaRatio,
		MaxMarginUtilization: maxMargin,
		MarginUtilization:    margin,
		TotalUnrealizedPnL:   totalUnrealized,
		DailyFundingPnL:      l.fundingSinceLocked(now.Add(-24 * time.Hour)),
		WeeklyFundingPnL:     l.fundingSinceLocked(now.Add(-7 * 24 * time.Hour)),
		CurrentDrawdown:      drawdown,
		MaxDrawdown:          l.maxDrawdown,
		PeakBalance:          l.peakBalance,
		ComputedAt:           now,
	}
	l.lastRisk = snap
	return copySnapshot(snap)
}

// LastRiskMetrics returns the most recent snapshot without recomputing.
func (l *Ledger) LastRiskMetrics() (model.RiskMetricsSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.lastRisk == nil {
		return model.RiskMetricsSnapshot{}, false
	}
	return copySnapshot(l.lastRisk), true
}

func copySnapshot(s *model.RiskMetricsSnapshot) model.RiskMetricsSnapshot {
	c := *s
	c.MarginUtilization = make(map[string]decimal.Decimal, len(s.MarginUtilization))
	for k, v := range s.MarginUtilization {
		c.MarginUtilization[k] = v
	}
	return c
}

// PerformanceReport exports balances by account type, funding windows,
// P&L totals and the latest risk snapshot.
func (l *Ledger) PerformanceReport() model.PerformanceReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.nowFn()
	byType := make(map[model.AccountType]decimal.Decimal)
	for _, b := range l.balances {
		byType[b.AccountType] = byType[b.AccountType].Add(b.Total)
	}

	unrealized, realized := decimal.Zero, decimal.Zero
	for _, p := range l.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
		realized = realized.Add(p.RealizedPnL)
	}

	report := model.PerformanceReport{
		BalancesByType:     byType,
		TotalBalance:       l.totalBalanceLocked(),
		FundingPnL1d:       l.fundingSinceLocked(now.Add(-24 * time.Hour)),
		FundingPnL7d:       l.fundingSinceLocked(now.Add(-7 * 24 * time.Hour)),
		FundingPnL30d:      l.fundingSinceLocked(now.Add(-30 * 24 * time.Hour)),
		TotalUnrealizedPnL: unrealized,
		TotalRealizedPnL:   realized,
		Positions:          len(l.positions),
		FundingPayments:    len(l.funding),
		GeneratedAt:        now,
	}
	if l.lastRisk != nil {
		snap := copySnapshot(l.lastRisk)
		report.Risk = &snap
	}
	return report
}
