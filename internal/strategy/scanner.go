package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/instrument"
	"github.com/atmx/delta-engine/internal/model"
)

var daysPerYear = decimal.NewFromInt(365)

// ScanArbitrageOpportunities evaluates every enabled pair and opens the
// positions that clear their thresholds and the risk limits.
func (e *Engine) ScanArbitrageOpportunities(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scanLocked(ctx)
}

// scanLocked evaluates pairs in configured order. A failing pair is logged
// and never stops the pairs after it; only cancellation ends the scan.
func (e *Engine) scanLocked(ctx context.Context) error {
	for _, pair := range e.cfg.Pairs {
		if !pair.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch pair.Mode {
		case model.ModeFundingRate:
			err = e.evaluateFundingRate(ctx, pair)
		case model.ModePriceSpread:
			err = e.evaluatePriceSpread(ctx, pair)
		case model.ModeBasisArbitrage:
			err = e.evaluateBasis(ctx, pair)
		default:
			e.log.WithField("pair", pair.String()).Warnf("unknown arbitrage mode %q", pair.Mode)
			continue
		}
		if err != nil {
			e.log.WithError(err).WithField("pair", pair.String()).Error("pair evaluation failed")
		}
	}
	return nil
}

// evaluateFundingRate shorts the leg paying the higher funding rate and
// longs the other when the rate difference, in bps, clears the threshold.
func (e *Engine) evaluateFundingRate(ctx context.Context, pair model.ArbitragePair) error {
	rateA, okA := e.fundingRate(ctx, pair.LegA)
	rateB, okB := e.fundingRate(ctx, pair.LegB)
	if !okA || !okB {
		return nil
	}

	diffBps := rateA.Sub(rateB).Abs().Mul(bpsFactor)
	if !diffBps.GreaterThan(pair.MinProfitThreshold) {
		return nil
	}

	long, short := pair.LegB, pair.LegA
	if rateA.LessThan(rateB) {
		long, short = pair.LegA, pair.LegB
	}
	e.log.WithFields(logrus.Fields{
		"pair":     pair.String(),
		"rate_a":   rateA.String(),
		"rate_b":   rateB.String(),
		"diff_bps": diffBps.String(),
	}).Info("funding rate opportunity")
	return e.executeArbitrageTrade(ctx, pair, long, short, diffBps)
}

// evaluatePriceSpread buys the cheaper leg and sells the dearer one when
// the spread over the lower price clears the threshold.
func (e *Engine) evaluatePriceSpread(ctx context.Context, pair model.ArbitragePair) error {
	priceA, okA := e.midPrice(ctx, pair.LegA.Key())
	priceB, okB := e.midPrice(ctx, pair.LegB.Key())
	if !okA || !okB {
		return nil
	}
	low := decimal.Min(priceA, priceB)
	if !low.IsPositive() {
		return nil
	}

	spreadBps := priceA.Sub(priceB).Abs().Div(low).Mul(bpsFactor)
	if !spreadBps.GreaterThan(pair.MinProfitThreshold) {
		return nil
	}

	long, short := pair.LegA, pair.LegB
	if priceA.GreaterThan(priceB) {
		long, short = pair.LegB, pair.LegA
	}
	e.log.WithFields(logrus.Fields{
		"pair":       pair.String(),
		"price_a":    priceA.String(),
		"price_b":    priceB.String(),
		"spread_bps": spreadBps.String(),
	}).Info("price spread opportunity")
	return e.executeArbitrageTrade(ctx, pair, long, short, spreadBps)
}

// evaluateBasis trades the futures basis: a premium sells the future and
// buys spot, a discount does the reverse.
func (e *Engine) evaluateBasis(ctx context.Context, pair model.ArbitragePair) error {
	spot, fut := pair.LegB, pair.LegA
	if pair.LegA.InstrumentType == model.InstrumentSpot {
		spot, fut = pair.LegA, pair.LegB
	}

	spotPrice, okS := e.midPrice(ctx, spot.Key())
	futPrice, okF := e.midPrice(ctx, fut.Key())
	if !okS || !okF {
		return nil
	}

	basis := futPrice.Sub(spotPrice)
	annualized := AnnualizedBasis(basis, spotPrice, expiryOf(fut), e.nowFn())
	if !annualized.Abs().GreaterThan(pair.MinProfitThreshold) {
		return nil
	}

	long, short := spot, fut
	if basis.IsNegative() {
		long, short = fut, spot
	}
	e.log.WithFields(logrus.Fields{
		"pair":           pair.String(),
		"spot":           spotPrice.String(),
		"futures":        futPrice.String(),
		"annualized_bps": annualized.String(),
	}).Info("basis opportunity")
	return e.executeArbitrageTrade(ctx, pair, long, short, annualized.Abs())
}

// AnnualizedBasis converts a futures basis to bps of spot. With an expiry
// it annualizes by 365/days-to-expiry and returns zero once expiry is
// reached; without one it returns the raw basis in bps.
func AnnualizedBasis(basis, spot decimal.Decimal, expiry *time.Time, now time.Time) decimal.Decimal {
	if !spot.IsPositive() {
		return decimal.Zero
	}
	raw := basis.Div(spot)
	if expiry == nil {
		return raw.Mul(bpsFactor)
	}
	days := int64(expiry.Sub(now) / (24 * time.Hour))
	if days <= 0 {
		return decimal.Zero
	}
	return raw.Mul(daysPerYear).Div(decimal.NewFromInt(days)).Mul(bpsFactor)
}

// expiryOf prefers the configured expiry and falls back to the date coded
// in the trading pair.
func expiryOf(leg model.InstrumentConfig) *time.Time {
	if leg.ExpiryDate != nil {
		return leg.ExpiryDate
	}
	if leg.InstrumentType != model.InstrumentFutures {
		return nil
	}
	exp, err := instrument.Expiry(leg.TradingPair)
	if err != nil {
		return nil
	}
	return &exp
}

// fundingRate returns the leg's funding rate, served from cache while the
// cached value is younger than the configured TTL.
func (e *Engine) fundingRate(ctx context.Context, leg model.InstrumentConfig) (decimal.Decimal, bool) {
	key := leg.Key()
	now := e.nowFn()
	if c, ok := e.fundingCache[key]; ok && now.Sub(c.fetchedAt) < e.cfg.FundingCacheTTL {
		return c.rate, true
	}

	rate, err := e.venue.FundingRate(ctx, key)
	if err != nil {
		e.log.WithError(err).WithField("instrument", key.String()).Debug("funding rate unavailable")
		return decimal.Zero, false
	}
	e.fundingCache[key] = cachedRate{rate: rate, fetchedAt: now}
	return rate, true
}

// CalculateTradeSize sizes a trade from the ledger balances behind both
// legs: min(balance × max_inventory_ratio per leg, max trade size). A size
// below either leg's minimum trade size is rejected as zero.
func (e *Engine) CalculateTradeSize(pair model.ArbitragePair) decimal.Decimal {
	balA := e.legBalance(pair.LegA)
	balB := e.legBalance(pair.LegB)

	size := decimal.Min(balA.Mul(pair.MaxInventoryRatio), balB.Mul(pair.MaxInventoryRatio))
	if e.cfg.Risk.MaxTradeSize.IsPositive() {
		size = decimal.Min(size, e.cfg.Risk.MaxTradeSize)
	}
	floor := decimal.Max(pair.LegA.MinTradeSize, pair.LegB.MinTradeSize)
	if !size.IsPositive() || size.LessThan(floor) {
		return decimal.Zero
	}
	return size
}

func (e *Engine) legBalance(leg model.InstrumentConfig) decimal.Decimal {
	bal, ok := e.ledger.Balance(model.BalanceKey{
		Exchange:    leg.Exchange,
		Asset:       collateralAsset(leg),
		AccountType: accountType(leg),
	})
	if !ok {
		return decimal.Zero
	}
	return bal.Available
}

// collateralAsset is the asset that funds a leg: the base asset for spot,
// the quote asset for derivatives.
func collateralAsset(leg model.InstrumentConfig) string {
	if leg.InstrumentType == model.InstrumentSpot {
		return instrument.BaseAsset(leg.TradingPair)
	}
	if leg.QuoteAsset != "" {
		return leg.QuoteAsset
	}
	if strings.Contains(strings.ToUpper(leg.TradingPair), "USDT") {
		return "USDT"
	}
	return "USD"
}

func accountType(leg model.InstrumentConfig) model.AccountType {
	switch leg.InstrumentType {
	case model.InstrumentPerpetual:
		return model.AccountPerpetual
	case model.InstrumentFutures:
		return model.AccountFutures
	default:
		return model.AccountSpot
	}
}
