// Package ledger tracks balances, positions and funding payments across
// venues and account types, and derives portfolio risk from them.
//
// A single RWMutex guards the whole ledger. Reads take the read lock;
// every mutation, including the unrealized P&L write-back, takes the write
// lock, so the weighted-average entry price is never computed from a
// half-applied update.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/instrument"
	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/model"
)

var (
	// ErrNegativeSize is returned when a position update carries a negative
	// size. Direction is expressed by the side, never by the sign.
	ErrNegativeSize = errors.New("ledger: position size must not be negative")

	// ErrInvalidInterval is returned for a non-positive funding interval.
	ErrInvalidInterval = errors.New("ledger: funding interval must be positive")
)

// DefaultRiskInterval is how long a risk snapshot stays valid.
const DefaultRiskInterval = 60 * time.Second

// Ledger is the in-memory book of record for the engine.
type Ledger struct {
	mu        sync.RWMutex
	balances  map[model.BalanceKey]*model.BalanceEntry
	positions map[model.PositionKey]*model.PositionEntry
	funding   []model.FundingPayment

	lastRisk    *model.RiskMetricsSnapshot
	peakBalance decimal.Decimal
	maxDrawdown decimal.Decimal

	registry     *instrument.Registry
	riskInterval time.Duration
	nowFn        func() time.Time
	log          logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFn = now }
}

// WithRiskInterval sets the risk snapshot throttle window.
func WithRiskInterval(d time.Duration) Option {
	return func(l *Ledger) { l.riskInterval = d }
}

// WithRegistry supplies explicit account type overrides for new positions.
func WithRegistry(r *instrument.Registry) Option {
	return func(l *Ledger) { l.registry = r }
}

// WithLogger injects the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		balances:     make(map[model.BalanceKey]*model.BalanceEntry),
		positions:    make(map[model.PositionKey]*model.PositionEntry),
		riskInterval: DefaultRiskInterval,
		nowFn:        func() time.Time { return time.Now().UTC() },
		log:          logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// --- Balances ---

// UpdateBalance replaces the balance for (exchange, asset, accountType).
// Updates are last-write-wins, never cumulative.
func (l *Ledger) UpdateBalance(exchange, asset string, accountType model.AccountType, available, locked decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := model.BalanceKey{Exchange: exchange, Asset: asset, AccountType: accountType}
	l.balances[key] = &model.BalanceEntry{
		Asset:       asset,
		Exchange:    exchange,
		AccountType: accountType,
		Available:   available,
		Locked:      locked,
		Total:       available.Add(locked),
		LastUpdated: l.nowFn(),
	}
}

// Balance returns a copy of one balance entry.
func (l *Ledger) Balance(key model.BalanceKey) (model.BalanceEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.balances[key]
	if !ok {
		return model.BalanceEntry{}, false
	}
	return *b, true
}

// Balances returns copies of every balance entry ordered by key.
func (l *Ledger) Balances() []model.BalanceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.BalanceEntry, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return balanceKey(out[i]).String() < balanceKey(out[j]).String()
	})
	return out
}

func balanceKey(b model.BalanceEntry) model.BalanceKey {
	return model.BalanceKey{Exchange: b.Exchange, Asset: b.Asset, AccountType: b.AccountType}
}

// --- Positions ---

// UpdatePosition sets the size of the position at (exchange, instrument, side).
//
// When the size grows, entryPrice is the price of the added quantity and the
// entry price becomes the size-weighted average of old and added notional.
// When the size shrinks, entryPrice is the exit price of the removed
// quantity: the entry price is kept and P&L on the removed part moves into
// realized P&L. Sides are part of the key, so reversing direction means
// shrinking one side to zero and growing the other.
//
// A new key takes its account type from the registry, falling back to
// instrument.Classify.
func (l *Ledger) UpdatePosition(exchange, inst string, side model.PositionSide, size, entryPrice decimal.Decimal, leverage *decimal.Decimal) error {
	if size.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeSize, size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.setPositionLocked(exchange, inst, side, size, entryPrice, leverage)
	return nil
}

func (l *Ledger) setPositionLocked(exchange, inst string, side model.PositionSide, size, price decimal.Decimal, leverage *decimal.Decimal) {
	key := model.PositionKey{Exchange: exchange, Instrument: inst, Side: side}
	now := l.nowFn()

	pos, ok := l.positions[key]
	if !ok {
		pos = &model.PositionEntry{
			Instrument:  inst,
			Exchange:    exchange,
			AccountType: l.registry.Resolve(key.InstrumentKey()),
			Side:        side,
			EntryPrice:  price,
		}
		l.positions[key] = pos
	}

	switch {
	case size.GreaterThan(pos.Size):
		added := size.Sub(pos.Size)
		notional := pos.Size.Mul(pos.EntryPrice).Add(added.Mul(price))
		pos.EntryPrice = notional.Div(size)
	case size.LessThan(pos.Size):
		removed := pos.Size.Sub(size)
		pnl := price.Sub(pos.EntryPrice).Mul(removed)
		if side == model.SideShort {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	}

	pos.Size = size
	if size.IsZero() {
		pos.UnrealizedPnL = decimal.Zero
	}
	if leverage != nil {
		lev := *leverage
		pos.Leverage = &lev
	}
	pos.Timestamp = now

	l.log.WithFields(logrus.Fields{
		"position":    key.String(),
		"size":        size.String(),
		"entry_price": pos.EntryPrice.String(),
	}).Debug("position updated")
}

// RecordFill applies an executed order to the ledger. A buy first reduces
// an existing short on the same venue instrument and adds any remainder to
// the long; a sell mirrors it. A non-nil leverage is set on every position
// the fill touches.
func (l *Ledger) RecordFill(exchange, inst string, side model.TradeSide, size, price decimal.Decimal, leverage *decimal.Decimal) error {
	if size.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeSize, size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	grow, shrink := model.SideLong, model.SideShort
	if side == model.Sell {
		grow, shrink = model.SideShort, model.SideLong
	}

	remaining := size
	oppKey := model.PositionKey{Exchange: exchange, Instrument: inst, Side: shrink}
	if opp, ok := l.positions[oppKey]; ok && opp.Size.IsPositive() {
		reduce := decimal.Min(remaining, opp.Size)
		l.setPositionLocked(exchange, inst, shrink, opp.Size.Sub(reduce), price, leverage)
		remaining = remaining.Sub(reduce)
	}
	if remaining.IsPositive() {
		current := decimal.Zero
		if pos, ok := l.positions[model.PositionKey{Exchange: exchange, Instrument: inst, Side: grow}]; ok {
			current = pos.Size
		}
		l.setPositionLocked(exchange, inst, grow, current.Add(remaining), price, leverage)
	}
	return nil
}

// Position returns a copy of one position.
func (l *Ledger) Position(key model.PositionKey) (model.PositionEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[key]
	if !ok {
		return model.PositionEntry{}, false
	}
	return copyPosition(p), true
}

// Positions returns copies of every position ordered by key.
func (l *Ledger) Positions() []model.PositionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.PositionEntry, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, copyPosition(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func copyPosition(p *model.PositionEntry) model.PositionEntry {
	c := *p
	if p.Leverage != nil {
		lev := *p.Leverage
		c.Leverage = &lev
	}
	return c
}

// NetPosition returns long minus short size over every position matching ref.
func (l *Ledger) NetPosition(ref model.InstrumentRef) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	net := decimal.Zero
	for key, p := range l.positions {
		if !ref.Matches(key.InstrumentKey()) {
			continue
		}
		net = net.Add(signedSize(p))
	}
	return net
}

// NetPositions returns long minus short size per venue instrument.
func (l *Ledger) NetPositions() map[model.InstrumentKey]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[model.InstrumentKey]decimal.Decimal)
	for key, p := range l.positions {
		ik := key.InstrumentKey()
		out[ik] = out[ik].Add(signedSize(p))
	}
	return out
}

func signedSize(p *model.PositionEntry) decimal.Decimal {
	if p.Side == model.SideShort {
		return p.Size.Neg()
	}
	return p.Size
}

// --- Funding ---

// RecordFundingPayment appends a funding payment to the history and adds
// it to every position on (exchange, instrument), long and short alike.
func (l *Ledger) RecordFundingPayment(exchange, inst string, payment, rate, positionSize decimal.Decimal) model.FundingPayment {
	l.mu.Lock()
	defer l.mu.Unlock()

	fp := model.FundingPayment{
		ID:           uuid.New().String(),
		Instrument:   inst,
		Exchange:     exchange,
		Payment:      payment,
		Rate:         rate,
		PositionSize: positionSize,
		Timestamp:    l.nowFn(),
	}
	l.funding = append(l.funding, fp)

	for _, side := range []model.PositionSide{model.SideLong, model.SideShort} {
		key := model.PositionKey{Exchange: exchange, Instrument: inst, Side: side}
		if p, ok := l.positions[key]; ok {
			p.FundingPayments = p.FundingPayments.Add(payment)
		}
	}

	l.log.WithFields(logrus.Fields{
		"exchange":   exchange,
		"instrument": inst,
		"payment":    payment.String(),
		"rate":       rate.String(),
	}).Info("funding payment recorded")
	return fp
}

// FundingHistory returns every funding payment in the order recorded.
func (l *Ledger) FundingHistory() []model.FundingPayment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.FundingPayment, len(l.funding))
	copy(out, l.funding)
	return out
}

// FundingPnL sums funding payments received in the last `days` days.
func (l *Ledger) FundingPnL(days int) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.fundingSinceLocked(l.nowFn().Add(-time.Duration(days) * 24 * time.Hour))
}

func (l *Ledger) fundingSinceLocked(cutoff time.Time) decimal.Decimal {
	sum := decimal.Zero
	for _, fp := range l.funding {
		if !fp.Timestamp.Before(cutoff) {
			sum = sum.Add(fp.Payment)
		}
	}
	return sum
}

// NormalizeFundingRate converts a rate quoted per interval into an hourly
// rate.
func NormalizeFundingRate(rate decimal.Decimal, intervalHours int) (decimal.Decimal, error) {
	if intervalHours <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidInterval, intervalHours)
	}
	return rate.Div(decimal.NewFromInt(int64(intervalHours))), nil
}

// --- Totals ---

// TotalBalance is every balance total plus every position's unrealized P&L
// plus all accumulated funding. It mixes cash, mark-to-market and accrual
// into one figure.
func (l *Ledger) TotalBalance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.totalBalanceLocked()
}

func (l *Ledger) totalBalanceLocked() decimal.Decimal {
	total := decimal.Zero
	for _, b := range l.balances {
		total = total.Add(b.Total)
	}
	for _, p := range l.positions {
		total = total.Add(p.UnrealizedPnL)
	}
	for _, fp := range l.funding {
		total = total.Add(fp.Payment)
	}
	return total
}

// TotalBalanceByType sums balance totals of one account type.
func (l *Ledger) TotalBalanceByType(accountType model.AccountType) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, b := range l.balances {
		if b.AccountType == accountType {
			total = total.Add(b.Total)
		}
	}
	return total
}

// Reset clears all state, including drawdown high-water marks.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[model.BalanceKey]*model.BalanceEntry)
	l.positions = make(map[model.PositionKey]*model.PositionEntry)
	l.funding = nil
	l.lastRisk = nil
	l.peakBalance = decimal.Zero
	l.maxDrawdown = decimal.Zero
	l.log.Warn("ledger reset")
}
