// Package hedging turns position imbalances into prioritized corrective
// trades.
//
// Each cycle the evaluator first checks the whole-portfolio delta against
// the emergency threshold, then walks the configured rules. A rule keeps
// its hedge leg at hedge_ratio × the primary leg's net position, so a
// short hedge against a long primary uses a negative ratio. Drift
// smaller than min_hedge_size, or smaller than threshold_bps of the
// primary notional, is ignored. The evaluator only reads positions.
// Corrective trades go out through the same order placer as arbitrage
// trades and come back to the ledger as fills.
package hedging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/model"
)

// PortfolioInstrument is the primary instrument recorded on emergency hedges.
const PortfolioInstrument = "PORTFOLIO"

var (
	ErrHedgeExchangeRequired = errors.New("hedging: hedge leg must name an exchange")
	ErrInvalidRatio          = errors.New("hedging: hedge ratio must be non-zero")
	ErrRuleNotFound          = errors.New("hedging: rule not found")
)

var (
	bpsFactor = decimal.NewFromInt(10000)
	half      = decimal.NewFromFloat(0.5)
)

// Book is the read-only view of positions the evaluator needs.
type Book interface {
	NetPosition(ref model.InstrumentRef) decimal.Decimal
	NetPositions() map[model.InstrumentKey]decimal.Decimal
	CalculatePortfolioDelta(prices map[model.InstrumentKey]decimal.Decimal) decimal.Decimal
}

// Config holds the emergency path parameters.
type Config struct {
	EmergencyHedgeThreshold decimal.Decimal `mapstructure:"emergency_hedge_threshold"`
	MaxSingleHedgeSize      decimal.Decimal `mapstructure:"max_single_hedge_size"`
}

// DefaultConfig returns the default emergency parameters.
func DefaultConfig() Config {
	return Config{
		EmergencyHedgeThreshold: decimal.NewFromInt(100),
		MaxSingleHedgeSize:      decimal.NewFromInt(10),
	}
}

type pairKey struct {
	primary model.InstrumentRef
	hedge   model.InstrumentRef
}

func ruleKey(r model.HedgingRule) pairKey {
	return pairKey{primary: r.Primary, hedge: r.Hedge}
}

// Statistics summarizes hedge activity.
type Statistics struct {
	TotalExecuted      int             `json:"total_hedges_executed"`
	TotalFailed        int             `json:"total_hedges_failed"`
	Pending            int             `json:"pending_hedges"`
	FilledHedges       int             `json:"filled_hedges"`
	AverageSlippageBps decimal.Decimal `json:"average_slippage_bps"`
	Rules              int             `json:"rules"`
	EnabledRules       int             `json:"enabled_rules"`
	Stopped            bool            `json:"stopped"`
}

// Evaluator owns hedging rules and hedge executions.
type Evaluator struct {
	mu      sync.Mutex
	book    Book
	placer  exchange.OrderPlacer
	cfg     Config
	rules   []model.HedgingRule
	index   map[pairKey]int
	pending map[string]*model.HedgeExecution // order id → execution
	history []*model.HedgeExecution

	executed    int
	failed      int
	filled      int
	avgSlippage decimal.Decimal

	stopped        bool
	disabledByStop map[pairKey]bool

	nowFn func() time.Time
	log   logrus.FieldLogger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.nowFn = now }
}

// WithLogger injects the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Evaluator) { e.log = log }
}

// NewEvaluator creates an evaluator reading positions from book and
// placing orders through placer.
func NewEvaluator(book Book, placer exchange.OrderPlacer, cfg Config, opts ...Option) *Evaluator {
	e := &Evaluator{
		book:           book,
		placer:         placer,
		cfg:            cfg,
		index:          make(map[pairKey]int),
		pending:        make(map[string]*model.HedgeExecution),
		disabledByStop: make(map[pairKey]bool),
		nowFn:          func() time.Time { return time.Now().UTC() },
		log:            logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// --- Rules ---

// AddRule adds a rule, or overwrites the rule with the same
// (primary, hedge) pair in place.
func (e *Evaluator) AddRule(rule model.HedgingRule) error {
	if rule.Hedge.Exchange == "" {
		return fmt.Errorf("%w: %s", ErrHedgeExchangeRequired, rule.Hedge.Instrument)
	}
	if rule.HedgeRatio.IsZero() {
		return fmt.Errorf("%w: %s", ErrInvalidRatio, rule.HedgeRatio)
	}
	if rule.Mode == "" {
		rule.Mode = model.HedgeImmediate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := ruleKey(rule)
	if i, ok := e.index[key]; ok {
		e.rules[i] = rule
	} else {
		e.index[key] = len(e.rules)
		e.rules = append(e.rules, rule)
	}

	e.log.WithFields(logrus.Fields{
		"primary":   rule.Primary.String(),
		"hedge":     rule.Hedge.String(),
		"ratio":     rule.HedgeRatio.String(),
		"threshold": rule.ThresholdBps.String(),
		"priority":  rule.Priority,
	}).Info("hedging rule set")
	return nil
}

// RemoveRule deletes the rule for (primary, hedge).
func (e *Evaluator) RemoveRule(primary, hedge model.InstrumentRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pairKey{primary: primary, hedge: hedge}
	i, ok := e.index[key]
	if !ok {
		return ErrRuleNotFound
	}
	e.rules = append(e.rules[:i], e.rules[i+1:]...)
	delete(e.index, key)
	delete(e.disabledByStop, key)
	for j := i; j < len(e.rules); j++ {
		e.index[ruleKey(e.rules[j])] = j
	}
	return nil
}

// Rules returns the rules in insertion order.
func (e *Evaluator) Rules() []model.HedgingRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.HedgingRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// --- Evaluation ---

// EvaluateHedgingNeeds returns the hedges required under prices: the
// emergency hedge first when the portfolio delta breaches the threshold,
// then rule hedges in ascending priority. Nothing is returned after an
// emergency stop.
func (e *Evaluator) EvaluateHedgingNeeds(prices map[model.InstrumentKey]decimal.Decimal) []*model.HedgeExecution {
	e.mu.Lock()
	stopped := e.stopped
	rules := make([]model.HedgingRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	if stopped {
		return nil
	}

	var out []*model.HedgeExecution

	delta := e.book.CalculatePortfolioDelta(prices)
	if eh := e.CalculateEmergencyHedge(delta, prices); eh != nil {
		out = append(out, eh)
	}

	type ranked struct {
		priority int
		exec     *model.HedgeExecution
	}
	var ruleHedges []ranked
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if exec := e.evaluateRule(rule, prices); exec != nil {
			ruleHedges = append(ruleHedges, ranked{priority: rule.Priority, exec: exec})
		}
	}
	sort.SliceStable(ruleHedges, func(i, j int) bool {
		return ruleHedges[i].priority < ruleHedges[j].priority
	})
	for _, r := range ruleHedges {
		out = append(out, r.exec)
	}
	return out
}

func (e *Evaluator) evaluateRule(rule model.HedgingRule, prices map[model.InstrumentKey]decimal.Decimal) *model.HedgeExecution {
	log := e.log.WithFields(logrus.Fields{
		"primary": rule.Primary.String(),
		"hedge":   rule.Hedge.String(),
	})

	// 1-3. Net positions and imbalance.
	primaryNet := e.book.NetPosition(rule.Primary)
	hedgeNet := e.book.NetPosition(rule.Hedge)
	ideal := primaryNet.Mul(rule.HedgeRatio)
	imbalance := ideal.Sub(hedgeNet)
	size := imbalance.Abs()

	// 4. Dead zone.
	if size.IsZero() || size.LessThan(rule.MinHedgeSize) {
		return nil
	}

	// 5. Imbalance in bps of primary notional.
	hedgePrice, ok := lookupPrice(rule.Hedge, prices)
	if !ok {
		log.Debug("no hedge price, skipping rule")
		return nil
	}
	primaryPrice, ok := lookupPrice(rule.Primary, prices)
	if !ok {
		log.Debug("no primary price, skipping rule")
		return nil
	}
	primaryNotional := primaryNet.Abs().Mul(primaryPrice)
	if primaryNotional.IsPositive() {
		bps := size.Mul(hedgePrice).Div(primaryNotional).Mul(bpsFactor)
		if bps.LessThan(rule.ThresholdBps) {
			return nil
		}
	}

	// 6. Emit.
	if rule.MaxHedgeSize.IsPositive() {
		size = decimal.Min(size, rule.MaxHedgeSize)
	}
	side := model.Buy
	if imbalance.IsNegative() {
		side = model.Sell
	}

	exec := &model.HedgeExecution{
		ID:                uuid.New().String(),
		PrimaryInstrument: rule.Primary.String(),
		HedgeExchange:     rule.Hedge.Exchange,
		HedgeInstrument:   rule.Hedge.Instrument,
		HedgeSize:         size,
		HedgeSide:         side,
		OrderType:         model.OrderLimit,
		Status:            model.HedgePending,
		Timestamp:         e.nowFn(),
	}
	if rule.Mode == model.HedgeAggressive {
		exec.OrderType = model.OrderMarket
	} else {
		limit := hedgePrice
		exec.LimitPrice = &limit
	}

	log.WithFields(logrus.Fields{
		"imbalance": imbalance.String(),
		"size":      size.String(),
		"side":      side,
	}).Info("hedge required")
	return exec
}

// CalculateEmergencyHedge returns a market hedge against the instrument
// carrying the largest priced notional when |delta| exceeds the emergency
// threshold, or nil. Size is half the delta capped at the maximum single
// hedge size; the side opposes the delta.
func (e *Evaluator) CalculateEmergencyHedge(delta decimal.Decimal, prices map[model.InstrumentKey]decimal.Decimal) *model.HedgeExecution {
	if !delta.Abs().GreaterThan(e.cfg.EmergencyHedgeThreshold) {
		return nil
	}

	nets := e.book.NetPositions()
	keys := make([]model.InstrumentKey, 0, len(nets))
	for k := range nets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var target model.InstrumentKey
	var targetPrice decimal.Decimal
	best := decimal.Zero
	for _, k := range keys {
		price, ok := prices[k]
		if !ok {
			continue
		}
		notional := nets[k].Abs().Mul(price)
		if notional.GreaterThan(best) {
			best, target, targetPrice = notional, k, price
		}
	}
	if !best.IsPositive() {
		e.log.WithField("delta", delta.String()).Warn("emergency hedge needed but no priced target")
		return nil
	}

	size := delta.Abs().Mul(half)
	if e.cfg.MaxSingleHedgeSize.IsPositive() {
		size = decimal.Min(size, e.cfg.MaxSingleHedgeSize)
	}
	side := model.Sell
	if delta.IsNegative() {
		side = model.Buy
	}

	e.log.WithFields(logrus.Fields{
		"delta":  delta.String(),
		"target": target.String(),
		"price":  targetPrice.String(),
		"size":   size.String(),
		"side":   side,
	}).Warn("emergency hedge required")

	return &model.HedgeExecution{
		ID:                uuid.New().String(),
		PrimaryInstrument: PortfolioInstrument,
		HedgeExchange:     target.Exchange,
		HedgeInstrument:   target.Instrument,
		HedgeSize:         size,
		HedgeSide:         side,
		OrderType:         model.OrderMarket,
		Status:            model.HedgePending,
		Emergency:         true,
		Timestamp:         e.nowFn(),
	}
}

// lookupPrice resolves a price for ref. A venue-less ref takes the first
// venue in name order that has a price.
func lookupPrice(ref model.InstrumentRef, prices map[model.InstrumentKey]decimal.Decimal) (decimal.Decimal, bool) {
	if ref.Exchange != "" {
		p, ok := prices[model.InstrumentKey{Exchange: ref.Exchange, Instrument: ref.Instrument}]
		return p, ok
	}
	var found bool
	var bestEx string
	var price decimal.Decimal
	for k, p := range prices {
		if k.Instrument != ref.Instrument {
			continue
		}
		if !found || k.Exchange < bestEx {
			found, bestEx, price = true, k.Exchange, p
		}
	}
	return price, found
}
