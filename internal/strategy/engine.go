// Package strategy scans arbitrage pairs for opportunities and drives each
// resulting position through open, monitor and close.
//
// One Engine runs one cycle at a time. OnTick is the only entry point the
// scheduler calls; it holds the engine mutex for the whole cycle so every
// decision in a cycle sees one consistent price snapshot. The emergency
// flag is checked once at the start of a cycle and never mid-cycle.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/hedging"
	"github.com/atmx/delta-engine/internal/ledger"
	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/metrics"
	"github.com/atmx/delta-engine/internal/model"
	"github.com/atmx/delta-engine/internal/risk"
	"github.com/atmx/delta-engine/internal/store"
)

// Event types published to the Publisher.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventHedgeExecuted  = "hedge_executed"
	EventEmergencyStop  = "emergency_stop"
)

var (
	// ErrCyclePanic wraps a panic recovered from a cycle.
	ErrCyclePanic = errors.New("strategy: cycle panicked")

	// ErrPositionsRemaining is returned by Shutdown when some legs could
	// not be closed.
	ErrPositionsRemaining = errors.New("strategy: positions remain open")
)

var bpsFactor = decimal.NewFromInt(10000)

// Publisher receives lifecycle events for push delivery.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

// Config holds the pairs to trade and the limits to trade them under.
type Config struct {
	Pairs                []model.ArbitragePair `mapstructure:"pairs"`
	Risk                 model.RiskParameters  `mapstructure:"risk"`
	FundingCacheTTL      time.Duration         `mapstructure:"funding_cache_ttl"`
	StatusLogInterval    time.Duration         `mapstructure:"status_log_interval"`
	EnableDynamicHedging bool                  `mapstructure:"enable_dynamic_hedging"`
}

// Status summarizes the engine for operators.
type Status struct {
	ActivePositions int                 `json:"active_positions"`
	TotalTrades     int                 `json:"total_trades"`
	TotalProfitBps  decimal.Decimal     `json:"total_profit_bps"`
	EmergencyStop   bool                `json:"emergency_stop"`
	Pairs           int                 `json:"pairs"`
	EnabledPairs    int                 `json:"enabled_pairs"`
	LastHeartbeat   time.Time           `json:"last_heartbeat"`
	Hedging         *hedging.Statistics `json:"hedging,omitempty"`
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// Engine is the opportunity scanner and position lifecycle controller.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	ledger    *ledger.Ledger
	hedger    *hedging.Evaluator
	venue     exchange.Venue
	validator *risk.Validator
	journal   store.Journal
	events    Publisher

	positions    map[string]*model.ActivePosition
	fundingCache map[model.InstrumentKey]cachedRate
	prices       map[model.InstrumentKey]decimal.Decimal

	emergency     atomic.Bool
	lastHeartbeat time.Time
	lastStatusLog time.Time
	lastSnapshot  time.Time
	totalTrades   int
	totalProfit   decimal.Decimal

	nowFn func() time.Time
	log   logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// WithLogger injects the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithJournal persists closed trades, hedges, funding and risk snapshots.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithEvents publishes lifecycle events.
func WithEvents(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// NewEngine creates an engine. hedger may be nil, which disables dynamic
// hedging regardless of cfg.
func NewEngine(cfg Config, l *ledger.Ledger, hedger *hedging.Evaluator, venue exchange.Venue, opts ...Option) *Engine {
	if cfg.FundingCacheTTL <= 0 {
		cfg.FundingCacheTTL = 5 * time.Minute
	}
	if cfg.StatusLogInterval <= 0 {
		cfg.StatusLogInterval = time.Minute
	}
	e := &Engine{
		cfg:          cfg,
		ledger:       l,
		hedger:       hedger,
		venue:        venue,
		validator:    risk.NewValidator(cfg.Risk.MaxTradeSize, cfg.Risk.MaxInventorySize, cfg.Risk.HeartbeatTimeout),
		positions:    make(map[string]*model.ActivePosition),
		fundingCache: make(map[model.InstrumentKey]cachedRate),
		prices:       make(map[model.InstrumentKey]decimal.Decimal),
		nowFn:        func() time.Time { return time.Now().UTC() },
		log:          logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastHeartbeat = e.nowFn()

	e.log.WithFields(logrus.Fields{
		"pairs":   len(cfg.Pairs),
		"hedging": e.hedgingEnabled(),
	}).Info("strategy engine initialized")
	return e
}

func (e *Engine) hedgingEnabled() bool {
	return e.cfg.EnableDynamicHedging && e.hedger != nil
}

// OnTick runs one full cycle. A cycle error or panic is systemic: it is
// logged, returned, and raises the emergency flag when the risk
// parameters enable it.
func (e *Engine) OnTick(ctx context.Context) (err error) {
	if e.emergency.Load() {
		e.log.Warn("emergency stop active, skipping tick")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, r)
		}
		if err != nil {
			e.handleCycleFailure(ctx, err)
		}
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	e.lastHeartbeat = e.nowFn()

	if err := e.monitorLocked(ctx); err != nil {
		return fmt.Errorf("monitor positions: %w", err)
	}
	prices := e.refreshLedgerLocked(ctx)
	if e.hedgingEnabled() {
		if err := e.hedgeLocked(ctx, prices); err != nil {
			return fmt.Errorf("hedging: %w", err)
		}
	}
	if err := e.scanLocked(ctx); err != nil {
		return fmt.Errorf("scan opportunities: %w", err)
	}
	e.updateRiskMetricsLocked(ctx, prices)
	return nil
}

func (e *Engine) handleCycleFailure(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.log.WithError(err).Warn("cycle interrupted")
		return
	}
	e.log.WithError(err).Error("cycle failed")
	if e.cfg.Risk.EmergencyStopEnabled {
		e.EmergencyStop(ctx, err.Error())
	}
}

// EmergencyStop raises the emergency flag. Later cycles are skipped until
// ClearEmergencyStop. When hedging is wired its rules are disabled and
// pending hedges cancelled. Returns false if the flag was already set.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) bool {
	if !e.emergency.CompareAndSwap(false, true) {
		return false
	}
	metrics.EmergencyStops.Inc()
	cancelled := 0
	if e.hedger != nil {
		cancelled = e.hedger.EmergencyStop(ctx)
	}
	e.log.WithFields(logrus.Fields{
		"reason":           reason,
		"hedges_cancelled": cancelled,
	}).Error("emergency stop raised")
	e.publish(EventEmergencyStop, map[string]interface{}{
		"reason":           reason,
		"hedges_cancelled": cancelled,
	})
	return true
}

// ClearEmergencyStop lowers the emergency flag and resumes hedging.
func (e *Engine) ClearEmergencyStop() {
	if !e.emergency.CompareAndSwap(true, false) {
		return
	}
	if e.hedger != nil {
		e.hedger.Resume()
	}
	e.log.Warn("emergency stop cleared")
}

// EmergencyStopped reports whether the emergency flag is set.
func (e *Engine) EmergencyStopped() bool {
	return e.emergency.Load()
}

// RefreshLedger syncs balances and prices into the ledger and returns the
// price snapshot.
func (e *Engine) RefreshLedger(ctx context.Context) map[model.InstrumentKey]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshLedgerLocked(ctx)
}

func (e *Engine) refreshLedgerLocked(ctx context.Context) map[model.InstrumentKey]decimal.Decimal {
	seen := make(map[model.BalanceKey]bool)
	keys := make(map[model.InstrumentKey]bool)

	for _, pair := range e.cfg.Pairs {
		for _, leg := range []model.InstrumentConfig{pair.LegA, pair.LegB} {
			keys[leg.Key()] = true

			bk := model.BalanceKey{Exchange: leg.Exchange, Asset: collateralAsset(leg), AccountType: accountType(leg)}
			if seen[bk] {
				continue
			}
			seen[bk] = true
			bal, err := e.venue.AvailableBalance(ctx, bk.Exchange, bk.Asset)
			if err != nil {
				e.log.WithError(err).WithField("balance", bk.String()).Debug("balance unavailable")
				continue
			}
			e.ledger.UpdateBalance(bk.Exchange, bk.Asset, bk.AccountType, bal, decimal.Zero)
		}
	}
	for _, p := range e.ledger.Positions() {
		keys[model.InstrumentKey{Exchange: p.Exchange, Instrument: p.Instrument}] = true
	}
	if e.hedger != nil {
		for _, r := range e.hedger.Rules() {
			if r.Hedge.Exchange != "" {
				keys[model.InstrumentKey{Exchange: r.Hedge.Exchange, Instrument: r.Hedge.Instrument}] = true
			}
		}
	}

	prices := make(map[model.InstrumentKey]decimal.Decimal, len(keys))
	for k := range keys {
		if mid, ok := e.midPrice(ctx, k); ok {
			prices[k] = mid
		}
	}
	e.ledger.CalculateUnrealizedPnL(prices)
	e.prices = prices
	return prices
}

func (e *Engine) hedgeLocked(ctx context.Context, prices map[model.InstrumentKey]decimal.Decimal) error {
	now := e.nowFn()
	for _, h := range e.hedger.EvaluateHedgingNeeds(prices) {
		log := e.log.WithFields(logrus.Fields{
			"hedge_id":   h.ID,
			"instrument": h.HedgeExchange + "_" + h.HedgeInstrument,
			"emergency":  h.Emergency,
		})
		if err := e.validator.CheckHedge(h.HedgeSize, h.Emergency, e.lastHeartbeat, now); err != nil {
			metrics.RiskRejections.WithLabelValues(risk.Reason(err)).Inc()
			log.WithError(err).Warn("hedge rejected by risk limits")
			continue
		}

		ok := e.hedger.ExecuteSingleHedge(ctx, h)
		if ok {
			if err := e.settleHedge(h, prices); err != nil {
				return err
			}
		}
		// An emergency stop can rewrite the status concurrently; read it
		// through the evaluator.
		snap := e.hedger.Snapshot(h)
		metrics.HedgesTotal.WithLabelValues(string(snap.Status)).Inc()
		if ok {
			e.publish(EventHedgeExecuted, snap)
		}
		e.journalHedge(ctx, &snap)
	}
	return nil
}

// legLeverage returns the leverage configured for the venue instrument on
// any pair leg, or nil.
func (e *Engine) legLeverage(key model.InstrumentKey) *decimal.Decimal {
	for _, pair := range e.cfg.Pairs {
		for _, leg := range []model.InstrumentConfig{pair.LegA, pair.LegB} {
			if leg.Key() == key && leg.Leverage != nil {
				return leg.Leverage
			}
		}
	}
	return nil
}

// settleHedge writes a placed hedge back to the ledger at the snapshot mid
// and reports its fill to the evaluator.
func (e *Engine) settleHedge(h *model.HedgeExecution, prices map[model.InstrumentKey]decimal.Decimal) error {
	key := model.InstrumentKey{Exchange: h.HedgeExchange, Instrument: h.HedgeInstrument}
	fill, ok := prices[key]
	if !ok {
		if h.LimitPrice == nil {
			e.log.WithField("hedge_id", h.ID).Warn("no price to settle hedge, leaving it pending")
			return nil
		}
		fill = *h.LimitPrice
	}
	expected := fill
	if h.LimitPrice != nil {
		expected = *h.LimitPrice
	}
	slippage := decimal.Zero
	if expected.IsPositive() {
		slippage = fill.Sub(expected).Abs().Div(expected).Mul(bpsFactor)
	}

	if err := e.ledger.RecordFill(h.HedgeExchange, h.HedgeInstrument, h.HedgeSide, h.HedgeSize, fill, e.legLeverage(key)); err != nil {
		return fmt.Errorf("record hedge fill %s: %w", h.ID, err)
	}
	e.hedger.UpdateHedgePerformance(h.OrderID, fill, slippage)
	return nil
}

// UpdateRiskMetrics recomputes the ledger risk snapshot, exports it and
// logs a periodic status line.
func (e *Engine) UpdateRiskMetrics(ctx context.Context) model.RiskMetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateRiskMetricsLocked(ctx, e.prices)
}

func (e *Engine) updateRiskMetricsLocked(ctx context.Context, prices map[model.InstrumentKey]decimal.Decimal) model.RiskMetricsSnapshot {
	snap := e.ledger.CalculateRiskMetrics(prices)

	metrics.SetDecimal(metrics.PortfolioDelta, snap.PortfolioDelta)
	metrics.SetDecimal(metrics.TotalBalance, snap.TotalBalance)
	metrics.SetDecimal(metrics.CurrentDrawdown, snap.CurrentDrawdown)
	metrics.SetDecimal(metrics.MaxMarginUtilization, snap.MaxMarginUtilization)
	metrics.ActivePositions.Set(float64(len(e.positions)))

	if e.journal != nil && !snap.ComputedAt.Equal(e.lastSnapshot) {
		if err := e.journal.SaveRiskSnapshot(ctx, &snap); err != nil {
			e.log.WithError(err).Warn("journal risk snapshot failed")
		}
	}
	e.lastSnapshot = snap.ComputedAt

	now := e.nowFn()
	if now.Sub(e.lastStatusLog) >= e.cfg.StatusLogInterval {
		e.lastStatusLog = now
		e.log.WithFields(logrus.Fields{
			"active_positions": len(e.positions),
			"total_balance":    snap.TotalBalance.String(),
			"portfolio_delta":  snap.PortfolioDelta.String(),
			"drawdown":         snap.CurrentDrawdown.String(),
			"total_trades":     e.totalTrades,
			"total_profit_bps": e.totalProfit.String(),
		}).Info("status")
	}
	return snap
}

// RecordFundingPayment applies a funding settlement to the ledger and
// journals it.
func (e *Engine) RecordFundingPayment(ctx context.Context, exchangeName, inst string, payment, rate, positionSize decimal.Decimal) model.FundingPayment {
	fp := e.ledger.RecordFundingPayment(exchangeName, inst, payment, rate, positionSize)
	if e.journal != nil {
		if err := e.journal.InsertFundingPayment(ctx, &fp); err != nil {
			e.log.WithError(err).WithField("funding_id", fp.ID).Warn("journal funding payment failed")
		}
	}
	return fp
}

// Status returns a snapshot of engine counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	enabled := 0
	for _, p := range e.cfg.Pairs {
		if p.Enabled {
			enabled++
		}
	}
	st := Status{
		ActivePositions: len(e.positions),
		TotalTrades:     e.totalTrades,
		TotalProfitBps:  e.totalProfit,
		EmergencyStop:   e.emergency.Load(),
		Pairs:           len(e.cfg.Pairs),
		EnabledPairs:    enabled,
		LastHeartbeat:   e.lastHeartbeat,
	}
	if e.hedger != nil {
		hs := e.hedger.Statistics()
		st.Hedging = &hs
	}
	return st
}

// ActivePositions returns copies of the open positions ordered by open time.
func (e *Engine) ActivePositions() []model.ActivePosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.ActivePosition, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Shutdown closes every open position. Positions whose legs cannot be
// closed stay open and are reported through ErrPositionsRemaining.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.positionIDs() {
		if err := e.closePosition(ctx, e.positions[id], ReasonShutdown); err != nil {
			return err
		}
	}
	if n := len(e.positions); n > 0 {
		return fmt.Errorf("%w: %d", ErrPositionsRemaining, n)
	}
	e.log.Info("strategy engine shut down")
	return nil
}

func (e *Engine) positionIDs() []string {
	ids := make([]string, 0, len(e.positions))
	for id := range e.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) midPrice(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, bool) {
	mid, err := e.venue.MidPrice(ctx, key)
	if err != nil {
		e.log.WithError(err).WithField("instrument", key.String()).Debug("mid price unavailable")
		return decimal.Zero, false
	}
	return mid, true
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.events != nil {
		e.events.Publish(eventType, payload)
	}
}

func (e *Engine) journalHedge(ctx context.Context, h *model.HedgeExecution) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveHedge(ctx, h); err != nil {
		e.log.WithError(err).WithField("hedge_id", h.ID).Warn("journal hedge failed")
	}
}
