// Package model defines the core domain types shared across the delta engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies where a balance or position lives on a venue.
type AccountType string

const (
	AccountSpot      AccountType = "spot"
	AccountMargin    AccountType = "margin"
	AccountFutures   AccountType = "futures"
	AccountPerpetual AccountType = "perpetual"
)

// PositionSide is the direction of a ledger position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TradeSide is the direction of an order.
type TradeSide string

const (
	Buy  TradeSide = "buy"
	Sell TradeSide = "sell"
)

// Opposite returns the other side.
func (s TradeSide) Opposite() TradeSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// InstrumentType is the product type of a tradable leg.
type InstrumentType string

const (
	InstrumentSpot      InstrumentType = "spot"
	InstrumentPerpetual InstrumentType = "perpetual"
	InstrumentFutures   InstrumentType = "futures"
)

// ArbitrageMode selects how a pair is scanned.
type ArbitrageMode string

const (
	ModeFundingRate    ArbitrageMode = "funding_rate"
	ModePriceSpread    ArbitrageMode = "price_spread"
	ModeBasisArbitrage ArbitrageMode = "basis_arbitrage"
)

// HedgingMode selects how a rule hedge is executed.
type HedgingMode string

const (
	HedgeImmediate  HedgingMode = "immediate"
	HedgeGradual    HedgingMode = "gradual"
	HedgeAggressive HedgingMode = "aggressive"
	HedgePassive    HedgingMode = "passive"
)

// HedgeStatus is the lifecycle state of a HedgeExecution.
type HedgeStatus string

const (
	HedgePending   HedgeStatus = "pending"
	HedgeExecuted  HedgeStatus = "executed"
	HedgeFailed    HedgeStatus = "failed"
	HedgeCancelled HedgeStatus = "cancelled"
)

// PositionStatus is the lifecycle state of an arbitrage position.
type PositionStatus string

const (
	StatusOpening       PositionStatus = "opening"
	StatusOpened        PositionStatus = "opened"
	StatusPartiallyOpen PositionStatus = "partially_open"
	StatusClosing       PositionStatus = "closing"
	StatusClosed        PositionStatus = "closed"
)

// InstrumentKey identifies an instrument on one venue.
type InstrumentKey struct {
	Exchange   string `json:"exchange"`
	Instrument string `json:"instrument"`
}

func (k InstrumentKey) String() string { return k.Exchange + "_" + k.Instrument }

// PositionKey identifies one side of an instrument on one venue.
type PositionKey struct {
	Exchange   string       `json:"exchange"`
	Instrument string       `json:"instrument"`
	Side       PositionSide `json:"side"`
}

func (k PositionKey) String() string {
	return k.Exchange + "_" + k.Instrument + "_" + string(k.Side)
}

// InstrumentKey drops the side.
func (k PositionKey) InstrumentKey() InstrumentKey {
	return InstrumentKey{Exchange: k.Exchange, Instrument: k.Instrument}
}

// BalanceKey identifies one asset in one account on one venue.
type BalanceKey struct {
	Exchange    string      `json:"exchange"`
	Asset       string      `json:"asset"`
	AccountType AccountType `json:"account_type"`
}

func (k BalanceKey) String() string {
	return k.Exchange + "_" + k.Asset + "_" + string(k.AccountType)
}

// InstrumentRef names an instrument, optionally pinned to one venue.
// An empty Exchange matches the instrument on every venue.
type InstrumentRef struct {
	Exchange   string `json:"exchange,omitempty" mapstructure:"exchange"`
	Instrument string `json:"instrument" mapstructure:"instrument"`
}

// Matches reports whether the key falls under this reference.
func (r InstrumentRef) Matches(k InstrumentKey) bool {
	if r.Instrument != k.Instrument {
		return false
	}
	return r.Exchange == "" || r.Exchange == k.Exchange
}

func (r InstrumentRef) String() string {
	if r.Exchange == "" {
		return r.Instrument
	}
	return r.Exchange + "_" + r.Instrument
}

// BalanceEntry is the latest known balance of one asset in one account.
type BalanceEntry struct {
	Asset       string          `json:"asset"`
	Exchange    string          `json:"exchange"`
	AccountType AccountType     `json:"account_type"`
	Available   decimal.Decimal `json:"available"`
	Locked      decimal.Decimal `json:"locked"`
	Total       decimal.Decimal `json:"total"` // available + locked
	LastUpdated time.Time       `json:"last_updated"`
}

// PositionEntry is a ledger position. Size is never negative; direction
// lives in Side.
type PositionEntry struct {
	Instrument      string           `json:"instrument"`
	Exchange        string           `json:"exchange"`
	AccountType     AccountType      `json:"account_type"`
	Size            decimal.Decimal  `json:"size"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	Side            PositionSide     `json:"side"`
	Leverage        *decimal.Decimal `json:"leverage,omitempty"`
	FundingPayments decimal.Decimal  `json:"funding_payments"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealized_pnl"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Key returns the ledger key of the position.
func (p PositionEntry) Key() PositionKey {
	return PositionKey{Exchange: p.Exchange, Instrument: p.Instrument, Side: p.Side}
}

// FundingPayment is an immutable record of one funding settlement.
// Positive payment is income.
type FundingPayment struct {
	ID           string          `json:"id" db:"id"`
	Instrument   string          `json:"instrument" db:"instrument"`
	Exchange     string          `json:"exchange" db:"exchange"`
	Payment      decimal.Decimal `json:"payment" db:"payment"`
	Rate         decimal.Decimal `json:"rate" db:"rate"`
	PositionSize decimal.Decimal `json:"position_size" db:"position_size"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// RiskMetricsSnapshot is a point-in-time view of portfolio risk.
type RiskMetricsSnapshot struct {
	TotalBalance         decimal.Decimal            `json:"total_balance"`
	PortfolioDelta       decimal.Decimal            `json:"portfolio_delta"`
	DeltaRatio           decimal.Decimal            `json:"delta_ratio"`
	MaxMarginUtilization decimal.Decimal            `json:"max_margin_utilization"`
	MarginUtilization    map[string]decimal.Decimal `json:"margin_utilization"` // exchange → ratio
	TotalUnrealizedPnL   decimal.Decimal            `json:"total_unrealized_pnl"`
	DailyFundingPnL      decimal.Decimal            `json:"daily_funding_pnl"`
	WeeklyFundingPnL     decimal.Decimal            `json:"weekly_funding_pnl"`
	CurrentDrawdown      decimal.Decimal            `json:"current_drawdown"`
	MaxDrawdown          decimal.Decimal            `json:"max_drawdown"`
	PeakBalance          decimal.Decimal            `json:"peak_balance"`
	ComputedAt           time.Time                  `json:"computed_at"`
}

// PerformanceReport is an export of ledger state for operators.
type PerformanceReport struct {
	BalancesByType     map[AccountType]decimal.Decimal `json:"balances_by_type"`
	TotalBalance       decimal.Decimal                 `json:"total_balance"`
	FundingPnL1d       decimal.Decimal                 `json:"funding_pnl_1d"`
	FundingPnL7d       decimal.Decimal                 `json:"funding_pnl_7d"`
	FundingPnL30d      decimal.Decimal                 `json:"funding_pnl_30d"`
	TotalUnrealizedPnL decimal.Decimal                 `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal                 `json:"total_realized_pnl"`
	Positions          int                             `json:"positions"`
	FundingPayments    int                             `json:"funding_payments"`
	Risk               *RiskMetricsSnapshot            `json:"risk,omitempty"`
	GeneratedAt        time.Time                       `json:"generated_at"`
}

// HedgingRule keeps a hedge leg at hedge_ratio × the primary leg's net position.
type HedgingRule struct {
	Primary      InstrumentRef   `json:"primary" mapstructure:"primary"`
	Hedge        InstrumentRef   `json:"hedge" mapstructure:"hedge"`
	HedgeRatio   decimal.Decimal `json:"hedge_ratio" mapstructure:"hedge_ratio"`
	ThresholdBps decimal.Decimal `json:"threshold_bps" mapstructure:"threshold_bps"`
	MaxHedgeSize decimal.Decimal `json:"max_hedge_size" mapstructure:"max_hedge_size"`
	MinHedgeSize decimal.Decimal `json:"min_hedge_size" mapstructure:"min_hedge_size"`
	Mode         HedgingMode     `json:"mode" mapstructure:"mode"`
	Priority     int             `json:"priority" mapstructure:"priority"`
	Enabled      bool            `json:"enabled" mapstructure:"enabled"`
}

// HedgeExecution is a proposed or executed corrective trade.
type HedgeExecution struct {
	ID                string           `json:"id" db:"id"`
	PrimaryInstrument string           `json:"primary_instrument" db:"primary_instrument"`
	HedgeExchange     string           `json:"hedge_exchange" db:"hedge_exchange"`
	HedgeInstrument   string           `json:"hedge_instrument" db:"hedge_instrument"`
	HedgeSize         decimal.Decimal  `json:"hedge_size" db:"hedge_size"`
	HedgeSide         TradeSide        `json:"hedge_side" db:"hedge_side"`
	OrderType         OrderType        `json:"order_type" db:"order_type"`
	LimitPrice        *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	ExecutionPrice    *decimal.Decimal `json:"execution_price,omitempty" db:"execution_price"`
	Status            HedgeStatus      `json:"status" db:"status"`
	OrderID           string           `json:"order_id,omitempty" db:"order_id"`
	SlippageBps       *decimal.Decimal `json:"slippage_bps,omitempty" db:"slippage_bps"`
	Emergency         bool             `json:"emergency" db:"emergency"`
	Error             string           `json:"error,omitempty" db:"error"`
	Timestamp         time.Time        `json:"timestamp" db:"timestamp"`
}

// InstrumentConfig describes one tradable leg.
type InstrumentConfig struct {
	Symbol         string           `json:"symbol" mapstructure:"symbol"`
	Exchange       string           `json:"exchange" mapstructure:"exchange"`
	InstrumentType InstrumentType   `json:"instrument_type" mapstructure:"instrument_type"`
	TradingPair    string           `json:"trading_pair" mapstructure:"trading_pair"`
	MinTradeSize   decimal.Decimal  `json:"min_trade_size" mapstructure:"min_trade_size"`
	MaxTradeSize   decimal.Decimal  `json:"max_trade_size" mapstructure:"max_trade_size"`
	TickSize       decimal.Decimal  `json:"tick_size" mapstructure:"tick_size"`
	Leverage       *decimal.Decimal `json:"leverage,omitempty" mapstructure:"leverage"`
	ExpiryDate     *time.Time       `json:"expiry_date,omitempty" mapstructure:"expiry_date"`
	QuoteAsset     string           `json:"quote_asset" mapstructure:"quote_asset"`
}

// Key returns the instrument key of the leg.
func (c InstrumentConfig) Key() InstrumentKey {
	return InstrumentKey{Exchange: c.Exchange, Instrument: c.TradingPair}
}

// String is the leg label used in position ids and logs.
func (c InstrumentConfig) String() string { return c.Exchange + "_" + c.TradingPair }

// ArbitragePair is a configured pair of legs and how to scan them.
type ArbitragePair struct {
	LegA               InstrumentConfig `json:"leg_a" mapstructure:"leg_a"`
	LegB               InstrumentConfig `json:"leg_b" mapstructure:"leg_b"`
	Mode               ArbitrageMode    `json:"mode" mapstructure:"mode"`
	MinProfitThreshold decimal.Decimal  `json:"min_profit_threshold" mapstructure:"min_profit_threshold"` // bps
	MaxInventoryRatio  decimal.Decimal  `json:"max_inventory_ratio" mapstructure:"max_inventory_ratio"`
	Enabled            bool             `json:"enabled" mapstructure:"enabled"`
}

func (p ArbitragePair) String() string { return p.LegA.String() + "/" + p.LegB.String() }

// RiskParameters bound the scanner and lifecycle controller.
type RiskParameters struct {
	MaxInventorySize     decimal.Decimal `json:"max_inventory_size" mapstructure:"max_inventory_size"`
	MaxTradeSize         decimal.Decimal `json:"max_trade_size" mapstructure:"max_trade_size"`
	MinProfitBps         decimal.Decimal `json:"min_profit_bps" mapstructure:"min_profit_bps"`
	MaxProfitBps         decimal.Decimal `json:"max_profit_bps" mapstructure:"max_profit_bps"`
	StopLossBps          decimal.Decimal `json:"stop_loss_bps" mapstructure:"stop_loss_bps"`
	TakeProfitBps        decimal.Decimal `json:"take_profit_bps" mapstructure:"take_profit_bps"` // 0 disables
	HeartbeatTimeout     time.Duration   `json:"heartbeat_timeout" mapstructure:"heartbeat_timeout"`
	MaxPositionAge       time.Duration   `json:"max_position_age" mapstructure:"max_position_age"`
	EmergencyStopEnabled bool            `json:"emergency_stop_enabled" mapstructure:"emergency_stop_enabled"`
}

// ActivePosition is an open arbitrage position tracked by the lifecycle
// controller.
type ActivePosition struct {
	ID              string           `json:"id"`
	Pair            ArbitragePair    `json:"pair"`
	LongLeg         InstrumentConfig `json:"long_leg"`
	ShortLeg        InstrumentConfig `json:"short_leg"`
	TradeSize       decimal.Decimal  `json:"trade_size"`
	ExpectedProfit  decimal.Decimal  `json:"expected_profit"` // bps
	LongOrderID     string           `json:"long_order_id"`
	ShortOrderID    string           `json:"short_order_id,omitempty"`
	EntryLongPrice  decimal.Decimal  `json:"entry_long_price"`
	EntryShortPrice decimal.Decimal  `json:"entry_short_price"`
	LongOpen        bool             `json:"long_open"`
	ShortOpen       bool             `json:"short_open"`
	OpenedAt        time.Time        `json:"opened_at"`
	Status          PositionStatus   `json:"status"`
	ClosePnLBps     *decimal.Decimal `json:"close_pnl_bps,omitempty"` // fixed at the first close attempt
}

// TradeRecord is an immutable journal entry of a closed arbitrage position.
type TradeRecord struct {
	ID                string          `json:"id" db:"id"`
	PositionID        string          `json:"position_id" db:"position_id"`
	Mode              ArbitrageMode   `json:"mode" db:"mode"`
	LongExchange      string          `json:"long_exchange" db:"long_exchange"`
	LongInstrument    string          `json:"long_instrument" db:"long_instrument"`
	ShortExchange     string          `json:"short_exchange" db:"short_exchange"`
	ShortInstrument   string          `json:"short_instrument" db:"short_instrument"`
	Size              decimal.Decimal `json:"size" db:"size"`
	ExpectedProfitBps decimal.Decimal `json:"expected_profit_bps" db:"expected_profit_bps"`
	RealizedPnLBps    decimal.Decimal `json:"realized_pnl_bps" db:"realized_pnl_bps"`
	OpenedAt          time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt          time.Time       `json:"closed_at" db:"closed_at"`
	Reason            string          `json:"reason" db:"reason"`
}
