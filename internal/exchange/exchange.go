// Package exchange defines the connector ports the engine consumes and
// ships two implementations: an in-memory paper venue and a guarded
// adapter that rate-limits calls and trips a circuit breaker on failing
// order placement.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/delta-engine/internal/model"
)

var (
	// ErrPriceUnavailable is returned when a venue has no price for an instrument.
	ErrPriceUnavailable = errors.New("exchange: price unavailable")

	// ErrFundingUnavailable is returned when a venue has no funding rate.
	ErrFundingUnavailable = errors.New("exchange: funding rate unavailable")

	// ErrOrderRejected is returned when a venue refuses an order.
	ErrOrderRejected = errors.New("exchange: order rejected")

	// ErrOrderNotFound is returned when cancelling an unknown order.
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// OrderRequest is a venue-neutral order.
type OrderRequest struct {
	Exchange   string           `json:"exchange"`
	Instrument string           `json:"instrument"`
	Side       model.TradeSide  `json:"side"`
	Type       model.OrderType  `json:"type"`
	Amount     decimal.Decimal  `json:"amount"`
	Price      *decimal.Decimal `json:"price,omitempty"` // limit orders only
}

// Key returns the instrument key of the order.
func (r OrderRequest) Key() model.InstrumentKey {
	return model.InstrumentKey{Exchange: r.Exchange, Instrument: r.Instrument}
}

// PriceFeed supplies market prices.
type PriceFeed interface {
	MidPrice(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, error)
	BestBidAsk(ctx context.Context, key model.InstrumentKey) (bid, ask decimal.Decimal, err error)
}

// FundingFeed supplies perpetual funding rates. Rates change infrequently;
// callers are expected to cache them.
type FundingFeed interface {
	FundingRate(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, error)
}

// BalanceFeed supplies available balances.
type BalanceFeed interface {
	AvailableBalance(ctx context.Context, exchange, asset string) (decimal.Decimal, error)
}

// OrderPlacer submits orders and returns the venue order id.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
}

// OrderCanceller is implemented by placers that can cancel resting orders.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, exchange, orderID string) error
}

// Venue is everything the engine needs from the outside world.
type Venue interface {
	PriceFeed
	FundingFeed
	BalanceFeed
	OrderPlacer
}
