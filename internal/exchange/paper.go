package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/delta-engine/internal/model"
)

// PaperOrder is an order accepted by the paper venue.
type PaperOrder struct {
	ID        string          `json:"id"`
	Request   OrderRequest    `json:"request"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Cancelled bool            `json:"cancelled"`
	CreatedAt time.Time       `json:"created_at"`
}

type quote struct {
	bid, ask decimal.Decimal
}

// Paper is an in-memory venue. Prices, funding rates and balances are set
// by the host; orders fill immediately at the mid (market) or the limit
// price and are kept in an order log. Used for dry runs and tests.
type Paper struct {
	mu        sync.RWMutex
	quotes    map[model.InstrumentKey]quote
	funding   map[model.InstrumentKey]decimal.Decimal
	balances  map[string]map[string]decimal.Decimal // exchange → asset → amount
	orders    []*PaperOrder
	orderErrs map[model.InstrumentKey]error
}

// NewPaper creates an empty paper venue.
func NewPaper() *Paper {
	return &Paper{
		quotes:    make(map[model.InstrumentKey]quote),
		funding:   make(map[model.InstrumentKey]decimal.Decimal),
		balances:  make(map[string]map[string]decimal.Decimal),
		orderErrs: make(map[model.InstrumentKey]error),
	}
}

// SetMid sets a zero-spread quote.
func (p *Paper) SetMid(key model.InstrumentKey, mid decimal.Decimal) {
	p.SetQuote(key, mid, mid)
}

// SetQuote sets the best bid and ask.
func (p *Paper) SetQuote(key model.InstrumentKey, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[key] = quote{bid: bid, ask: ask}
}

// SetFundingRate sets the current funding rate.
func (p *Paper) SetFundingRate(key model.InstrumentKey, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding[key] = rate
}

// SetBalance sets the available balance of an asset.
func (p *Paper) SetBalance(exchange, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balances[exchange] == nil {
		p.balances[exchange] = make(map[string]decimal.Decimal)
	}
	p.balances[exchange][asset] = amount
}

// FailOrders makes every order on key fail with err. A nil err clears it.
func (p *Paper) FailOrders(key model.InstrumentKey, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.orderErrs, key)
		return
	}
	p.orderErrs[key] = err
}

func (p *Paper) MidPrice(_ context.Context, key model.InstrumentKey) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q, ok := p.quotes[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, key)
	}
	return q.bid.Add(q.ask).Div(decimal.NewFromInt(2)), nil
}

func (p *Paper) BestBidAsk(_ context.Context, key model.InstrumentKey) (decimal.Decimal, decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q, ok := p.quotes[key]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, key)
	}
	return q.bid, q.ask, nil
}

func (p *Paper) FundingRate(_ context.Context, key model.InstrumentKey) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.funding[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrFundingUnavailable, key)
	}
	return r, nil
}

func (p *Paper) AvailableBalance(_ context.Context, exchange, asset string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.balances[exchange][asset], nil
}

// PlaceOrder fills the order immediately. Market orders fill at the ask
// (buy) or bid (sell); limit orders fill at their limit price.
func (p *Paper) PlaceOrder(_ context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.Key()
	if err := p.orderErrs[key]; err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: amount %s", ErrOrderRejected, req.Amount)
	}

	var fill decimal.Decimal
	switch {
	case req.Type == model.OrderLimit && req.Price != nil:
		fill = *req.Price
	default:
		q, ok := p.quotes[key]
		if !ok {
			return "", fmt.Errorf("%w: no quote for %s", ErrOrderRejected, key)
		}
		fill = q.ask
		if req.Side == model.Sell {
			fill = q.bid
		}
	}

	order := &PaperOrder{
		ID:        uuid.New().String(),
		Request:   req,
		FillPrice: fill,
		CreatedAt: time.Now().UTC(),
	}
	p.orders = append(p.orders, order)
	return order.ID, nil
}

// CancelOrder marks a paper order cancelled.
func (p *Paper) CancelOrder(_ context.Context, exchange, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range p.orders {
		if o.ID == orderID && o.Request.Exchange == exchange {
			o.Cancelled = true
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// Orders returns copies of every accepted order in submission order.
func (p *Paper) Orders() []PaperOrder {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PaperOrder, len(p.orders))
	for i, o := range p.orders {
		out[i] = *o
	}
	return out
}

var _ Venue = (*Paper)(nil)
var _ OrderCanceller = (*Paper)(nil)
