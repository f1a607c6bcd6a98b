package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/model"
)

// ErrCancelUnsupported is returned by Guarded when the wrapped venue
// cannot cancel orders.
var ErrCancelUnsupported = errors.New("exchange: venue does not support cancel")

// GuardConfig bounds calls into a venue.
type GuardConfig struct {
	RequestsPerSecond float64       // 0 disables rate limiting
	Burst             int
	MaxFailures       uint32        // consecutive order failures before tripping
	OpenTimeout       time.Duration // how long the breaker stays open
}

// Guarded wraps a Venue. Every call waits on a token bucket; order
// placement additionally runs through a circuit breaker that fails fast
// after repeated failures. There is no retry.
type Guarded struct {
	inner   Venue
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// NewGuarded wraps inner with cfg. A nil logger discards output.
func NewGuarded(inner Venue, cfg GuardConfig, log logrus.FieldLogger) *Guarded {
	if log == nil {
		log = logging.Discard()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	st := gobreaker.Settings{Name: "order-placement", Timeout: cfg.OpenTimeout}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= maxFailures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.WithFields(logrus.Fields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("circuit breaker state changed")
	}

	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(st),
		log:     log,
	}
}

func (g *Guarded) MidPrice(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return g.inner.MidPrice(ctx, key)
}

func (g *Guarded) BestBidAsk(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, decimal.Decimal, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return g.inner.BestBidAsk(ctx, key)
}

func (g *Guarded) FundingRate(ctx context.Context, key model.InstrumentKey) (decimal.Decimal, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return g.inner.FundingRate(ctx, key)
}

func (g *Guarded) AvailableBalance(ctx context.Context, exchange, asset string) (decimal.Decimal, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return g.inner.AvailableBalance(ctx, exchange, asset)
}

// PlaceOrder submits through the breaker. While the breaker is open the
// call fails immediately with gobreaker.ErrOpenState.
func (g *Guarded) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.PlaceOrder(ctx, req)
	})
	if err != nil {
		return "", fmt.Errorf("place order %s %s: %w", req.Side, req.Key(), err)
	}
	return res.(string), nil
}

// CancelOrder forwards to the wrapped venue when it supports cancellation.
func (g *Guarded) CancelOrder(ctx context.Context, exchange, orderID string) error {
	c, ok := g.inner.(OrderCanceller)
	if !ok {
		return ErrCancelUnsupported
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.CancelOrder(ctx, exchange, orderID)
}

// BreakerState reports the order breaker state.
func (g *Guarded) BreakerState() string {
	return g.breaker.State().String()
}

var _ Venue = (*Guarded)(nil)
var _ OrderCanceller = (*Guarded)(nil)
