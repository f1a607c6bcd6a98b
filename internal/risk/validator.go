// Package risk validates trade intents against global limits before any
// order reaches a venue.
//
// Three checks run in order: the per-trade size cap, the aggregate
// inventory cap across all open arbitrage positions, and heartbeat
// freshness. A stale heartbeat means the engine cannot trust its view of
// the market and is treated as a connectivity failure.
package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTradeSizeExceeded is returned when a single trade is larger than
	// the maximum trade size.
	ErrTradeSizeExceeded = errors.New("risk: trade size exceeds maximum")

	// ErrInventoryExceeded is returned when a trade would push total open
	// inventory beyond the maximum inventory size.
	ErrInventoryExceeded = errors.New("risk: inventory limit exceeded")

	// ErrHeartbeatStale is returned when the last heartbeat is older than
	// the heartbeat timeout.
	ErrHeartbeatStale = errors.New("risk: heartbeat stale")

	// ErrNonPositiveSize is returned for zero or negative trade sizes.
	ErrNonPositiveSize = errors.New("risk: trade size must be positive")
)

// Validator enforces global trade limits.
type Validator struct {
	// MaxTradeSize caps a single trade. Zero disables the check.
	MaxTradeSize decimal.Decimal

	// MaxInventorySize caps the sum of open trade sizes. Zero disables
	// the check.
	MaxInventorySize decimal.Decimal

	// HeartbeatTimeout bounds heartbeat age. Zero disables the check.
	HeartbeatTimeout time.Duration
}

// NewValidator creates a validator with the given limits.
func NewValidator(maxTradeSize, maxInventorySize decimal.Decimal, heartbeatTimeout time.Duration) *Validator {
	return &Validator{
		MaxTradeSize:     maxTradeSize,
		MaxInventorySize: maxInventorySize,
		HeartbeatTimeout: heartbeatTimeout,
	}
}

// CheckTrade validates an arbitrage trade of `size` given the current open
// inventory and the time of the last heartbeat.
func (v *Validator) CheckTrade(size, inventory decimal.Decimal, lastHeartbeat, now time.Time) error {
	if !size.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNonPositiveSize, size)
	}

	// 1. Per-trade cap.
	if v.MaxTradeSize.IsPositive() && size.GreaterThan(v.MaxTradeSize) {
		return fmt.Errorf("%w: %s > %s", ErrTradeSizeExceeded, size, v.MaxTradeSize)
	}

	// 2. Aggregate inventory.
	if v.MaxInventorySize.IsPositive() {
		next := inventory.Add(size)
		if next.GreaterThan(v.MaxInventorySize) {
			return fmt.Errorf("%w: %s > %s", ErrInventoryExceeded, next, v.MaxInventorySize)
		}
	}

	// 3. Heartbeat freshness.
	return v.checkHeartbeat(lastHeartbeat, now)
}

// CheckHedge validates a corrective hedge. Hedges reduce exposure, so they
// skip the inventory cap; emergency hedges also skip the trade-size cap
// because they are already bounded by the maximum single hedge size.
func (v *Validator) CheckHedge(size decimal.Decimal, emergency bool, lastHeartbeat, now time.Time) error {
	if !size.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNonPositiveSize, size)
	}
	if !emergency && v.MaxTradeSize.IsPositive() && size.GreaterThan(v.MaxTradeSize) {
		return fmt.Errorf("%w: %s > %s", ErrTradeSizeExceeded, size, v.MaxTradeSize)
	}
	return v.checkHeartbeat(lastHeartbeat, now)
}

func (v *Validator) checkHeartbeat(lastHeartbeat, now time.Time) error {
	if v.HeartbeatTimeout <= 0 {
		return nil
	}
	if lastHeartbeat.IsZero() || now.Sub(lastHeartbeat) > v.HeartbeatTimeout {
		return fmt.Errorf("%w: last heartbeat %s", ErrHeartbeatStale, lastHeartbeat.Format(time.RFC3339))
	}
	return nil
}

// Reason maps a validation error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTradeSizeExceeded):
		return "trade_size"
	case errors.Is(err, ErrInventoryExceeded):
		return "inventory"
	case errors.Is(err, ErrHeartbeatStale):
		return "heartbeat"
	case errors.Is(err, ErrNonPositiveSize):
		return "size"
	default:
		return "other"
	}
}
