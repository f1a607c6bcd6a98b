// Package store defines the persistence interface for the engine journal.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
//
// The journal is append-mostly: closed trades, hedge executions, funding
// payments and risk snapshots. Live ledger state is never read back from
// it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/delta-engine/internal/model"
)

// ErrNotFound is returned when a lookup has no result.
var ErrNotFound = errors.New("store: not found")

// Journal is the persistence interface.
type Journal interface {
	// --- Trades ---

	// InsertTrade appends a closed arbitrage position.
	InsertTrade(ctx context.Context, t *model.TradeRecord) error

	// ListTrades returns the most recent trades, newest first. A limit of
	// zero or less returns every trade.
	ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)

	// --- Hedges ---

	// SaveHedge inserts a hedge execution or updates it by id.
	SaveHedge(ctx context.Context, h *model.HedgeExecution) error

	// ListHedges returns the most recent hedge executions, newest first.
	ListHedges(ctx context.Context, limit int) ([]model.HedgeExecution, error)

	// --- Funding ---

	// InsertFundingPayment appends an immutable funding settlement.
	InsertFundingPayment(ctx context.Context, p *model.FundingPayment) error

	// ListFundingPayments returns payments at or after since, oldest first.
	ListFundingPayments(ctx context.Context, since time.Time) ([]model.FundingPayment, error)

	// --- Risk ---

	// SaveRiskSnapshot appends a risk snapshot.
	SaveRiskSnapshot(ctx context.Context, s *model.RiskMetricsSnapshot) error

	// LatestRiskSnapshot returns the newest snapshot or ErrNotFound.
	LatestRiskSnapshot(ctx context.Context) (*model.RiskMetricsSnapshot, error)
}
