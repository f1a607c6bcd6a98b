package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/delta-engine/internal/model"
)

// PostgresStore implements Journal using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id                  TEXT PRIMARY KEY,
	position_id         TEXT NOT NULL,
	mode                TEXT NOT NULL,
	long_exchange       TEXT NOT NULL,
	long_instrument     TEXT NOT NULL,
	short_exchange      TEXT NOT NULL,
	short_instrument    TEXT NOT NULL,
	size                NUMERIC NOT NULL,
	expected_profit_bps NUMERIC NOT NULL,
	realized_pnl_bps    NUMERIC NOT NULL,
	opened_at           TIMESTAMPTZ NOT NULL,
	closed_at           TIMESTAMPTZ NOT NULL,
	reason              TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hedge_executions (
	id                 TEXT PRIMARY KEY,
	primary_instrument TEXT NOT NULL,
	hedge_exchange     TEXT NOT NULL,
	hedge_instrument   TEXT NOT NULL,
	hedge_size         NUMERIC NOT NULL,
	hedge_side         TEXT NOT NULL,
	order_type         TEXT NOT NULL,
	limit_price        NUMERIC,
	execution_price    NUMERIC,
	status             TEXT NOT NULL,
	order_id           TEXT NOT NULL DEFAULT '',
	slippage_bps       NUMERIC,
	emergency          BOOLEAN NOT NULL DEFAULT FALSE,
	error              TEXT NOT NULL DEFAULT '',
	timestamp          TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS funding_payments (
	id            TEXT PRIMARY KEY,
	instrument    TEXT NOT NULL,
	exchange      TEXT NOT NULL,
	payment       NUMERIC NOT NULL,
	rate          NUMERIC NOT NULL,
	position_size NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS risk_snapshots (
	id                     BIGSERIAL PRIMARY KEY,
	total_balance          NUMERIC NOT NULL,
	portfolio_delta        NUMERIC NOT NULL,
	delta_ratio            NUMERIC NOT NULL,
	max_margin_utilization NUMERIC NOT NULL,
	margin_utilization     JSONB NOT NULL,
	total_unrealized_pnl   NUMERIC NOT NULL,
	daily_funding_pnl      NUMERIC NOT NULL,
	weekly_funding_pnl     NUMERIC NOT NULL,
	current_drawdown       NUMERIC NOT NULL,
	max_drawdown           NUMERIC NOT NULL,
	peak_balance           NUMERIC NOT NULL,
	computed_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS funding_payments_timestamp_idx ON funding_payments (timestamp);
`

// Migrate creates the journal tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, position_id, mode, long_exchange, long_instrument, short_exchange, short_instrument,
		                     size, expected_profit_bps, realized_pnl_bps, opened_at, closed_at, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		t.ID, t.PositionID, t.Mode, t.LongExchange, t.LongInstrument, t.ShortExchange, t.ShortInstrument,
		t.Size.String(), t.ExpectedProfitBps.String(), t.RealizedPnLBps.String(),
		t.OpenedAt, t.ClosedAt, t.Reason,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	q := `SELECT id, position_id, mode, long_exchange, long_instrument, short_exchange, short_instrument,
	             size::TEXT, expected_profit_bps::TEXT, realized_pnl_bps::TEXT, opened_at, closed_at, reason
	      FROM trades ORDER BY closed_at DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// --- Hedges ---

func (s *PostgresStore) SaveHedge(ctx context.Context, h *model.HedgeExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_executions (id, primary_instrument, hedge_exchange, hedge_instrument, hedge_size, hedge_side,
		                               order_type, limit_price, execution_price, status, order_id, slippage_bps,
		                               emergency, error, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12::NUMERIC, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     execution_price = EXCLUDED.execution_price,
		     status          = EXCLUDED.status,
		     order_id        = EXCLUDED.order_id,
		     slippage_bps    = EXCLUDED.slippage_bps,
		     error           = EXCLUDED.error`,
		h.ID, h.PrimaryInstrument, h.HedgeExchange, h.HedgeInstrument, h.HedgeSize.String(), h.HedgeSide,
		h.OrderType, nullDecimal(h.LimitPrice), nullDecimal(h.ExecutionPrice), h.Status, h.OrderID,
		nullDecimal(h.SlippageBps), h.Emergency, h.Error, h.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListHedges(ctx context.Context, limit int) ([]model.HedgeExecution, error) {
	q := `SELECT id, primary_instrument, hedge_exchange, hedge_instrument, hedge_size::TEXT, hedge_side, order_type,
	             limit_price::TEXT, execution_price::TEXT, status, order_id, slippage_bps::TEXT,
	             emergency, error, timestamp
	      FROM hedge_executions ORDER BY timestamp DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HedgeExecution
	for rows.Next() {
		var h model.HedgeExecution
		var sizeS string
		var limitS, execS, slipS *string
		if err := rows.Scan(&h.ID, &h.PrimaryInstrument, &h.HedgeExchange, &h.HedgeInstrument, &sizeS,
			&h.HedgeSide, &h.OrderType, &limitS, &execS, &h.Status, &h.OrderID, &slipS,
			&h.Emergency, &h.Error, &h.Timestamp); err != nil {
			return nil, err
		}
		h.HedgeSize, _ = decimal.NewFromString(sizeS)
		h.LimitPrice = parseNullDecimal(limitS)
		h.ExecutionPrice = parseNullDecimal(execS)
		h.SlippageBps = parseNullDecimal(slipS)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Funding ---

func (s *PostgresStore) InsertFundingPayment(ctx context.Context, p *model.FundingPayment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_payments (id, instrument, exchange, payment, rate, position_size, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		p.ID, p.Instrument, p.Exchange,
		p.Payment.String(), p.Rate.String(), p.PositionSize.String(),
		p.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListFundingPayments(ctx context.Context, since time.Time) ([]model.FundingPayment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument, exchange, payment::TEXT, rate::TEXT, position_size::TEXT, timestamp
		 FROM funding_payments WHERE timestamp >= $1 ORDER BY timestamp`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingPayment
	for rows.Next() {
		var p model.FundingPayment
		var paymentS, rateS, sizeS string
		if err := rows.Scan(&p.ID, &p.Instrument, &p.Exchange, &paymentS, &rateS, &sizeS, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Payment, _ = decimal.NewFromString(paymentS)
		p.Rate, _ = decimal.NewFromString(rateS)
		p.PositionSize, _ = decimal.NewFromString(sizeS)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Risk ---

func (s *PostgresStore) SaveRiskSnapshot(ctx context.Context, r *model.RiskMetricsSnapshot) error {
	util, err := json.Marshal(r.MarginUtilization)
	if err != nil {
		return fmt.Errorf("encode margin utilization: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO risk_snapshots (total_balance, portfolio_delta, delta_ratio, max_margin_utilization,
		                             margin_utilization, total_unrealized_pnl, daily_funding_pnl, weekly_funding_pnl,
		                             current_drawdown, max_drawdown, peak_balance, computed_at)
		 VALUES ($1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		r.TotalBalance.String(), r.PortfolioDelta.String(), r.DeltaRatio.String(), r.MaxMarginUtilization.String(),
		util, r.TotalUnrealizedPnL.String(), r.DailyFundingPnL.String(), r.WeeklyFundingPnL.String(),
		r.CurrentDrawdown.String(), r.MaxDrawdown.String(), r.PeakBalance.String(), r.ComputedAt,
	)
	return err
}

func (s *PostgresStore) LatestRiskSnapshot(ctx context.Context) (*model.RiskMetricsSnapshot, error) {
	var r model.RiskMetricsSnapshot
	var total, delta, ratio, maxUtil, unreal, daily, weekly, dd, maxDD, peak string
	var util []byte

	err := s.pool.QueryRow(ctx,
		`SELECT total_balance::TEXT, portfolio_delta::TEXT, delta_ratio::TEXT, max_margin_utilization::TEXT,
		        margin_utilization, total_unrealized_pnl::TEXT, daily_funding_pnl::TEXT, weekly_funding_pnl::TEXT,
		        current_drawdown::TEXT, max_drawdown::TEXT, peak_balance::TEXT, computed_at
		 FROM risk_snapshots ORDER BY computed_at DESC, id DESC LIMIT 1`).
		Scan(&total, &delta, &ratio, &maxUtil, &util, &unreal, &daily, &weekly, &dd, &maxDD, &peak, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest risk snapshot: %w", err)
	}

	r.TotalBalance, _ = decimal.NewFromString(total)
	r.PortfolioDelta, _ = decimal.NewFromString(delta)
	r.DeltaRatio, _ = decimal.NewFromString(ratio)
	r.MaxMarginUtilization, _ = decimal.NewFromString(maxUtil)
	r.TotalUnrealizedPnL, _ = decimal.NewFromString(unreal)
	r.DailyFundingPnL, _ = decimal.NewFromString(daily)
	r.WeeklyFundingPnL, _ = decimal.NewFromString(weekly)
	r.CurrentDrawdown, _ = decimal.NewFromString(dd)
	r.MaxDrawdown, _ = decimal.NewFromString(maxDD)
	r.PeakBalance, _ = decimal.NewFromString(peak)
	if err := json.Unmarshal(util, &r.MarginUtilization); err != nil {
		return nil, fmt.Errorf("decode margin utilization: %w", err)
	}
	return &r, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var sizeS, expectedS, realizedS string

		if err := rows.Scan(&t.ID, &t.PositionID, &t.Mode, &t.LongExchange, &t.LongInstrument,
			&t.ShortExchange, &t.ShortInstrument, &sizeS, &expectedS, &realizedS,
			&t.OpenedAt, &t.ClosedAt, &t.Reason); err != nil {
			return nil, err
		}

		t.Size, _ = decimal.NewFromString(sizeS)
		t.ExpectedProfitBps, _ = decimal.NewFromString(expectedS)
		t.RealizedPnLBps, _ = decimal.NewFromString(realizedS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

var _ Journal = (*PostgresStore)(nil)
