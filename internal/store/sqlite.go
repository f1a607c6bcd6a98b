package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/delta-engine/internal/model"
)

// SQLiteStore implements Journal on SQLite through gorm. Decimals are
// stored as TEXT so no precision is lost.
type SQLiteStore struct {
	db *gorm.DB
}

type tradeRow struct {
	ID                string          `gorm:"column:id;primaryKey"`
	PositionID        string          `gorm:"column:position_id;index"`
	Mode              string          `gorm:"column:mode"`
	LongExchange      string          `gorm:"column:long_exchange"`
	LongInstrument    string          `gorm:"column:long_instrument"`
	ShortExchange     string          `gorm:"column:short_exchange"`
	ShortInstrument   string          `gorm:"column:short_instrument"`
	Size              decimal.Decimal `gorm:"column:size;type:text"`
	ExpectedProfitBps decimal.Decimal `gorm:"column:expected_profit_bps;type:text"`
	RealizedPnLBps    decimal.Decimal `gorm:"column:realized_pnl_bps;type:text"`
	OpenedAt          time.Time       `gorm:"column:opened_at"`
	ClosedAt          time.Time       `gorm:"column:closed_at;index"`
	Reason            string          `gorm:"column:reason"`
}

func (tradeRow) TableName() string { return "trades" }

type hedgeRow struct {
	ID                string           `gorm:"column:id;primaryKey"`
	PrimaryInstrument string           `gorm:"column:primary_instrument"`
	HedgeExchange     string           `gorm:"column:hedge_exchange"`
	HedgeInstrument   string           `gorm:"column:hedge_instrument"`
	HedgeSize         decimal.Decimal  `gorm:"column:hedge_size;type:text"`
	HedgeSide         string           `gorm:"column:hedge_side"`
	OrderType         string           `gorm:"column:order_type"`
	LimitPrice        *decimal.Decimal `gorm:"column:limit_price;type:text"`
	ExecutionPrice    *decimal.Decimal `gorm:"column:execution_price;type:text"`
	Status            string           `gorm:"column:status"`
	OrderID           string           `gorm:"column:order_id"`
	SlippageBps       *decimal.Decimal `gorm:"column:slippage_bps;type:text"`
	Emergency         bool             `gorm:"column:emergency"`
	Error             string           `gorm:"column:error"`
	Timestamp         time.Time        `gorm:"column:timestamp;index"`
}

func (hedgeRow) TableName() string { return "hedge_executions" }

type fundingRow struct {
	ID           string          `gorm:"column:id;primaryKey"`
	Instrument   string          `gorm:"column:instrument"`
	Exchange     string          `gorm:"column:exchange"`
	Payment      decimal.Decimal `gorm:"column:payment;type:text"`
	Rate         decimal.Decimal `gorm:"column:rate;type:text"`
	PositionSize decimal.Decimal `gorm:"column:position_size;type:text"`
	Timestamp    time.Time       `gorm:"column:timestamp;index"`
}

func (fundingRow) TableName() string { return "funding_payments" }

type riskRow struct {
	ID                   int64           `gorm:"column:id;primaryKey;autoIncrement"`
	TotalBalance         decimal.Decimal `gorm:"column:total_balance;type:text"`
	PortfolioDelta       decimal.Decimal `gorm:"column:portfolio_delta;type:text"`
	DeltaRatio           decimal.Decimal `gorm:"column:delta_ratio;type:text"`
	MaxMarginUtilization decimal.Decimal `gorm:"column:max_margin_utilization;type:text"`
	MarginUtilization    string          `gorm:"column:margin_utilization"`
	TotalUnrealizedPnL   decimal.Decimal `gorm:"column:total_unrealized_pnl;type:text"`
	DailyFundingPnL      decimal.Decimal `gorm:"column:daily_funding_pnl;type:text"`
	WeeklyFundingPnL     decimal.Decimal `gorm:"column:weekly_funding_pnl;type:text"`
	CurrentDrawdown      decimal.Decimal `gorm:"column:current_drawdown;type:text"`
	MaxDrawdown          decimal.Decimal `gorm:"column:max_drawdown;type:text"`
	PeakBalance          decimal.Decimal `gorm:"column:peak_balance;type:text"`
	ComputedAt           time.Time       `gorm:"column:computed_at;index"`
}

func (riskRow) TableName() string { return "risk_snapshots" }

// NewSQLiteStore opens (or creates) the database at dsn and migrates the
// journal tables. Use ":memory:" for an ephemeral journal.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn cannot be empty")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// One connection keeps ":memory:" databases shared and serializes writers.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	if err := db.AutoMigrate(&tradeRow{}, &hedgeRow{}, &fundingRow{}, &riskRow{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Trades ---

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	row := tradeRow{
		ID: t.ID, PositionID: t.PositionID, Mode: string(t.Mode),
		LongExchange: t.LongExchange, LongInstrument: t.LongInstrument,
		ShortExchange: t.ShortExchange, ShortInstrument: t.ShortInstrument,
		Size: t.Size, ExpectedProfitBps: t.ExpectedProfitBps, RealizedPnLBps: t.RealizedPnLBps,
		OpenedAt: t.OpenedAt, ClosedAt: t.ClosedAt, Reason: t.Reason,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	var rows []tradeRow
	q := s.db.WithContext(ctx).Order("closed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TradeRecord{
			ID: r.ID, PositionID: r.PositionID, Mode: model.ArbitrageMode(r.Mode),
			LongExchange: r.LongExchange, LongInstrument: r.LongInstrument,
			ShortExchange: r.ShortExchange, ShortInstrument: r.ShortInstrument,
			Size: r.Size, ExpectedProfitBps: r.ExpectedProfitBps, RealizedPnLBps: r.RealizedPnLBps,
			OpenedAt: r.OpenedAt, ClosedAt: r.ClosedAt, Reason: r.Reason,
		})
	}
	return out, nil
}

// --- Hedges ---

func (s *SQLiteStore) SaveHedge(ctx context.Context, h *model.HedgeExecution) error {
	row := hedgeRow{
		ID: h.ID, PrimaryInstrument: h.PrimaryInstrument,
		HedgeExchange: h.HedgeExchange, HedgeInstrument: h.HedgeInstrument,
		HedgeSize: h.HedgeSize, HedgeSide: string(h.HedgeSide), OrderType: string(h.OrderType),
		LimitPrice: h.LimitPrice, ExecutionPrice: h.ExecutionPrice,
		Status: string(h.Status), OrderID: h.OrderID, SlippageBps: h.SlippageBps,
		Emergency: h.Emergency, Error: h.Error, Timestamp: h.Timestamp,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"execution_price", "status", "order_id", "slippage_bps", "error"}),
	}).Create(&row).Error
}

func (s *SQLiteStore) ListHedges(ctx context.Context, limit int) ([]model.HedgeExecution, error) {
	var rows []hedgeRow
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.HedgeExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.HedgeExecution{
			ID: r.ID, PrimaryInstrument: r.PrimaryInstrument,
			HedgeExchange: r.HedgeExchange, HedgeInstrument: r.HedgeInstrument,
			HedgeSize: r.HedgeSize, HedgeSide: model.TradeSide(r.HedgeSide), OrderType: model.OrderType(r.OrderType),
			LimitPrice: r.LimitPrice, ExecutionPrice: r.ExecutionPrice,
			Status: model.HedgeStatus(r.Status), OrderID: r.OrderID, SlippageBps: r.SlippageBps,
			Emergency: r.Emergency, Error: r.Error, Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// --- Funding ---

func (s *SQLiteStore) InsertFundingPayment(ctx context.Context, p *model.FundingPayment) error {
	row := fundingRow{
		ID: p.ID, Instrument: p.Instrument, Exchange: p.Exchange,
		Payment: p.Payment, Rate: p.Rate, PositionSize: p.PositionSize, Timestamp: p.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteStore) ListFundingPayments(ctx context.Context, since time.Time) ([]model.FundingPayment, error) {
	var rows []fundingRow
	if err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.FundingPayment, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.FundingPayment{
			ID: r.ID, Instrument: r.Instrument, Exchange: r.Exchange,
			Payment: r.Payment, Rate: r.Rate, PositionSize: r.PositionSize, Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// --- Risk ---

func (s *SQLiteStore) SaveRiskSnapshot(ctx context.Context, r *model.RiskMetricsSnapshot) error {
	util, err := json.Marshal(r.MarginUtilization)
	if err != nil {
		return fmt.Errorf("encode margin utilization: %w", err)
	}
	row := riskRow{
		TotalBalance: r.TotalBalance, PortfolioDelta: r.PortfolioDelta, DeltaRatio: r.DeltaRatio,
		MaxMarginUtilization: r.MaxMarginUtilization, MarginUtilization: string(util),
		TotalUnrealizedPnL: r.TotalUnrealizedPnL, DailyFundingPnL: r.DailyFundingPnL,
		WeeklyFundingPnL: r.WeeklyFundingPnL, CurrentDrawdown: r.CurrentDrawdown,
		MaxDrawdown: r.MaxDrawdown, PeakBalance: r.PeakBalance, ComputedAt: r.ComputedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteStore) LatestRiskSnapshot(ctx context.Context) (*model.RiskMetricsSnapshot, error) {
	var row riskRow
	err := s.db.WithContext(ctx).Order("computed_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r := &model.RiskMetricsSnapshot{
		TotalBalance: row.TotalBalance, PortfolioDelta: row.PortfolioDelta, DeltaRatio: row.DeltaRatio,
		MaxMarginUtilization: row.MaxMarginUtilization, TotalUnrealizedPnL: row.TotalUnrealizedPnL,
		DailyFundingPnL: row.DailyFundingPnL, WeeklyFundingPnL: row.WeeklyFundingPnL,
		CurrentDrawdown: row.CurrentDrawdown, MaxDrawdown: row.MaxDrawdown,
		PeakBalance: row.PeakBalance, ComputedAt: row.ComputedAt,
	}
	if err := json.Unmarshal([]byte(row.MarginUtilization), &r.MarginUtilization); err != nil {
		return nil, fmt.Errorf("decode margin utilization: %w", err)
	}
	return r, nil
}

var _ Journal = (*SQLiteStore)(nil)
