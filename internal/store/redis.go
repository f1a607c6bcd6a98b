package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/delta-engine/internal/model"
)

// CachedStore wraps a primary Journal (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate or
// refresh the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Journal
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Journal, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	// Every cached page is stale now.
	s.rdb.Del(ctx, tradesKey)
	return nil
}

func (s *CachedStore) SaveHedge(ctx context.Context, h *model.HedgeExecution) error {
	if err := s.primary.SaveHedge(ctx, h); err != nil {
		return err
	}
	s.rdb.Del(ctx, hedgesKey)
	return nil
}

func (s *CachedStore) SaveRiskSnapshot(ctx context.Context, r *model.RiskMetricsSnapshot) error {
	if err := s.primary.SaveRiskSnapshot(ctx, r); err != nil {
		return err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, riskKey, data, s.ttl)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	field := strconv.Itoa(limit)
	data, err := s.rdb.HGet(ctx, tradesKey, field).Bytes()
	if err == nil {
		var trades []model.TradeRecord
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	s.cachePage(ctx, tradesKey, field, trades)
	return trades, nil
}

func (s *CachedStore) ListHedges(ctx context.Context, limit int) ([]model.HedgeExecution, error) {
	field := strconv.Itoa(limit)
	data, err := s.rdb.HGet(ctx, hedgesKey, field).Bytes()
	if err == nil {
		var hedges []model.HedgeExecution
		if json.Unmarshal(data, &hedges) == nil {
			return hedges, nil
		}
	}

	hedges, err := s.primary.ListHedges(ctx, limit)
	if err != nil {
		return nil, err
	}
	s.cachePage(ctx, hedgesKey, field, hedges)
	return hedges, nil
}

func (s *CachedStore) LatestRiskSnapshot(ctx context.Context) (*model.RiskMetricsSnapshot, error) {
	data, err := s.rdb.Get(ctx, riskKey).Bytes()
	if err == nil {
		var r model.RiskMetricsSnapshot
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.LatestRiskSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, riskKey, data, s.ttl)
	}
	return r, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertFundingPayment(ctx context.Context, p *model.FundingPayment) error {
	return s.primary.InsertFundingPayment(ctx, p)
}

func (s *CachedStore) ListFundingPayments(ctx context.Context, since time.Time) ([]model.FundingPayment, error) {
	return s.primary.ListFundingPayments(ctx, since)
}

// --- Cache helpers ---

// cachePage stores one list page as a hash field so a single Del drops
// every page size at once.
func (s *CachedStore) cachePage(ctx context.Context, key, field string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, field, data)
	pipe.Expire(ctx, key, s.ttl)
	_, _ = pipe.Exec(ctx)
}

const (
	tradesKey = "journal:trades"
	hedgesKey = "journal:hedges"
	riskKey   = "journal:risk:latest"
)

var _ Journal = (*CachedStore)(nil)
