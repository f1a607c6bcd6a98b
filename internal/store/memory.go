package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/delta-engine/internal/model"
)

// MemoryStore implements Journal with in-memory slices. Used for testing
// and paper trading. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	trades   []model.TradeRecord
	hedges   []model.HedgeExecution
	hedgeIdx map[string]int
	funding  []model.FundingPayment
	risk     []model.RiskMetricsSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hedgeIdx: make(map[string]int),
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TradeRecord, len(s.trades))
	copy(out, s.trades)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) SaveHedge(_ context.Context, h *model.HedgeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *h
	if i, ok := s.hedgeIdx[h.ID]; ok {
		s.hedges[i] = cp
		return nil
	}
	s.hedgeIdx[h.ID] = len(s.hedges)
	s.hedges = append(s.hedges, cp)
	return nil
}

func (s *MemoryStore) ListHedges(_ context.Context, limit int) ([]model.HedgeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.HedgeExecution, len(s.hedges))
	copy(out, s.hedges)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return truncate(out, limit), nil
}

func (s *MemoryStore) InsertFundingPayment(_ context.Context, p *model.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funding = append(s.funding, *p)
	return nil
}

func (s *MemoryStore) ListFundingPayments(_ context.Context, since time.Time) ([]model.FundingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.FundingPayment
	for _, p := range s.funding {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) SaveRiskSnapshot(_ context.Context, snap *model.RiskMetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.MarginUtilization = copyUtilization(snap)
	s.risk = append(s.risk, cp)
	return nil
}

func (s *MemoryStore) LatestRiskSnapshot(_ context.Context) (*model.RiskMetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.risk) == 0 {
		return nil, ErrNotFound
	}
	latest := s.risk[0]
	for _, r := range s.risk[1:] {
		if !r.ComputedAt.Before(latest.ComputedAt) {
			latest = r
		}
	}
	latest.MarginUtilization = copyUtilization(&latest)
	return &latest, nil
}

func copyUtilization(s *model.RiskMetricsSnapshot) map[string]decimal.Decimal {
	if s.MarginUtilization == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(s.MarginUtilization))
	for k, v := range s.MarginUtilization {
		out[k] = v
	}
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var _ Journal = (*MemoryStore)(nil)
