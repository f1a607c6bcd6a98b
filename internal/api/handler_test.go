package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/delta-engine/internal/api"
	"github.com/atmx/delta-engine/internal/exchange"
	"github.com/atmx/delta-engine/internal/ledger"
	"github.com/atmx/delta-engine/internal/model"
	"github.com/atmx/delta-engine/internal/store"
	"github.com/atmx/delta-engine/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine  *strategy.Engine
	ledger  *ledger.Ledger
	journal *store.MemoryStore
	hub     *api.Hub
	router  chi.Router
}

// newTestEnv wires the API over an idle engine, a paper venue and an
// in-memory journal.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l := ledger.New()
	l.UpdateBalance("binance", "USDT", model.AccountPerpetual, d(1000), decimal.Zero)
	journal := store.NewMemoryStore()
	hub := api.NewHub(nil)
	engine := strategy.NewEngine(strategy.Config{}, l, nil, exchange.NewPaper(),
		strategy.WithJournal(journal),
		strategy.WithEvents(hub),
	)

	h := api.NewHandler(engine, l, nil, journal, hub, nil)
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	h.Routes(r)
	return &testEnv{engine: engine, ledger: l, journal: journal, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "delta-engine", resp["service"])
	assert.Equal(t, false, resp["emergency_stop"])
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st strategy.Status
	decode(t, w, &st)
	assert.Zero(t, st.ActivePositions)
	assert.False(t, st.EmergencyStop)
	assert.Nil(t, st.Hedging)
}

func TestListPositions_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/positions", "/api/v1/ledger/positions"} {
		w := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()), path)
	}
}

func TestListBalances(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/balances", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var balances []model.BalanceEntry
	decode(t, w, &balances)
	require.Len(t, balances, 1)
	assert.Equal(t, "binance", balances[0].Exchange)
	assert.True(t, d(1000).Equal(balances[0].Total))
}

func TestGetRisk(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/risk", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.engine.UpdateRiskMetrics(context.Background())

	w = env.do(t, http.MethodGet, "/api/v1/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.RiskMetricsSnapshot
	decode(t, w, &snap)
	assert.True(t, d(1000).Equal(snap.TotalBalance))
}

func TestGetRisk_FallsBackToJournal(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.journal.SaveRiskSnapshot(context.Background(), &model.RiskMetricsSnapshot{
		TotalBalance: d(4200),
		ComputedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	w := env.do(t, http.MethodGet, "/api/v1/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.RiskMetricsSnapshot
	decode(t, w, &snap)
	assert.True(t, d(4200).Equal(snap.TotalBalance))
}

func TestRecordFunding(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/funding", api.FundingRequest{
		Exchange:     "binance",
		Instrument:   "BTC-USDT-PERP",
		Payment:      d(1.25),
		Rate:         d(0.0001),
		PositionSize: d(0.5),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var fp model.FundingPayment
	decode(t, w, &fp)
	assert.NotEmpty(t, fp.ID)
	assert.True(t, d(1.25).Equal(fp.Payment))

	stored, err := env.journal.ListFundingPayments(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, fp.ID, stored[0].ID)
	assert.Len(t, env.ledger.FundingHistory(), 1)
}

func TestRecordFunding_Invalid(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/funding", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/funding", api.FundingRequest{Payment: d(1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	decode(t, w, &resp)
	assert.Contains(t, resp["error"], "required")
}

func TestEmergencyStop(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/emergency-stop", api.EmergencyStopRequest{Reason: "drill"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	decode(t, w, &resp)
	assert.True(t, resp["emergency_stop"])
	assert.True(t, resp["changed"])
	assert.True(t, env.engine.EmergencyStopped())

	// Already stopped; no body.
	w = env.do(t, http.MethodPost, "/api/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = nil
	decode(t, w, &resp)
	assert.False(t, resp["changed"])

	w = env.do(t, http.MethodDelete, "/api/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.engine.EmergencyStopped())
}

func TestListTradesAndHedges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.journal.InsertTrade(ctx, &model.TradeRecord{
			ID:       "trade-" + string(rune('a'+i)),
			Mode:     model.ModeFundingRate,
			OpenedAt: base,
			ClosedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, env.journal.SaveHedge(ctx, &model.HedgeExecution{ID: "h1", Timestamp: base}))

	w := env.do(t, http.MethodGet, "/api/v1/trades?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trades []model.TradeRecord
	decode(t, w, &trades)
	require.Len(t, trades, 2)
	assert.Equal(t, "trade-c", trades[0].ID, "newest first")

	w = env.do(t, http.MethodGet, "/api/v1/hedges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hedges []model.HedgeExecution
	decode(t, w, &hedges)
	require.Len(t, hedges, 1)
	assert.Equal(t, "h1", hedges[0].ID)

	w = env.do(t, http.MethodGet, "/api/v1/trades?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/hedges?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTrades_NoJournal(t *testing.T) {
	l := ledger.New()
	engine := strategy.NewEngine(strategy.Config{}, l, nil, exchange.NewPaper())
	h := api.NewHandler(engine, l, nil, nil, nil, nil)
	r := chi.NewRouter()
	h.Routes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/hedges", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestGetReport(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report model.PerformanceReport
	decode(t, w, &report)
	assert.True(t, d(1000).Equal(report.TotalBalance))
	assert.Zero(t, report.Positions)
}

func TestHub_BroadcastsEngineEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	env.engine.EmergencyStop(context.Background(), "drill")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev api.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, strategy.EventEmergencyStop, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}
