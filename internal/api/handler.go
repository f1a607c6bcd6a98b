// Package api exposes the engine to operators over HTTP and pushes engine
// events to websocket clients.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/hedging"
	"github.com/atmx/delta-engine/internal/ledger"
	"github.com/atmx/delta-engine/internal/logging"
	"github.com/atmx/delta-engine/internal/model"
	"github.com/atmx/delta-engine/internal/store"
	"github.com/atmx/delta-engine/internal/strategy"
)

const defaultListLimit = 100

// Handler serves the operator API.
type Handler struct {
	engine  *strategy.Engine
	ledger  *ledger.Ledger
	hedger  *hedging.Evaluator // optional
	journal store.Journal
	hub     *Hub // optional
	log     logrus.FieldLogger
}

// NewHandler creates the operator API. hedger and hub may be nil.
func NewHandler(engine *strategy.Engine, l *ledger.Ledger, hedger *hedging.Evaluator, journal store.Journal, hub *Hub, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{
		engine:  engine,
		ledger:  l,
		hedger:  hedger,
		journal: journal,
		hub:     hub,
		log:     log,
	}
}

// Routes mounts the versioned API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/status", h.GetStatus)
		r.Get("/positions", h.ListPositions)
		r.Get("/ledger/positions", h.ListLedgerPositions)
		r.Get("/ledger/balances", h.ListBalances)
		r.Get("/risk", h.GetRisk)
		r.Get("/hedges", h.ListHedges)
		r.Get("/trades", h.ListTrades)
		r.Get("/report", h.GetReport)

		r.Post("/funding", h.RecordFunding)

		r.Post("/emergency-stop", h.EmergencyStop)
		r.Delete("/emergency-stop", h.ClearEmergencyStop)
	})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"service":        "delta-engine",
		"emergency_stop": h.engine.EmergencyStopped(),
	})
}

// GetStatus handles GET /api/v1/status.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ListPositions handles GET /api/v1/positions.
func (h *Handler) ListPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ActivePositions())
}

// ListLedgerPositions handles GET /api/v1/ledger/positions.
func (h *Handler) ListLedgerPositions(w http.ResponseWriter, _ *http.Request) {
	positions := h.ledger.Positions()
	if positions == nil {
		positions = []model.PositionEntry{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListBalances handles GET /api/v1/ledger/balances.
func (h *Handler) ListBalances(w http.ResponseWriter, _ *http.Request) {
	balances := h.ledger.Balances()
	if balances == nil {
		balances = []model.BalanceEntry{}
	}
	writeJSON(w, http.StatusOK, balances)
}

// GetRisk handles GET /api/v1/risk. The in-memory snapshot wins; the
// journal serves the last persisted one after a restart.
func (h *Handler) GetRisk(w http.ResponseWriter, r *http.Request) {
	if snap, ok := h.ledger.LastRiskMetrics(); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if h.journal == nil {
		writeError(w, "no risk snapshot yet", http.StatusNotFound)
		return
	}
	snap, err := h.journal.LatestRiskSnapshot(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no risk snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.WithError(err).Error("load risk snapshot")
		writeError(w, "failed to load risk snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListHedges handles GET /api/v1/hedges?limit=N. Without a journal the
// evaluator's in-memory history is served.
func (h *Handler) ListHedges(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if h.journal == nil {
		hedges := []model.HedgeExecution{}
		if h.hedger != nil {
			hedges = append(hedges, h.hedger.History()...)
		}
		if limit > 0 && len(hedges) > limit {
			hedges = hedges[len(hedges)-limit:]
		}
		writeJSON(w, http.StatusOK, hedges)
		return
	}

	hedges, err := h.journal.ListHedges(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("list hedges")
		writeError(w, "failed to list hedges", http.StatusInternalServerError)
		return
	}
	if hedges == nil {
		hedges = []model.HedgeExecution{}
	}
	writeJSON(w, http.StatusOK, hedges)
}

// ListTrades handles GET /api/v1/trades?limit=N.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if h.journal == nil {
		writeError(w, "trade journal not configured", http.StatusServiceUnavailable)
		return
	}
	trades, err := h.journal.ListTrades(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("list trades")
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetReport handles GET /api/v1/report.
func (h *Handler) GetReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.PerformanceReport())
}

// FundingRequest is the JSON body for POST /api/v1/funding.
type FundingRequest struct {
	Exchange     string          `json:"exchange"`
	Instrument   string          `json:"instrument"`
	Payment      decimal.Decimal `json:"payment"`
	Rate         decimal.Decimal `json:"rate"`
	PositionSize decimal.Decimal `json:"position_size"`
}

// RecordFunding handles POST /api/v1/funding.
func (h *Handler) RecordFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Exchange == "" || req.Instrument == "" {
		writeError(w, "exchange and instrument are required", http.StatusBadRequest)
		return
	}
	fp := h.engine.RecordFundingPayment(r.Context(), req.Exchange, req.Instrument, req.Payment, req.Rate, req.PositionSize)
	writeJSON(w, http.StatusCreated, fp)
}

// EmergencyStopRequest is the optional JSON body for POST
// /api/v1/emergency-stop.
type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

// EmergencyStop handles POST /api/v1/emergency-stop.
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	req := EmergencyStopRequest{Reason: "operator"}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	changed := h.engine.EmergencyStop(r.Context(), req.Reason)
	h.log.WithFields(logrus.Fields{"reason": req.Reason, "changed": changed}).Warn("emergency stop requested over api")
	writeJSON(w, http.StatusOK, map[string]bool{"emergency_stop": true, "changed": changed})
}

// ClearEmergencyStop handles DELETE /api/v1/emergency-stop.
func (h *Handler) ClearEmergencyStop(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearEmergencyStop()
	writeJSON(w, http.StatusOK, map[string]bool{"emergency_stop": false})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
