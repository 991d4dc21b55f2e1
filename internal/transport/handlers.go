package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/engine"
	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/risk"
)

const maxBodyBytes = 1 << 20

// decodeBody fills v from the request body. An empty body leaves v at
// its zero value so endpoints with all-optional fields accept bare POSTs.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func statusFor(err error) int {
	var provErr *adapters.ProviderError
	var valErr validator.ValidationErrors
	switch {
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrIdeaResolved):
		return http.StatusConflict
	case errors.Is(err, engine.ErrIdeaNotFound), errors.Is(err, decision.ErrNoStrategy):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidOverride):
		return http.StatusBadRequest
	case errors.Is(err, facts.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

type evaluateRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Force     bool   `json:"force"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" || req.Timeframe == "" {
		writeError(w, http.StatusBadRequest, "symbol and timeframe are required")
		return
	}
	ev, err := s.eng.Evaluate(r.Context(), req.Symbol, req.Timeframe, req.Force)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handlePendingIdeas(w http.ResponseWriter, r *http.Request) {
	ideas, err := s.eng.PendingIdeas(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if ideas == nil {
		ideas = []decision.TradeIdea{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ideas": ideas, "count": len(ideas)})
}

type approveRequest struct {
	By        string           `json:"by"`
	Overrides engine.Overrides `json:"overrides"`
}

type approveResponse struct {
	Idea     decision.TradeIdea `json:"idea"`
	Decision risk.GateDecision  `json:"decision"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	idea, dec, err := s.eng.Approve(r.Context(), mux.Vars(r)["id"], req.By, req.Overrides)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Idea: idea, Decision: dec})
}

type rejectRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}
	idea, err := s.eng.Reject(r.Context(), mux.Vars(r)["id"], req.By, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"idea": idea})
}

type haltRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

type killSwitchResponse struct {
	Halt       risk.HaltStatus `json:"halt"`
	SweptIdeas int             `json:"swept_ideas"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeBody(w, r, &req) {
		return
	}
	halt, swept, err := s.eng.KillSwitch(r.Context(), req.By, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, killSwitchResponse{Halt: halt, SweptIdeas: swept})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if !decodeBody(w, r, &req) {
		return
	}
	halt, err := s.eng.Resume(r.Context(), req.By)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"halt": halt})
}

// riskPatch carries only the fields present in the request so an
// operator can change one knob without restating the rest.
type riskPatch struct {
	Enabled             *bool    `json:"ai_trading_enabled"`
	MinConfidence       *float64 `json:"min_confidence_threshold"`
	MaxLotSize          *float64 `json:"max_lot_size"`
	MaxConcurrentTrades *int     `json:"max_concurrent_trades"`
	DailyProfitTarget   *float64 `json:"daily_profit_target"`
	StopAfterTarget     *bool    `json:"stop_after_target"`
	MaxDrawdown         *float64 `json:"max_drawdown_amount"`
	HaltOnDrawdown      *bool    `json:"halt_on_drawdown"`
	AllowOffWatchlist   *bool    `json:"allow_off_watchlist_autotrade"`
}

func (p riskPatch) apply(c *risk.Config) {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.MinConfidence != nil {
		c.MinConfidence = *p.MinConfidence
	}
	if p.MaxLotSize != nil {
		c.MaxLotSize = *p.MaxLotSize
	}
	if p.MaxConcurrentTrades != nil {
		c.MaxConcurrentTrades = *p.MaxConcurrentTrades
	}
	if p.DailyProfitTarget != nil {
		c.DailyProfitTarget = *p.DailyProfitTarget
	}
	if p.StopAfterTarget != nil {
		c.StopAfterTarget = *p.StopAfterTarget
	}
	if p.MaxDrawdown != nil {
		c.MaxDrawdown = *p.MaxDrawdown
	}
	if p.HaltOnDrawdown != nil {
		c.HaltOnDrawdown = *p.HaltOnDrawdown
	}
	if p.AllowOffWatchlist != nil {
		c.AllowOffWatchlist = *p.AllowOffWatchlist
	}
}

func (s *Server) handleRiskConfig(w http.ResponseWriter, r *http.Request) {
	var patch riskPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	cfg, err := s.eng.UpdateRiskConfig(r.Context(), patch.apply)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.RiskStatus())
}

type loopStartRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

func (s *Server) handleLoopStart(w http.ResponseWriter, r *http.Request) {
	var req loopStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.eng.StartLoop(time.Duration(req.IntervalSeconds) * time.Second); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.eng.LoopStatus())
}

func (s *Server) handleLoopStop(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.StopLoop(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.eng.LoopStatus())
}

func (s *Server) handleLoopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.LoopStatus())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.eng.RecentDecisions(r.Context(), q.Get("symbol"), q.Get("idea_id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []decision.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs, "count": len(recs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
