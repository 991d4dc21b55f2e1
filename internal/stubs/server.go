// Package stubs hosts a local provider bundle behind the same REST
// contract the live adapters speak: simulated bars and account state,
// a scriptable news calendar and an order acknowledger. It exists so
// the whole engine can rehearse end to end without a terminal bridge.
package stubs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradewheel/autonomy/internal/adapters"
	"github.com/tradewheel/autonomy/internal/facts"
	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("stubs")

// Options tune the stub bundle. Zero values mean a random-ish seed,
// 10000 equity and instant order acknowledgements.
type Options struct {
	Addr      string
	Seed      int64
	Equity    float64
	LatencyMs int
}

// Server holds the in-memory provider state. Everything resets on
// restart; the scripting endpoints exist so an operator can stage
// embargoes and equity swings mid-rehearsal.
type Server struct {
	feed    *adapters.SimFeed
	router  *mux.Router
	http    *http.Server
	latency time.Duration
	now     func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	equity float64
	news   map[string]newsScript
	orders []placedOrder
	seq    int
}

type newsScript struct {
	Penalty int       `json:"penalty"`
	Blocked bool      `json:"blocked"`
	Until   time.Time `json:"until"`
}

type placedOrder struct {
	Spec   adapters.OrderSpec   `json:"spec"`
	Result adapters.OrderResult `json:"result"`
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8090"
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Equity <= 0 {
		opts.Equity = 10000
	}
	s := &Server{
		feed:    adapters.NewSimFeed(opts.Seed),
		latency: time.Duration(opts.LatencyMs) * time.Millisecond,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(opts.Seed)),
		equity:  opts.Equity,
		news:    make(map[string]newsScript),
	}

	r := mux.NewRouter()
	r.HandleFunc("/bars", s.handleBars).Methods(http.MethodGet)
	r.HandleFunc("/account", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/account", s.handleSetAccount).Methods(http.MethodPost)
	r.HandleFunc("/news", s.handleNews).Methods(http.MethodGet)
	r.HandleFunc("/news", s.handleScriptNews).Methods(http.MethodPost)
	r.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s.router = r
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the handler tree for in-process tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("stub providers listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	timeframe := q.Get("timeframe")
	count, err := strconv.Atoi(q.Get("count"))
	if symbol == "" || timeframe == "" || err != nil || count <= 0 {
		respondErr(w, http.StatusBadRequest, "symbol, timeframe and a positive count are required")
		return
	}

	bars, err := s.feed.GetBars(r.Context(), symbol, timeframe, count)
	if err != nil {
		// The adapters treat 400 as unretryable, which is right for an
		// unknown symbol or timeframe.
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, struct {
		Symbol    string      `json:"symbol"`
		Timeframe string      `json:"timeframe"`
		Bars      []facts.Bar `json:"bars"`
	}{Symbol: symbol, Timeframe: timeframe, Bars: bars})
}

func (s *Server) accountState() adapters.AccountState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adapters.AccountState{
		Balance:    s.equity,
		Equity:     s.equity,
		FreeMargin: s.equity,
		Currency:   "USD",
		UpdatedAt:  s.now().UTC(),
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, s.accountState())
}

func (s *Server) handleSetAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Equity float64 `json:"equity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Equity <= 0 {
		respondErr(w, http.StatusBadRequest, "a positive equity is required")
		return
	}
	s.mu.Lock()
	s.equity = req.Equity
	s.mu.Unlock()
	log.Info().Float64("equity", req.Equity).Msg("account equity scripted")
	respond(w, http.StatusOK, s.accountState())
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		respondErr(w, http.StatusBadRequest, "symbol is required")
		return
	}

	penalty, blocked := 0, false
	s.mu.Lock()
	if script, ok := s.news[symbol]; ok {
		if s.now().Before(script.Until) {
			penalty, blocked = script.Penalty, script.Blocked
		} else {
			delete(s.news, symbol)
		}
	}
	s.mu.Unlock()

	respond(w, http.StatusOK, struct {
		Symbol  string `json:"symbol"`
		Penalty int    `json:"penalty"`
		Blocked bool   `json:"blocked"`
	}{Symbol: symbol, Penalty: penalty, Blocked: blocked})
}

func (s *Server) handleScriptNews(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol  string `json:"symbol"`
		Penalty int    `json:"penalty"`
		Blocked bool   `json:"blocked"`
		TTLMins int    `json:"ttl_mins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		respondErr(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Penalty > 0 {
		respondErr(w, http.StatusBadRequest, "penalty subtracts confidence and must be <= 0")
		return
	}
	if req.TTLMins <= 0 {
		req.TTLMins = 60
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	script := newsScript{
		Penalty: req.Penalty,
		Blocked: req.Blocked,
		Until:   s.now().Add(time.Duration(req.TTLMins) * time.Minute),
	}
	s.mu.Lock()
	s.news[symbol] = script
	s.mu.Unlock()
	log.Info().Str("symbol", symbol).Int("penalty", req.Penalty).Bool("blocked", req.Blocked).
		Int("ttl_mins", req.TTLMins).Msg("news window scripted")
	respond(w, http.StatusOK, script)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	var spec adapters.OrderSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondErr(w, http.StatusBadRequest, fmt.Sprintf("invalid order: %v", err))
		return
	}
	if spec.Symbol == "" || spec.Volume <= 0 {
		respondErr(w, http.StatusBadRequest, "symbol and a positive volume are required")
		return
	}
	if spec.Direction != "buy" && spec.Direction != "sell" {
		respondErr(w, http.StatusBadRequest, "direction must be buy or sell")
		return
	}
	if spec.Kind != "market" && spec.Kind != "pending" {
		respondErr(w, http.StatusBadRequest, "kind must be market or pending")
		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	s.mu.Lock()
	s.seq++
	res := adapters.OrderResult{
		OrderID:    fmt.Sprintf("stub-%06d", s.seq),
		Status:     "placed",
		ExecutedAt: s.now().UTC(),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	if spec.Kind == "market" {
		// Fill at the requested price with about half a pip of slippage.
		res.Status = "filled"
		res.FilledPrice = spec.Price + s.rng.NormFloat64()*0.00005
	}
	s.orders = append(s.orders, placedOrder{Spec: spec, Result: res})
	s.mu.Unlock()

	log.Info().Str("order_id", res.OrderID).Str("symbol", spec.Symbol).
		Str("kind", spec.Kind).Float64("volume", spec.Volume).
		Str("status", res.Status).Msg("order acknowledged")
	respond(w, http.StatusOK, res)
}

func (s *Server) handleListOrders(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	orders := append([]placedOrder(nil), s.orders...)
	s.mu.Unlock()
	respond(w, http.StatusOK, struct {
		Orders []placedOrder `json:"orders"`
		Count  int           `json:"count"`
	}{Orders: orders, Count: len(orders)})
}

func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("stub response encode failed")
	}
}

func respondErr(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
