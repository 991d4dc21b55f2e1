package adapters

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tradewheel/autonomy/internal/facts"
)

// SimFeed synthesizes bar windows with a seeded random walk. The walk
// carries across calls, so a ticking loop sees a continuous series, and
// a fixed seed makes runs reproducible.
type SimFeed struct {
	mu    sync.Mutex
	rng   *rand.Rand
	pairs map[string]*simPair
	now   func() time.Time
}

type simPair struct {
	base float64 // starting price
	vol  float64 // per-bar move scale in price units
	last float64 // walk position, 0 until first window
}

// NewSimFeed creates a sim feed over the default pair set.
func NewSimFeed(seed int64) *SimFeed {
	return &SimFeed{
		rng: rand.New(rand.NewSource(seed)),
		pairs: map[string]*simPair{
			"EURUSD": {base: 1.1030, vol: 0.0009},
			"GBPUSD": {base: 1.2710, vol: 0.0012},
			"USDJPY": {base: 157.30, vol: 0.14},
			"AUDUSD": {base: 0.6650, vol: 0.0008},
			"XAUUSD": {base: 2365.0, vol: 3.5},
		},
		now: time.Now,
	}
}

// AddPair registers an extra symbol for simulation.
func (s *SimFeed) AddPair(symbol string, base, vol float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[strings.ToUpper(symbol)] = &simPair{base: base, vol: vol}
}

func (s *SimFeed) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]facts.Bar, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if count <= 0 {
		return nil, NewProviderError(symbol, "non-positive bar count", nil)
	}

	step, err := TimeframeStep(timeframe)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.pairs[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, NewBadSymbolError(symbol, "symbol not simulated")
	}

	price := pair.last
	if price == 0 {
		price = pair.base
	}

	end := s.now().UTC().Truncate(step)
	start := end.Add(-step * time.Duration(count-1))

	bars := make([]facts.Bar, count)
	for i := 0; i < count; i++ {
		open := price
		close := open + s.rng.NormFloat64()*pair.vol
		if close <= 0 {
			close = open * 0.999
		}
		high := math.Max(open, close) + math.Abs(s.rng.NormFloat64())*pair.vol*0.5
		low := math.Min(open, close) - math.Abs(s.rng.NormFloat64())*pair.vol*0.5
		if low <= 0 {
			low = math.Min(open, close) * 0.999
		}
		bars[i] = facts.Bar{
			Time:   start.Add(step * time.Duration(i)),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 500 + s.rng.Float64()*1500,
		}
		price = close
	}
	pair.last = price

	return bars, nil
}

func (s *SimFeed) GetAccountState(ctx context.Context) (AccountState, error) {
	select {
	case <-ctx.Done():
		return AccountState{}, ctx.Err()
	default:
	}
	return AccountState{
		Balance:    10000,
		Equity:     10000,
		FreeMargin: 10000,
		Currency:   "USD",
		UpdatedAt:  s.now().UTC(),
	}, nil
}

func (s *SimFeed) HealthCheck(ctx context.Context) error { return nil }

func (s *SimFeed) Close() error { return nil }

// TimeframeStep maps a chart timeframe code to its bar duration.
func TimeframeStep(timeframe string) (time.Duration, error) {
	switch strings.ToUpper(strings.TrimSpace(timeframe)) {
	case "M1":
		return time.Minute, nil
	case "M5":
		return 5 * time.Minute, nil
	case "M15":
		return 15 * time.Minute, nil
	case "M30":
		return 30 * time.Minute, nil
	case "H1":
		return time.Hour, nil
	case "H4":
		return 4 * time.Hour, nil
	case "D1":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", timeframe)
	}
}

// SimBroker acknowledges orders locally with simulated fill latency and
// slippage. Market orders fill at the requested price adjusted against
// the trade direction; pending orders are acknowledged as placed.
type SimBroker struct {
	mu             sync.Mutex
	rng            *rand.Rand
	latencyMsMin   int
	latencyMsMax   int
	slippageBpsMin int
	slippageBpsMax int
	now            func() time.Time
}

func NewSimBroker(seed int64) *SimBroker {
	return &SimBroker{
		rng:            rand.New(rand.NewSource(seed)),
		latencyMsMin:   20,
		latencyMsMax:   120,
		slippageBpsMin: 0,
		slippageBpsMax: 3,
		now:            time.Now,
	}
}

func (b *SimBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	if spec.Volume <= 0 {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: fmt.Errorf("non-positive volume %.4f", spec.Volume)}
	}
	if spec.Direction != "buy" && spec.Direction != "sell" {
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: fmt.Errorf("unknown direction %q", spec.Direction)}
	}

	b.mu.Lock()
	latencyMs := b.latencyMsMin + b.rng.Intn(b.latencyMsMax-b.latencyMsMin+1)
	slippageBps := b.slippageBpsMin + b.rng.Intn(b.slippageBpsMax-b.slippageBpsMin+1)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return OrderResult{}, &ExecError{Op: "place_order", Symbol: spec.Symbol, Cause: ctx.Err()}
	case <-time.After(time.Duration(latencyMs) * time.Millisecond):
	}

	now := b.now().UTC()
	result := OrderResult{
		OrderID:    fmt.Sprintf("order_%s_%d", spec.Symbol, now.UnixNano()),
		Status:     "placed",
		ExecutedAt: now,
		LatencyMs:  int64(latencyMs),
	}

	if spec.Kind == "market" {
		slip := 1.0 + float64(slippageBps)/10000.0
		switch spec.Direction {
		case "buy":
			result.FilledPrice = spec.Price * slip
		case "sell":
			result.FilledPrice = spec.Price / slip
		}
		result.Status = "filled"
	}

	return result, nil
}

func (b *SimBroker) Close() error { return nil }
