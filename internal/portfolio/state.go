package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tradewheel/autonomy/internal/observ"
)

// OpenPosition is one live trade this engine opened. Manual positions
// on the same account are not tracked here; the concurrency gate
// counts autonomous trades only.
type OpenPosition struct {
	Ticket        string    `json:"ticket"`         // broker ticket or order id
	IdeaID        string    `json:"idea_id"`        // originating trade idea
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`      // buy or sell
	Volume        float64   `json:"volume"`         // lots
	OpenPrice     float64   `json:"open_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	OpenedAt      time.Time `json:"opened_at"`
	UnrealizedPnL float64   `json:"unrealized_pnl"` // broker-reported, refreshed on marks
}

// DayStats accumulates realized results for one UTC day. The window
// resets lazily on the first access after midnight.
type DayStats struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	RealizedPnL  float64 `json:"realized_pnl"`
	TradesOpened int     `json:"trades_opened"`
	TradesClosed int     `json:"trades_closed"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
}

// State is the persisted portfolio snapshot.
type State struct {
	Version    int64                   `json:"version"`    // monotonic, bumps on every save
	UpdatedAt  time.Time               `json:"updated_at"`
	EquityPeak float64                 `json:"equity_peak"` // high-water mark for drawdown
	LastEquity float64                 `json:"last_equity"`
	Positions  map[string]OpenPosition `json:"positions"` // keyed by ticket
	Day        DayStats                `json:"day"`
}

// Summary is the read-only view served on the risk status endpoint.
type Summary struct {
	EquityPeak float64        `json:"equity_peak"`
	LastEquity float64        `json:"last_equity"`
	Drawdown   float64        `json:"drawdown"`
	OpenCount  int            `json:"open_count"`
	Day        DayStats       `json:"day"`
	Positions  []OpenPosition `json:"positions"`
}

// Tracker owns the portfolio state file. All mutations persist
// atomically (temp file + rename) before returning.
type Tracker struct {
	path  string
	mu    sync.RWMutex
	state State
	now   func() time.Time
}

func NewTracker(path string) *Tracker {
	return &Tracker{
		path: path,
		now:  time.Now,
		state: State{
			Positions: make(map[string]OpenPosition),
			Day:       DayStats{Date: time.Now().UTC().Format("2006-01-02")},
		},
	}
}

// Load reads the state file, starting fresh when it does not exist.
// A stale daily window is rolled forward before first use.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return t.saveLocked()
		}
		return fmt.Errorf("read portfolio state: %w", err)
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		return fmt.Errorf("unmarshal portfolio state: %w", err)
	}
	if t.state.Positions == nil {
		t.state.Positions = make(map[string]OpenPosition)
	}
	t.rollDayLocked()
	t.publishGaugesLocked()
	return nil
}

func (t *Tracker) saveLocked() error {
	t.state.Version++
	t.state.UpdatedAt = t.now().UTC()

	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write portfolio state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename portfolio state: %w", err)
	}
	return nil
}

// rollDayLocked resets the daily window when the UTC date has moved on.
func (t *Tracker) rollDayLocked() {
	today := t.now().UTC().Format("2006-01-02")
	if t.state.Day.Date != today {
		t.state.Day = DayStats{Date: today}
	}
}

func (t *Tracker) publishGaugesLocked() {
	observ.OpenPositions.Set(float64(len(t.state.Positions)))
	observ.Drawdown.Set(t.drawdownLocked())
}

func (t *Tracker) drawdownLocked() float64 {
	dd := t.state.EquityPeak - t.state.LastEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// MarkEquity records a fresh account equity reading and advances the
// high-water mark. The peak only ever rises; recovering equity is the
// sole way drawdown shrinks.
func (t *Tracker) MarkEquity(equity float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	t.state.LastEquity = equity
	if equity > t.state.EquityPeak {
		t.state.EquityPeak = equity
	}
	t.publishGaugesLocked()
	return t.saveLocked()
}

// RecordOpen adds a freshly dispatched position.
func (t *Tracker) RecordOpen(pos OpenPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = t.now().UTC()
	}
	t.state.Positions[pos.Ticket] = pos
	t.state.Day.TradesOpened++
	t.publishGaugesLocked()
	return t.saveLocked()
}

// RecordClose removes a position and realizes its profit into the
// daily window. Unknown tickets are a no-op so broker-side closes can
// be replayed without double counting.
func (t *Tracker) RecordClose(ticket string, profit float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	if _, ok := t.state.Positions[ticket]; !ok {
		return nil
	}
	delete(t.state.Positions, ticket)
	t.state.Day.RealizedPnL += profit
	t.state.Day.TradesClosed++
	if profit > 0 {
		t.state.Day.Wins++
	} else if profit < 0 {
		t.state.Day.Losses++
	}
	t.publishGaugesLocked()
	return t.saveLocked()
}

// MarkPosition refreshes the broker-reported floating profit of one
// open position. Unknown tickets are a no-op.
func (t *Tracker) MarkPosition(ticket string, unrealized float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.state.Positions[ticket]
	if !ok {
		return nil
	}
	pos.UnrealizedPnL = unrealized
	t.state.Positions[ticket] = pos
	return t.saveLocked()
}

// Drawdown is the distance from the equity high-water mark, never
// negative.
func (t *Tracker) Drawdown() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.drawdownLocked()
}

// DailyRealized is the realized profit for the current UTC day.
func (t *Tracker) DailyRealized() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDayLocked()
	return t.state.Day.RealizedPnL
}

// OpenCount is the number of live autonomous positions.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.state.Positions)
}

// HasOpen reports whether a symbol already carries a live position.
func (t *Tracker) HasOpen(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, pos := range t.state.Positions {
		if pos.Symbol == symbol {
			return true
		}
	}
	return false
}

// OpenPositions returns live positions ordered by open time.
func (t *Tracker) OpenPositions() []OpenPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]OpenPosition, 0, len(t.state.Positions))
	for _, pos := range t.state.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Summary assembles the status view in one pass under the read lock.
func (t *Tracker) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	positions := make([]OpenPosition, 0, len(t.state.Positions))
	for _, pos := range t.state.Positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].OpenedAt.Before(positions[j].OpenedAt) })
	return Summary{
		EquityPeak: t.state.EquityPeak,
		LastEquity: t.state.LastEquity,
		Drawdown:   t.drawdownLocked(),
		OpenCount:  len(positions),
		Day:        t.state.Day,
		Positions:  positions,
	}
}
