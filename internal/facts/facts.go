// Package facts turns an ordered OHLC bar window into a flat set of
// named boolean facts consumed by strategy condition lists. Derivation
// is pure: the same window and parameters always produce the same set.
package facts

import (
	"errors"
	"fmt"
	"time"
)

// Bar is one OHLCV candle. Bars are ordered oldest first everywhere in
// this package.
type Bar struct {
	Time   time.Time `json:"time" db:"bar_time"`
	Open   float64   `json:"open" db:"open"`
	High   float64   `json:"high" db:"high"`
	Low    float64   `json:"low" db:"low"`
	Close  float64   `json:"close" db:"close"`
	Volume float64   `json:"volume" db:"volume"`
}

// Params are the indicator parameters attached to a strategy rule.
type Params struct {
	EMAFast    int `yaml:"ema_fast" json:"ema_fast" default:"9" validate:"gt=0"`
	EMASlow    int `yaml:"ema_slow" json:"ema_slow" default:"21" validate:"gt=0"`
	RSIPeriod  int `yaml:"rsi_period" json:"rsi_period" default:"14" validate:"gt=1"`
	MACDFast   int `yaml:"macd_fast" json:"macd_fast" default:"12" validate:"gt=0"`
	MACDSlow   int `yaml:"macd_slow" json:"macd_slow" default:"26" validate:"gt=0"`
	MACDSignal int `yaml:"macd_signal" json:"macd_signal" default:"9" validate:"gt=0"`
	ATRPeriod  int `yaml:"atr_period" json:"atr_period" default:"14" validate:"gt=0"`
}

// MinBars is the longest lookback any configured indicator requires.
// Windows shorter than this fail derivation with ErrInsufficientData.
func (p Params) MinBars() int {
	min := p.EMASlow
	if n := p.RSIPeriod + 1; n > min {
		min = n
	}
	if n := p.MACDSlow + p.MACDSignal; n > min {
		min = n
	}
	if n := p.ATRPeriod + 1; n > min {
		min = n
	}
	return min
}

// atrMedianWindow bounds the rolling ATR median lookback.
const atrMedianWindow = 50

// ErrInsufficientData marks a bar window shorter than the longest
// indicator lookback. Callers must skip the evaluation for this tick;
// scoring on partial data would produce corrupt confidence values.
var ErrInsufficientData = errors.New("insufficient data")

// Set maps fact name to truth value for one evaluation tick. Sets are
// derived fresh per tick and never persisted beyond their snapshot.
type Set map[string]bool

// Values carries the raw indicator readings behind a derived Set.
// Downstream stop/target derivation needs ATR; everything else is kept
// for the audit snapshot.
type Values struct {
	Close      float64 `json:"close"`
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ATR        float64 `json:"atr"`
	ATRMedian  float64 `json:"atr_median"`
}

var knownFacts = map[string]bool{
	"ema_fast_gt_slow":        true,
	"ema_fast_lt_slow":        true,
	"price_above_ema_fast":    true,
	"price_below_ema_fast":    true,
	"price_above_ema_slow":    true,
	"price_close_lt_ema_slow": true,
	"rsi_lt_30":               true,
	"rsi_gt_70":               true,
	"rsi_between_40_60":       true,
	"macd_hist_gt_0":          true,
	"macd_hist_lt_0":          true,
	"atr_above_median":        true,
	"atr_below_median":        true,
	"long_upper_wick":         true,
	"long_lower_wick":         true,
	"divergence_bullish":      true,
	"divergence_bearish":      true,
}

// IsKnown reports whether name is part of the fact vocabulary. Strategy
// validation rejects condition lists referencing unknown facts.
func IsKnown(name string) bool { return knownFacts[name] }

// KnownFacts returns the full vocabulary, for diagnostics.
func KnownFacts() []string {
	out := make([]string, 0, len(knownFacts))
	for name := range knownFacts {
		out = append(out, name)
	}
	return out
}

// Derive computes the fact set and indicator values for the given
// window. Bars must be ordered oldest first. Fails with
// ErrInsufficientData when the window is shorter than p.MinBars().
func Derive(bars []Bar, p Params) (Set, Values, error) {
	need := p.MinBars()
	if len(bars) < need {
		return nil, Values{}, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientData, len(bars), need)
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	last := bars[len(bars)-1]

	emaFast := EMA(closes, p.EMAFast)
	emaSlow := EMA(closes, p.EMASlow)
	rsi := RSI(closes, p.RSIPeriod)
	macd, macdSig, macdHist := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	atrs := ATRSeries(bars, p.ATRPeriod)

	atr := atrs[len(atrs)-1]
	medStart := 0
	if len(atrs) > atrMedianWindow {
		medStart = len(atrs) - atrMedianWindow
	}
	atrMedian := Median(atrs[medStart:])

	v := Values{
		Close:      last.Close,
		EMAFast:    emaFast[len(emaFast)-1],
		EMASlow:    emaSlow[len(emaSlow)-1],
		RSI:        rsi,
		MACD:       macd,
		MACDSignal: macdSig,
		MACDHist:   macdHist,
		ATR:        atr,
		ATRMedian:  atrMedian,
	}

	s := Set{
		"ema_fast_gt_slow":        v.EMAFast > v.EMASlow,
		"ema_fast_lt_slow":        v.EMAFast < v.EMASlow,
		"price_above_ema_fast":    v.Close > v.EMAFast,
		"price_below_ema_fast":    v.Close < v.EMAFast,
		"price_above_ema_slow":    v.Close > v.EMASlow,
		"price_close_lt_ema_slow": v.Close < v.EMASlow,
		"rsi_lt_30":               v.RSI < 30,
		"rsi_gt_70":               v.RSI > 70,
		"rsi_between_40_60":       v.RSI >= 40 && v.RSI <= 60,
		"macd_hist_gt_0":          v.MACDHist > 0,
		"macd_hist_lt_0":          v.MACDHist < 0,
		"atr_above_median":        v.ATR > v.ATRMedian,
		"atr_below_median":        v.ATR < v.ATRMedian,
		// Divergence detection is not implemented; the names stay in the
		// vocabulary so strategy files referencing them stay loadable.
		"divergence_bullish": false,
		"divergence_bearish": false,
	}
	s["long_upper_wick"], s["long_lower_wick"] = wickFacts(last)
	return s, v, nil
}

// wickFacts classifies the latest candle's wicks. A wick is long when it
// exceeds twice the body; a zero body asserts neither fact.
func wickFacts(b Bar) (upper, lower bool) {
	body := b.Close - b.Open
	if body < 0 {
		body = -body
	}
	if body == 0 {
		return false, false
	}
	top := b.Open
	if b.Close > top {
		top = b.Close
	}
	bottom := b.Open
	if b.Close < bottom {
		bottom = b.Close
	}
	return (b.High - top) > 2*body, (bottom - b.Low) > 2*body
}
