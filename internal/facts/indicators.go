package facts

import (
	"math"
	"sort"
)

// EMA returns the exponential moving average series for values.
// alpha = 2/(period+1), seeded with the first value. The returned slice
// has the same length as the input.
func EMA(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI computes the relative strength index of the final close using
// Wilder smoothing: simple averages over the first period deltas seed
// the running averages, then avg = (prev*(period-1)+current)/period.
// An all-gain window returns 100, an all-loss window returns 0.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return math.NaN()
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the final MACD line, signal line, and histogram for the
// given close series. The MACD line is EMA(fast)-EMA(slow); the signal
// is an EMA of the MACD series; histogram = macd - signal.
func MACD(closes []float64, fast, slow, signal int) (macd, sig, hist float64) {
	if len(closes) < slow {
		return math.NaN(), math.NaN(), math.NaN()
	}
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	macdSeries := make([]float64, len(closes))
	for i := range closes {
		macdSeries[i] = emaFast[i] - emaSlow[i]
	}
	sigSeries := EMA(macdSeries, signal)
	n := len(closes) - 1
	return macdSeries[n], sigSeries[n], macdSeries[n] - sigSeries[n]
}

// TrueRange for bar i (i >= 1): max of high-low, |high-prevClose|,
// |low-prevClose|.
func TrueRange(cur, prev Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// ATRSeries returns the rolling mean of true range over period. The
// series is aligned so that element j corresponds to bar j+period; it
// is empty when fewer than period+1 bars are supplied.
func ATRSeries(bars []Bar, period int) []float64 {
	if len(bars) < period+1 || period <= 0 {
		return nil
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		trs = append(trs, TrueRange(bars[i], bars[i-1]))
	}
	out := make([]float64, 0, len(trs)-period+1)
	var sum float64
	for i, tr := range trs {
		sum += tr
		if i >= period {
			sum -= trs[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}

// Median of xs; the input is not modified. NaN for an empty slice.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	cp := make([]float64, len(xs))
	copy(cp, xs)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}
