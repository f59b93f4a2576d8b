package indicators

import (
	"iter"

	"github.com/oddslab/polysim/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATOR AGGREGATOR - Derived series over a rolling 1-minute bar window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure functions of the bar window. No side effects, no I/O.
// Fields stay nil until enough bars exist; entry decisions require a fully
// populated snapshot, never a partially defaulted one.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TrendColor is the two-valued color of the trend candle transform.
type TrendColor string

const (
	TrendGreen TrendColor = "GREEN"
	TrendRed   TrendColor = "RED"
)

// Snapshot holds the derived indicator values for the latest bar.
// Pointer fields are nil until their warm-up window is satisfied.
type Snapshot struct {
	VWAP               *float64
	VWAPSlope          *float64
	RSI                *float64
	RSISlope           *float64
	MACDHistogram      *float64
	MACDHistogramDelta *float64
	TrendColor         TrendColor // empty until at least one transformed candle
	TrendRunLength     int
}

// Populated reports whether every field needed for an entry decision exists.
func (s Snapshot) Populated() bool {
	return s.VWAP != nil &&
		s.VWAPSlope != nil &&
		s.RSI != nil &&
		s.RSISlope != nil &&
		s.MACDHistogram != nil &&
		s.MACDHistogramDelta != nil &&
		s.TrendColor != ""
}

// Aggregator computes indicator snapshots from a bounded bar window.
type Aggregator struct {
	RSIPeriod     int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	SlopeLookback int // bars between the two points of a forward difference
}

// NewAggregator returns an aggregator with standard periods.
func NewAggregator() Aggregator {
	return Aggregator{
		RSIPeriod:     14,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		SlopeLookback: 3,
	}
}

// Snapshot computes the indicator snapshot for the latest bar of the window.
func (a Aggregator) Snapshot(bars []market.Bar) Snapshot {
	return a.snapshotAt(bars, len(bars))
}

// Series yields a snapshot per bar prefix, oldest first. Used for
// back-testing slope behavior without materializing every snapshot.
func (a Aggregator) Series(bars []market.Bar) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for n := 1; n <= len(bars); n++ {
			if !yield(a.snapshotAt(bars, n)) {
				return
			}
		}
	}
}

func (a Aggregator) snapshotAt(bars []market.Bar, n int) Snapshot {
	var s Snapshot
	if n == 0 || n > len(bars) {
		return s
	}
	window := bars[:n]

	if v, ok := VWAP(window); ok {
		s.VWAP = &v
		if n > a.SlopeLookback {
			if prev, ok := VWAP(bars[:n-a.SlopeLookback]); ok {
				slope := (v - prev) / float64(a.SlopeLookback)
				s.VWAPSlope = &slope
			}
		}
	}

	closes := closePrices(window)
	if r, ok := RSI(closes, a.RSIPeriod); ok {
		s.RSI = &r
		if n > a.SlopeLookback {
			if prev, ok := RSI(closes[:n-a.SlopeLookback], a.RSIPeriod); ok {
				slope := (r - prev) / float64(a.SlopeLookback)
				s.RSISlope = &slope
			}
		}
	}

	if hist, ok := MACDHistogram(closes, a.MACDFast, a.MACDSlow, a.MACDSignal); ok {
		s.MACDHistogram = &hist
		if prev, ok := MACDHistogram(closes[:n-1], a.MACDFast, a.MACDSlow, a.MACDSignal); ok {
			delta := hist - prev
			s.MACDHistogramDelta = &delta
		}
	}

	s.TrendColor, s.TrendRunLength = TrendRun(window)

	return s
}

// VWAP computes the volume-weighted average price over the window.
// When total volume is zero (oracle-derived bars carry no volume) it falls
// back to the unweighted mean of typical prices. The fallback is exact.
func VWAP(bars []market.Bar) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	var pv, vol float64
	for _, b := range bars {
		pv += b.TypicalPrice() * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		var sum float64
		for _, b := range bars {
			sum += b.TypicalPrice()
		}
		return sum / float64(len(bars)), true
	}
	return pv / vol, true
}

// RSI computes the Relative Strength Index with Wilder smoothing.
func RSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}

	gains := make([]float64, 0, len(closes)-1)
	losses := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := mean(gains[:period])
	avgLoss := mean(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// MACDHistogram computes MACD line minus its signal line for the latest bar.
// The signal line is a true EMA over the MACD series, not an approximation.
func MACDHistogram(closes []float64, fast, slow, signal int) (float64, bool) {
	if len(closes) < slow+signal {
		return 0, false
	}

	macd := make([]float64, 0, len(closes)-slow+1)
	for i := slow; i <= len(closes); i++ {
		macd = append(macd, ema(closes[:i], fast)-ema(closes[:i], slow))
	}
	if len(macd) < signal {
		return 0, false
	}
	return macd[len(macd)-1] - ema(macd, signal), true
}

// TrendRun applies the trend-following candle transform (smoothed open/close)
// and returns the color of the latest transformed candle plus the length of
// the run of consecutive same-colored candles ending at it.
func TrendRun(bars []market.Bar) (TrendColor, int) {
	if len(bars) == 0 {
		return "", 0
	}

	colors := make([]TrendColor, len(bars))
	haOpen := bars[0].Open
	haClose := (bars[0].Open + bars[0].High + bars[0].Low + bars[0].Close) / 4
	colors[0] = colorOf(haOpen, haClose)
	for i := 1; i < len(bars); i++ {
		haOpen = (haOpen + haClose) / 2
		haClose = (bars[i].Open + bars[i].High + bars[i].Low + bars[i].Close) / 4
		colors[i] = colorOf(haOpen, haClose)
	}

	run := 1
	for i := len(colors) - 2; i >= 0 && colors[i] == colors[len(colors)-1]; i-- {
		run++
	}
	return colors[len(colors)-1], run
}

func colorOf(open, close float64) TrendColor {
	if close >= open {
		return TrendGreen
	}
	return TrendRed
}

// ema computes an exponential moving average seeded with the SMA of the
// first period values.
func ema(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < period {
		return mean(values)
	}
	k := 2.0 / float64(period+1)
	e := mean(values[:period])
	for i := period; i < len(values); i++ {
		e = (values[i]-e)*k + e
	}
	return e
}

func closePrices(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
