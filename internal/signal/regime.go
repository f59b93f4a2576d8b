package signal

import (
	"github.com/oddslab/polysim/internal/indicators"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REGIME DETECTOR - Short-term market regime from an indicator snapshot
// ═══════════════════════════════════════════════════════════════════════════════

// Regime classifies the short-term market state.
type Regime int

const (
	RegimeChoppy Regime = iota
	RegimeTrendingUp
	RegimeTrendingDown
)

func (r Regime) String() string {
	switch r {
	case RegimeTrendingUp:
		return "TRENDING_UP"
	case RegimeTrendingDown:
		return "TRENDING_DOWN"
	default:
		return "CHOPPY"
	}
}

// RegimeThresholds are the sign/threshold rules used to bucket a snapshot.
type RegimeThresholds struct {
	RSIBull     float64 // RSI above this with positive slope votes bull
	RSIBear     float64 // RSI below this with negative slope votes bear
	MinTrendRun int     // trend run length needed for a color vote
	MinVotes    int     // directional votes required to leave CHOPPY
}

// DefaultRegimeThresholds returns the standard bucketing rules.
func DefaultRegimeThresholds() RegimeThresholds {
	return RegimeThresholds{
		RSIBull:     55,
		RSIBear:     45,
		MinTrendRun: 3,
		MinVotes:    3,
	}
}

// DetectRegime buckets the snapshot into a regime. Pure and deterministic:
// same snapshot and last close always yield the same regime.
// An unpopulated snapshot is always CHOPPY.
func DetectRegime(snap indicators.Snapshot, lastClose float64, th RegimeThresholds) Regime {
	if !snap.Populated() {
		return RegimeChoppy
	}

	var bull, bear int

	// Price vs VWAP, confirmed by VWAP slope direction.
	if lastClose > *snap.VWAP && *snap.VWAPSlope >= 0 {
		bull++
	} else if lastClose < *snap.VWAP && *snap.VWAPSlope <= 0 {
		bear++
	}

	// RSI level and slope must agree.
	if *snap.RSI > th.RSIBull && *snap.RSISlope > 0 {
		bull++
	} else if *snap.RSI < th.RSIBear && *snap.RSISlope < 0 {
		bear++
	}

	// MACD histogram sign, with the delta breaking weak histograms.
	if *snap.MACDHistogram > 0 {
		bull++
	} else if *snap.MACDHistogram < 0 {
		bear++
	}

	// Trend candle color with a sustained run.
	if snap.TrendRunLength >= th.MinTrendRun {
		if snap.TrendColor == indicators.TrendGreen {
			bull++
		} else {
			bear++
		}
	}

	switch {
	case bull >= th.MinVotes && bull > bear:
		return RegimeTrendingUp
	case bear >= th.MinVotes && bear > bull:
		return RegimeTrendingDown
	default:
		return RegimeChoppy
	}
}
