package signal

import (
	"math"

	"github.com/oddslab/polysim/internal/indicators"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROBABILITY SCORER - Regime + indicators to a directional probability pair
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fixed heuristic scorer, not a learned model. Un-normalized directional
// scores are accumulated per side and normalized so Up+Down = 1.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Probability is a directional probability pair. Up + Down = 1.
type Probability struct {
	Up   float64
	Down float64
}

// Better returns the larger of the two probabilities and true when Up wins.
func (p Probability) Better() (float64, bool) {
	if p.Up >= p.Down {
		return p.Up, true
	}
	return p.Down, false
}

// ScoreWeights control how much each indicator contributes to the
// directional score.
type ScoreWeights struct {
	Regime   float64
	VWAPDist float64
	RSI      float64
	MACD     float64
	TrendRun float64
}

// DefaultScoreWeights returns the standard contribution weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Regime:   0.60,
		VWAPDist: 0.35,
		RSI:      0.30,
		MACD:     0.30,
		TrendRun: 0.20,
	}
}

// ScoreProbability maps a regime and snapshot to a probability pair.
// Deterministic and side-effect free. An unpopulated snapshot scores 50/50.
func ScoreProbability(regime Regime, snap indicators.Snapshot, lastClose float64, w ScoreWeights) Probability {
	// Laplace-style base keeps both sides strictly positive so
	// normalization is always well defined.
	up, down := 1.0, 1.0

	switch regime {
	case RegimeTrendingUp:
		up += w.Regime
	case RegimeTrendingDown:
		down += w.Regime
	}

	if !snap.Populated() {
		return normalize(up, down)
	}

	// Distance from VWAP in basis-point terms, saturating at ±1.
	if *snap.VWAP > 0 {
		dist := clampUnit((lastClose - *snap.VWAP) / *snap.VWAP * 1000)
		if dist > 0 {
			up += w.VWAPDist * dist
		} else {
			down += w.VWAPDist * -dist
		}
	}

	// RSI centered at 50, scaled to ±1.
	rsiBias := clampUnit((*snap.RSI - 50) / 50)
	if rsiBias > 0 {
		up += w.RSI * rsiBias
	} else {
		down += w.RSI * -rsiBias
	}

	// MACD histogram: sign carries direction, a growing histogram
	// counts double weight relative to a shrinking one.
	macdBias := 0.5
	if sameSign(*snap.MACDHistogram, *snap.MACDHistogramDelta) {
		macdBias = 1.0
	}
	if *snap.MACDHistogram > 0 {
		up += w.MACD * macdBias
	} else if *snap.MACDHistogram < 0 {
		down += w.MACD * macdBias
	}

	// Trend run, saturating at 5 bars.
	run := math.Min(float64(snap.TrendRunLength), 5) / 5
	if snap.TrendColor == indicators.TrendGreen {
		up += w.TrendRun * run
	} else {
		down += w.TrendRun * run
	}

	return normalize(up, down)
}

func normalize(up, down float64) Probability {
	total := up + down
	return Probability{Up: up / total, Down: down / total}
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
