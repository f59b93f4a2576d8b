package signal

import (
	"math"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIME DECAY ADJUSTER - Sharpen the probability as the window nears expiry
// ═══════════════════════════════════════════════════════════════════════════════
//
// With a full window remaining the adjusted pair equals the raw pair; as the
// remaining time shrinks the dominant side is pushed toward certainty. The
// exponent form guarantees the raw direction is never inverted: raising both
// probabilities to the same power preserves their order.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultDecaySharpness is the exponent gain applied at zero remaining time.
const DefaultDecaySharpness = 1.5

// AdjustForTime reshapes a raw probability pair for the remaining window
// time. Negative remaining time is clamped to zero; the result is always a
// valid pair (no NaN/Inf, sums to 1).
func AdjustForTime(p Probability, remaining, window time.Duration, sharpness float64) Probability {
	if window <= 0 {
		return p
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > window {
		remaining = window
	}

	frac := float64(remaining) / float64(window)
	alpha := 1 + sharpness*(1-frac)

	up := math.Pow(p.Up, alpha)
	down := math.Pow(p.Down, alpha)
	total := up + down
	if total == 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return p
	}
	return Probability{Up: up / total, Down: down / total}
}
