package signal

import (
	"time"

	"github.com/oddslab/polysim/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EDGE CALCULATOR - Model probability vs market-implied probability
// ═══════════════════════════════════════════════════════════════════════════════

// Edge is the signed difference between the model's adjusted probability and
// the market-implied probability per side. Positive means the model is more
// bullish on that side than the market price implies.
type Edge struct {
	Up   float64
	Down float64
}

// For returns the edge for a side.
func (e Edge) For(side market.Side) float64 {
	if side == market.SideUp {
		return e.Up
	}
	return e.Down
}

// ComputeEdges treats each side's quoted price as its own implied
// probability. The two sides are independently sourced and are not assumed
// to be complements.
func ComputeEdges(p Probability, quote market.MarketQuote) Edge {
	return Edge{
		Up:   p.Up - quote.UpPrice.InexactFloat64(),
		Down: p.Down - quote.DownPrice.InexactFloat64(),
	}
}

// PhaseGate holds the entry thresholds for one phase.
type PhaseGate struct {
	MinProbability float64
	MinEdge        float64
}

// PhaseGates holds per-phase entry thresholds. Later phases must be at least
// as strict as earlier ones for both fields; config validation enforces it.
type PhaseGates struct {
	Early PhaseGate
	Mid   PhaseGate
	Late  PhaseGate
}

// For returns the gate for a phase.
func (g PhaseGates) For(phase market.Phase) PhaseGate {
	switch phase {
	case market.PhaseEarly:
		return g.Early
	case market.PhaseMid:
		return g.Mid
	default:
		return g.Late
	}
}

// PhaseCutoffs split the window by remaining time.
type PhaseCutoffs struct {
	EarlyMinRemaining time.Duration // more than this remaining means EARLY
	MidMinRemaining   time.Duration // more than this remaining means MID, else LATE
}

// PhaseFor buckets remaining window time into a phase. Purely a function of
// time, independent of probability.
func PhaseFor(remaining time.Duration, cutoffs PhaseCutoffs) market.Phase {
	switch {
	case remaining > cutoffs.EarlyMinRemaining:
		return market.PhaseEarly
	case remaining > cutoffs.MidMinRemaining:
		return market.PhaseMid
	default:
		return market.PhaseLate
	}
}

// Recommend issues the coarse enter/hold decision. A side is a candidate
// when both its model probability and its edge clear the phase gate; among
// candidates the larger edge wins. With no candidate the action is HOLD and
// Side is empty, but Edge still reports the better side's edge so a caller
// can see how close the call was.
func Recommend(p Probability, e Edge, phase market.Phase, gates PhaseGates) market.Recommendation {
	gate := gates.For(phase)
	rec := market.Recommendation{Action: market.ActionHold, Phase: phase}

	upOK := p.Up >= gate.MinProbability && e.Up >= gate.MinEdge
	downOK := p.Down >= gate.MinProbability && e.Down >= gate.MinEdge

	switch {
	case upOK && downOK:
		// Both clearing happens only with mispriced quotes; take the
		// larger edge.
		if e.Up >= e.Down {
			rec.Action, rec.Side, rec.Edge = market.ActionEnter, market.SideUp, e.Up
		} else {
			rec.Action, rec.Side, rec.Edge = market.ActionEnter, market.SideDown, e.Down
		}
	case upOK:
		rec.Action, rec.Side, rec.Edge = market.ActionEnter, market.SideUp, e.Up
	case downOK:
		rec.Action, rec.Side, rec.Edge = market.ActionEnter, market.SideDown, e.Down
	default:
		if e.Up >= e.Down {
			rec.Edge = e.Up
		} else {
			rec.Edge = e.Down
		}
	}
	return rec
}
