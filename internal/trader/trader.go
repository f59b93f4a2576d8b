package trader

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/config"
	"github.com/oddslab/polysim/internal/indicators"
	"github.com/oddslab/polysim/internal/ledger"
	"github.com/oddslab/polysim/internal/market"
	"github.com/oddslab/polysim/internal/signal"
)

// Gate names recorded in the explain record when an entry is blocked.
const (
	GateWarmup        = "warmup"
	GateIndicators    = "indicators_unpopulated"
	GateSignal        = "signal"
	GateNoQuote       = "no_quote"
	GateSpread        = "spread"
	GateLiquidity     = "liquidity"
	GateWindowClosing = "window_closing"
	GatePriceSanity   = "price_sanity"
	GateNoBalance     = "no_balance"
)

// TickInput carries everything one evaluation needs. The engine assembles
// it from the feeds and the signal pipeline; the trader never reaches back
// into a feed itself.
type TickInput struct {
	Now       time.Time
	Bars      []market.Bar
	Quote     *market.MarketQuote
	Snapshot  indicators.Snapshot
	Prob      signal.Probability // time-adjusted
	Rec       market.Recommendation
	Remaining time.Duration
}

// Explain records why a tick did or did not act. One is produced for every
// evaluation, acted or not, so a session can always be reconstructed.
type Explain struct {
	Time     time.Time    `json:"time"`
	Phase    market.Phase `json:"phase"`
	PUp      float64      `json:"pUp"`
	PDown    float64      `json:"pDown"`
	EdgeUp   float64      `json:"edgeUp"`
	EdgeDown float64      `json:"edgeDown"`
	Eligible bool         `json:"eligible"`
	Blocked  string       `json:"blocked,omitempty"`
	Action   string       `json:"action"`
	Detail   string       `json:"detail,omitempty"`
}

// Actions reported in the explain record.
const (
	ActionNone  = "none"
	ActionEnter = "enter"
	ActionExit  = "exit"
	ActionFlip  = "flip_reenter"
	ActionHold  = "hold"
)

// Trader is the entry/exit state machine. It holds at most one open trade
// at a time and funds every position from the simulated balance.
type Trader struct {
	mu   sync.Mutex
	cfg  *config.Config
	book *ledger.Ledger
	log  zerolog.Logger

	open      *market.Trade       // copy of the open trade, nil when flat
	lastQuote *market.MarketQuote // last quote seen for the open trade's market
	lastFlip  time.Time

	onTrade func(market.Trade, string)
}

// New builds a trader over an opened ledger. If the ledger already holds an
// open trade from a previous run, it is resumed.
func New(cfg *config.Config, book *ledger.Ledger) *Trader {
	t := &Trader{
		cfg:  cfg,
		book: book,
		log:  log.With().Str("component", "trader").Logger(),
	}
	if open := book.OpenTrade(); open != nil {
		t.open = open
		t.log.Info().
			Str("trade_id", open.ID).
			Str("market", open.MarketID).
			Str("side", string(open.Side)).
			Msg("📂 Resumed open trade from ledger")
	}
	return t
}

// OnTrade registers a callback invoked after every trade open or close.
// The event string matches the explain action that produced it.
func (t *Trader) OnTrade(fn func(market.Trade, string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrade = fn
}

// Balance returns the spendable balance: starting capital plus all
// realized profit and loss. Unrealized value of an open trade is excluded.
func (t *Trader) Balance() decimal.Decimal {
	return t.cfg.StartingBalance.Add(t.book.RealizedPnL())
}

// OpenTrade returns a copy of the currently open trade, or nil when flat.
func (t *Trader) OpenTrade() *market.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		return nil
	}
	cp := *t.open
	return &cp
}

// EvaluateTick runs one full evaluation: rollover handling, exit rules for
// an open trade, then the entry gate chain when flat. The returned explain
// record is populated on every path, including errors.
func (t *Trader) EvaluateTick(in TickInput) (Explain, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	phase := signal.PhaseFor(in.Remaining, signal.PhaseCutoffs{
		EarlyMinRemaining: t.cfg.PhaseEarlyMinRemaining,
		MidMinRemaining:   t.cfg.PhaseMidMinRemaining,
	})

	var edges signal.Edge
	if in.Quote != nil {
		edges = signal.ComputeEdges(in.Prob, *in.Quote)
	}

	ex := Explain{
		Time:     in.Now,
		Phase:    phase,
		PUp:      in.Prob.Up,
		PDown:    in.Prob.Down,
		EdgeUp:   edges.Up,
		EdgeDown: edges.Down,
		Action:   ActionNone,
	}

	if t.open != nil {
		return t.evaluateOpen(in, ex)
	}
	return t.evaluateFlat(in, ex, phase, edges)
}

// ═══════════════════════════════════════════════════════════════════════
// Open-trade handling: rollover, then the exit rules in priority order
// ═══════════════════════════════════════════════════════════════════════

func (t *Trader) evaluateOpen(in TickInput, ex Explain) (Explain, error) {
	held := t.open

	// A new market id means the held window rolled over without this trade
	// seeing its own close. Settle at the last quote observed for that
	// window; no new position is taken on the same tick.
	if in.Quote != nil && in.Quote.MarketID != held.MarketID {
		exitPrice := held.EntryPrice
		if t.lastQuote != nil && t.lastQuote.MarketID == held.MarketID {
			exitPrice = t.lastQuote.PriceFor(held.Side)
		}
		ex.Action = ActionExit
		ex.Detail = fmt.Sprintf("window rolled to %s", in.Quote.MarketID)
		if err := t.closeTrade(in.Now, exitPrice, market.ExitReasonRollover); err != nil {
			return ex, err
		}
		return ex, nil
	}

	if in.Quote != nil {
		q := *in.Quote
		t.lastQuote = &q
	}

	// Without a usable quote nothing can be priced; hold and wait.
	if t.lastQuote == nil {
		ex.Action = ActionHold
		ex.Detail = "no quote for held market"
		return ex, nil
	}

	heldPrice := t.lastQuote.PriceFor(held.Side)
	heldProb, oppProb := probFor(in.Prob, held.Side)

	flipped := oppProb >= t.cfg.ExitFlipMinProb && oppProb >= heldProb+t.cfg.ExitFlipMargin

	// Rule 1: probability flip against the held side.
	if flipped {
		ex.Action = ActionExit
		ex.Detail = fmt.Sprintf("probability flipped: opp %.3f vs held %.3f", oppProb, heldProb)
		if err := t.closeTrade(in.Now, heldPrice, market.ExitReasonFlip); err != nil {
			return ex, err
		}
		return t.maybeReenter(in, ex, held.Side.Opposite())
	}

	// Rule 2: stop loss, armed only while the flip condition also holds.
	// With rule 1 ahead of it the flip reason always wins; the rule stays
	// in this form so the joint condition is the recorded contract.
	if flipped && t.stopLossHit(held, heldPrice) {
		ex.Action = ActionExit
		ex.Detail = "stop loss"
		if err := t.closeTrade(in.Now, heldPrice, market.ExitReasonStopLoss); err != nil {
			return ex, err
		}
		return ex, nil
	}

	// Rule 3: settle shortly before the window expires.
	if in.Remaining <= t.cfg.EndOfWindowExit {
		ex.Action = ActionExit
		ex.Detail = fmt.Sprintf("window closing, %s remaining", in.Remaining.Round(time.Second))
		if err := t.closeTrade(in.Now, heldPrice, market.ExitReasonEndOfWindow); err != nil {
			return ex, err
		}
		return ex, nil
	}

	ex.Action = ActionHold
	return ex, nil
}

func (t *Trader) stopLossHit(held *market.Trade, heldPrice decimal.Decimal) bool {
	value := held.Shares.Mul(heldPrice)
	maxLoss := held.NotionalUSD.Mul(t.cfg.StopLossPercent)
	return held.NotionalUSD.Sub(value).GreaterThanOrEqual(maxLoss)
}

// maybeReenter opens the opposite side right after a flip exit. Only the
// price-sanity and quote-quality gates apply; the signal chain already
// spoke through the flip itself.
func (t *Trader) maybeReenter(in TickInput, ex Explain, side market.Side) (Explain, error) {
	if !t.cfg.FlipOnFlip {
		return ex, nil
	}
	if !t.lastFlip.IsZero() && in.Now.Sub(t.lastFlip) < t.cfg.FlipCooldown {
		ex.Detail += "; flip re-entry on cooldown"
		return ex, nil
	}
	if in.Quote == nil {
		ex.Detail += "; flip re-entry skipped, no quote"
		return ex, nil
	}
	if gate := t.quoteQualityGate(in.Quote, side); gate != "" {
		ex.Detail += "; flip re-entry blocked by " + gate
		return ex, nil
	}
	price := in.Quote.PriceFor(side)
	if !t.priceSane(price) {
		ex.Detail += "; flip re-entry blocked by " + GatePriceSanity
		return ex, nil
	}

	if err := t.openTrade(in, side, price, ex.Phase, false, ActionFlip); err != nil {
		if err == errNoBalance {
			ex.Detail += "; flip re-entry skipped, no balance"
			return ex, nil
		}
		return ex, err
	}
	t.lastFlip = in.Now
	ex.Action = ActionFlip
	return ex, nil
}

// ═══════════════════════════════════════════════════════════════════════
// Flat handling: the entry gate chain, evaluated strictly in order
// ═══════════════════════════════════════════════════════════════════════

func (t *Trader) evaluateFlat(in TickInput, ex Explain, phase market.Phase, edges signal.Edge) (Explain, error) {
	block := func(gate, detail string) (Explain, error) {
		ex.Blocked = gate
		ex.Detail = detail
		return ex, nil
	}

	if len(in.Bars) < t.cfg.WarmupBars {
		return block(GateWarmup, fmt.Sprintf("%d/%d bars", len(in.Bars), t.cfg.WarmupBars))
	}
	if !in.Snapshot.Populated() {
		return block(GateIndicators, "indicator snapshot incomplete")
	}

	side, inferred, ok := t.signalGate(in, phase, edges)
	if !ok {
		return block(GateSignal, "no actionable signal")
	}

	if in.Quote == nil {
		return block(GateNoQuote, "no market quote")
	}
	if gate := t.quoteQualityGate(in.Quote, side); gate != "" {
		switch gate {
		case GateSpread:
			return block(gate, fmt.Sprintf("spread %s above max %s", in.Quote.SpreadFor(side), t.cfg.MaxSpread))
		default:
			return block(gate, fmt.Sprintf("liquidity %s below min %s", in.Quote.Liquidity, t.cfg.MinLiquidity))
		}
	}
	if in.Remaining < t.cfg.EntryCutoff {
		return block(GateWindowClosing, fmt.Sprintf("%s remaining", in.Remaining.Round(time.Second)))
	}

	price := in.Quote.PriceFor(side)
	if !t.priceSane(price) {
		return block(GatePriceSanity, fmt.Sprintf("price %s outside (%s, %s)", price, t.cfg.PriceMin, t.cfg.PriceMax))
	}

	if err := t.openTrade(in, side, price, phase, inferred, ActionEnter); err != nil {
		if err == errNoBalance {
			return block(GateNoBalance, err.Error())
		}
		ex.Detail = err.Error()
		return ex, err
	}

	ex.Eligible = true
	ex.Action = ActionEnter
	ex.Detail = fmt.Sprintf("%s @ %s", side, price)
	return ex, nil
}

// signalGate resolves the entry side from the recommendation. In strict
// mode only an explicit ENTER passes. Loose mode re-checks the phase
// thresholds directly and infers the side from the larger probability when
// the recommendation abstained.
func (t *Trader) signalGate(in TickInput, phase market.Phase, edges signal.Edge) (market.Side, bool, bool) {
	if in.Rec.Action == market.ActionEnter && in.Rec.Side != "" {
		return in.Rec.Side, false, true
	}
	if t.cfg.GatingMode != config.GatingLoose {
		return "", false, false
	}

	gate := t.cfg.Gates.For(phase)
	prob, upBetter := in.Prob.Better()
	side := market.SideDown
	if upBetter {
		side = market.SideUp
	}
	if prob >= gate.MinProbability && edges.For(side) >= gate.MinEdge {
		return side, true, true
	}
	return "", false, false
}

func (t *Trader) quoteQualityGate(q *market.MarketQuote, side market.Side) string {
	if q.SpreadFor(side).GreaterThan(t.cfg.MaxSpread) {
		return GateSpread
	}
	if q.Liquidity.LessThan(t.cfg.MinLiquidity) {
		return GateLiquidity
	}
	return ""
}

func (t *Trader) priceSane(price decimal.Decimal) bool {
	return price.GreaterThan(t.cfg.PriceMin) && price.LessThan(t.cfg.PriceMax)
}

// ═══════════════════════════════════════════════════════════════════════
// Position sizing and trade lifecycle
// ═══════════════════════════════════════════════════════════════════════

var errNoBalance = fmt.Errorf("insufficient balance")

// stake computes the notional for a new trade: a fixed percentage of the
// current balance, clamped into the configured band, never exceeding the
// balance itself, truncated to whole cents.
func (t *Trader) stake() (decimal.Decimal, error) {
	balance := t.cfg.StartingBalance.Add(t.book.RealizedPnL())
	if !balance.IsPositive() {
		return decimal.Zero, errNoBalance
	}

	notional := balance.Mul(t.cfg.StakePercent)
	if notional.LessThan(t.cfg.MinTradeUSD) {
		notional = t.cfg.MinTradeUSD
	}
	if notional.GreaterThan(t.cfg.MaxTradeUSD) {
		notional = t.cfg.MaxTradeUSD
	}
	if notional.GreaterThan(balance) {
		notional = balance
	}
	notional = notional.Truncate(2)
	if !notional.IsPositive() {
		return decimal.Zero, errNoBalance
	}
	return notional, nil
}

func (t *Trader) openTrade(in TickInput, side market.Side, price decimal.Decimal, phase market.Phase, inferred bool, event string) error {
	notional, err := t.stake()
	if err != nil {
		return err
	}

	trade := market.Trade{
		ID:           uuid.NewString(),
		MarketID:     in.Quote.MarketID,
		Side:         side,
		EntryPrice:   price,
		Shares:       notional.Div(price),
		NotionalUSD:  notional,
		Status:       market.StatusOpen,
		EntryTime:    in.Now,
		EntryPhase:   phase,
		SideInferred: inferred,
	}

	if err := t.book.Append(trade); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}

	t.open = &trade
	q := *in.Quote
	t.lastQuote = &q

	t.log.Info().
		Str("trade_id", trade.ID).
		Str("market", trade.MarketID).
		Str("side", string(side)).
		Str("entry_price", price.String()).
		Str("shares", trade.Shares.StringFixed(4)).
		Str("notional", notional.StringFixed(2)).
		Str("phase", string(phase)).
		Bool("side_inferred", inferred).
		Msg("🟢 Opened trade")

	if t.onTrade != nil {
		t.onTrade(trade, event)
	}
	return nil
}

func (t *Trader) closeTrade(now time.Time, exitPrice decimal.Decimal, reason string) error {
	held := t.open
	pnl := held.Shares.Mul(exitPrice).Sub(held.NotionalUSD)

	var closed market.Trade
	err := t.book.Update(held.ID, func(rec *market.Trade) {
		rec.Status = market.StatusClosed
		rec.ExitTime = &now
		rec.ExitPrice = &exitPrice
		rec.PnL = pnl
		rec.ExitReason = reason
		closed = *rec
	})
	if err != nil {
		return fmt.Errorf("close trade %s: %w", held.ID, err)
	}

	t.open = nil
	t.lastQuote = nil

	emoji := "🔴"
	if pnl.IsPositive() {
		emoji = "💰"
	}
	t.log.Info().
		Str("trade_id", closed.ID).
		Str("side", string(closed.Side)).
		Str("exit_price", exitPrice.String()).
		Str("pnl", pnl.StringFixed(2)).
		Str("reason", reason).
		Msgf("%s Closed trade", emoji)

	if t.onTrade != nil {
		t.onTrade(closed, ActionExit)
	}
	return nil
}

func probFor(p signal.Probability, side market.Side) (held, opp float64) {
	if side == market.SideUp {
		return p.Up, p.Down
	}
	return p.Down, p.Up
}
