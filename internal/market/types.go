package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a window outcome token.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Phase is how far the current window has progressed.
type Phase string

const (
	PhaseEarly Phase = "EARLY"
	PhaseMid   Phase = "MID"
	PhaseLate  Phase = "LATE"
)

// Action is what the signal pipeline recommends for a tick.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionHold  Action = "HOLD"
)

// Bar is one OHLCV candle of the reference asset.
type Bar struct {
	OpenTime time.Time `json:"openTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// TypicalPrice returns (H+L+C)/3, the per-bar price used for VWAP.
func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// MarketQuote is one observation of the prediction market's order book for
// a single 15-minute window. UpPrice and DownPrice are quoted independently
// and are not assumed to be complements.
type MarketQuote struct {
	MarketID   string          `json:"marketId"`
	UpPrice    decimal.Decimal `json:"upPrice"`
	DownPrice  decimal.Decimal `json:"downPrice"`
	SpreadUp   decimal.Decimal `json:"spreadUp"`
	SpreadDown decimal.Decimal `json:"spreadDown"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	WindowEnd  time.Time       `json:"windowEnd"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PriceFor returns the quoted price of the given side's token.
func (q MarketQuote) PriceFor(side Side) decimal.Decimal {
	if side == SideUp {
		return q.UpPrice
	}
	return q.DownPrice
}

// SpreadFor returns the bid/ask spread of the given side's token.
func (q MarketQuote) SpreadFor(side Side) decimal.Decimal {
	if side == SideUp {
		return q.SpreadUp
	}
	return q.SpreadDown
}

// Remaining returns the time left until the window settles, never negative.
func (q MarketQuote) Remaining(now time.Time) time.Duration {
	if r := q.WindowEnd.Sub(now); r > 0 {
		return r
	}
	return 0
}

// Recommendation is the signal pipeline's verdict for one tick.
type Recommendation struct {
	Action Action  `json:"action"`
	Side   Side    `json:"side,omitempty"`
	Phase  Phase   `json:"phase"`
	Edge   float64 `json:"edge"`
}

// TradeStatus is a trade's lifecycle state.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// Exit reasons recorded on closed trades.
const (
	ExitReasonFlip        = "flip"
	ExitReasonStopLoss    = "stop_loss"
	ExitReasonEndOfWindow = "end_of_window"
	ExitReasonRollover    = "rollover"
	ExitReasonInvalid     = "invalid_state"
)

// Trade is one simulated position, recorded at entry and settled on exit.
type Trade struct {
	ID           string           `json:"id"`
	MarketID     string           `json:"marketId"`
	Side         Side             `json:"side"`
	EntryPrice   decimal.Decimal  `json:"entryPrice"`
	Shares       decimal.Decimal  `json:"shares"`
	NotionalUSD  decimal.Decimal  `json:"notionalUsd"`
	Status       TradeStatus      `json:"status"`
	EntryTime    time.Time        `json:"entryTime"`
	ExitTime     *time.Time       `json:"exitTime,omitempty"`
	ExitPrice    *decimal.Decimal `json:"exitPrice,omitempty"`
	PnL          decimal.Decimal  `json:"pnl"`
	EntryPhase   Phase            `json:"entryPhase"`
	SideInferred bool             `json:"sideInferred"`
	ExitReason   string           `json:"exitReason,omitempty"`
}

// Valid reports whether the trade satisfies the lifecycle invariant: an
// OPEN trade must carry a positive entry price and positive shares.
func (t Trade) Valid() bool {
	if t.Status != StatusOpen {
		return true
	}
	return t.EntryPrice.IsPositive() && t.Shares.IsPositive()
}

// LedgerSummary aggregates over all recorded trades. Wins and losses count
// closed trades only.
type LedgerSummary struct {
	TotalTrades int             `json:"totalTrades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	TotalPnL    decimal.Decimal `json:"totalPnl"`
	WinRate     float64         `json:"winRate"`
}
