package trader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/config"
	"github.com/oddslab/polysim/internal/indicators"
	"github.com/oddslab/polysim/internal/ledger"
	"github.com/oddslab/polysim/internal/market"
	"github.com/oddslab/polysim/internal/signal"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testConfig() *config.Config {
	return &config.Config{
		WarmupBars:             3,
		PhaseEarlyMinRemaining: 10 * time.Minute,
		PhaseMidMinRemaining:   5 * time.Minute,
		Gates: signal.PhaseGates{
			Early: signal.PhaseGate{MinProbability: 0.55, MinEdge: 0.03},
			Mid:   signal.PhaseGate{MinProbability: 0.60, MinEdge: 0.05},
			Late:  signal.PhaseGate{MinProbability: 0.65, MinEdge: 0.08},
		},
		GatingMode:      config.GatingStrict,
		MaxSpread:       dec(0.05),
		MinLiquidity:    dec(500),
		EntryCutoff:     2 * time.Minute,
		PriceMin:        dec(0.05),
		PriceMax:        dec(0.95),
		StartingBalance: decimal.NewFromInt(1000),
		StakePercent:    dec(0.10),
		MinTradeUSD:     decimal.NewFromInt(10),
		MaxTradeUSD:     decimal.NewFromInt(250),
		ExitFlipMinProb: 0.55,
		ExitFlipMargin:  0.05,
		StopLossPercent: dec(0.50),
		EndOfWindowExit: 30 * time.Second,
		FlipCooldown:    time.Minute,
	}
}

func newTestTrader(t *testing.T, cfg *config.Config) (*Trader, *ledger.Ledger) {
	t.Helper()
	book, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatalf("opening ledger: %v", err)
	}
	return New(cfg, book), book
}

func fp(v float64) *float64 { return &v }

func popSnap() indicators.Snapshot {
	return indicators.Snapshot{
		VWAP:               fp(100),
		VWAPSlope:          fp(0.3),
		RSI:                fp(60),
		RSISlope:           fp(0.5),
		MACDHistogram:      fp(0.2),
		MACDHistogramDelta: fp(0.05),
		TrendColor:         indicators.TrendGreen,
		TrendRunLength:     4,
	}
}

func mkBars(n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		bars[i] = market.Bar{
			OpenTime: baseTime.Add(time.Duration(i) * time.Minute),
			Open:     100, High: 101, Low: 99, Close: 100.5, Volume: 1,
		}
	}
	return bars
}

func mkQuote(marketID string, up, down float64) *market.MarketQuote {
	return &market.MarketQuote{
		MarketID:   marketID,
		UpPrice:    dec(up),
		DownPrice:  dec(down),
		SpreadUp:   dec(0.01),
		SpreadDown: dec(0.01),
		Liquidity:  decimal.NewFromInt(1000),
		WindowEnd:  baseTime.Add(15 * time.Minute),
		Timestamp:  baseTime,
	}
}

func enterTick(quote *market.MarketQuote, side market.Side) TickInput {
	prob := signal.Probability{Up: 0.70, Down: 0.30}
	if side == market.SideDown {
		prob = signal.Probability{Up: 0.30, Down: 0.70}
	}
	return TickInput{
		Now:      baseTime,
		Bars:     mkBars(5),
		Quote:    quote,
		Snapshot: popSnap(),
		Prob:     prob,
		Rec: market.Recommendation{
			Action: market.ActionEnter,
			Side:   side,
			Phase:  market.PhaseEarly,
			Edge:   0.30,
		},
		Remaining: 12 * time.Minute,
	}
}

func holdTick(quote *market.MarketQuote, up, down float64, remaining time.Duration) TickInput {
	return TickInput{
		Now:       baseTime.Add(time.Minute),
		Bars:      mkBars(5),
		Quote:     quote,
		Snapshot:  popSnap(),
		Prob:      signal.Probability{Up: up, Down: down},
		Rec:       market.Recommendation{Action: market.ActionHold, Phase: market.PhaseEarly},
		Remaining: remaining,
	}
}

func mustEnter(t *testing.T, tr *Trader, in TickInput) market.Trade {
	t.Helper()
	ex, err := tr.EvaluateTick(in)
	if err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	if ex.Action != ActionEnter {
		t.Fatalf("entry tick action = %q blocked by %q, want enter", ex.Action, ex.Blocked)
	}
	open := tr.OpenTrade()
	if open == nil {
		t.Fatal("no open trade after entry")
	}
	return *open
}

func TestEntrySizesFromBalance(t *testing.T) {
	tr, book := newTestTrader(t, testConfig())

	trade := mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.20, 0.80), market.SideUp))

	if !trade.NotionalUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("notional = %s, want 100 (10%% of 1000)", trade.NotionalUSD)
	}
	if !trade.Shares.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("shares = %s, want 500 at price 0.20", trade.Shares)
	}
	if trade.Side != market.SideUp || trade.SideInferred {
		t.Fatalf("side = %s inferred=%v, want explicit UP", trade.Side, trade.SideInferred)
	}
	if trade.EntryPhase != market.PhaseEarly {
		t.Fatalf("entry phase = %s, want EARLY", trade.EntryPhase)
	}
	if book.OpenTrade() == nil {
		t.Fatal("entry was not recorded in the ledger")
	}
}

func TestEntryCapsAtMaxTrade(t *testing.T) {
	cfg := testConfig()
	cfg.StartingBalance = decimal.NewFromInt(10000)
	tr, _ := newTestTrader(t, cfg)

	trade := mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.50, 0.50), market.SideUp))
	if !trade.NotionalUSD.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("notional = %s, want the 250 cap", trade.NotionalUSD)
	}
}

func TestEntryNeverExceedsBalance(t *testing.T) {
	cfg := testConfig()
	cfg.StartingBalance = decimal.NewFromFloat(7.50)
	tr, _ := newTestTrader(t, cfg)

	// The minimum trade size exceeds the balance; the stake is capped at
	// the balance instead.
	trade := mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.50, 0.50), market.SideUp))
	if !trade.NotionalUSD.Equal(decimal.NewFromFloat(7.50)) {
		t.Fatalf("notional = %s, want the full 7.50 balance", trade.NotionalUSD)
	}
}

func TestEntryGateOrder(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*TickInput, *config.Config)
		blocked string
	}{
		{"warmup", func(in *TickInput, cfg *config.Config) {
			in.Bars = mkBars(1)
		}, GateWarmup},
		{"indicators", func(in *TickInput, cfg *config.Config) {
			in.Snapshot = indicators.Snapshot{}
		}, GateIndicators},
		{"signal", func(in *TickInput, cfg *config.Config) {
			in.Rec = market.Recommendation{Action: market.ActionHold, Phase: market.PhaseEarly}
		}, GateSignal},
		{"no quote", func(in *TickInput, cfg *config.Config) {
			in.Quote = nil
		}, GateNoQuote},
		{"spread", func(in *TickInput, cfg *config.Config) {
			in.Quote.SpreadUp = dec(0.10)
		}, GateSpread},
		{"liquidity", func(in *TickInput, cfg *config.Config) {
			in.Quote.Liquidity = decimal.NewFromInt(100)
		}, GateLiquidity},
		{"window closing", func(in *TickInput, cfg *config.Config) {
			in.Remaining = time.Minute
		}, GateWindowClosing},
		{"price too high", func(in *TickInput, cfg *config.Config) {
			in.Quote.UpPrice = dec(0.96)
		}, GatePriceSanity},
		{"price at bound", func(in *TickInput, cfg *config.Config) {
			// The sanity interval is open; the bound itself is out.
			in.Quote.UpPrice = dec(0.95)
		}, GatePriceSanity},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := testConfig()
			tr, _ := newTestTrader(t, cfg)

			in := enterTick(mkQuote("mkt-1", 0.20, 0.80), market.SideUp)
			c.mutate(&in, cfg)

			ex, err := tr.EvaluateTick(in)
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if ex.Blocked != c.blocked {
				t.Fatalf("blocked = %q, want %q", ex.Blocked, c.blocked)
			}
			if tr.OpenTrade() != nil {
				t.Fatal("blocked tick must not open a trade")
			}
		})
	}
}

func TestLooseGatingInfersSide(t *testing.T) {
	cfg := testConfig()
	cfg.GatingMode = config.GatingLoose
	tr, _ := newTestTrader(t, cfg)

	// The recommendation abstains but the probability and edge clear the
	// EARLY gate on their own.
	in := holdTick(mkQuote("mkt-1", 0.20, 0.80), 0.70, 0.30, 12*time.Minute)

	ex, err := tr.EvaluateTick(in)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ex.Action != ActionEnter {
		t.Fatalf("action = %q blocked by %q, want enter", ex.Action, ex.Blocked)
	}
	open := tr.OpenTrade()
	if open.Side != market.SideUp {
		t.Fatalf("inferred side = %s, want UP", open.Side)
	}
	if !open.SideInferred {
		t.Fatal("a loose-gating entry without a recommended side must be flagged inferred")
	}
}

func TestStrictGatingIgnoresThresholds(t *testing.T) {
	tr, _ := newTestTrader(t, testConfig())

	// Same strong numbers as the loose test, but strict mode requires an
	// explicit ENTER.
	in := holdTick(mkQuote("mkt-1", 0.20, 0.80), 0.70, 0.30, 12*time.Minute)

	ex, err := tr.EvaluateTick(in)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ex.Blocked != GateSignal {
		t.Fatalf("blocked = %q, want %q", ex.Blocked, GateSignal)
	}
}

func TestFlipExitRealizesPnL(t *testing.T) {
	tr, book := newTestTrader(t, testConfig())
	trade := mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// Probability swings to DOWN: 0.65 clears the 0.55 floor and beats
	// the held 0.35 by more than the 0.05 margin.
	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.30, 0.70), 0.35, 0.65, 11*time.Minute))
	if err != nil {
		t.Fatalf("flip tick: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want exit", ex.Action)
	}
	if tr.OpenTrade() != nil {
		t.Fatal("trader should be flat after a flip exit")
	}

	closed := book.Snapshot().Trades[0]
	if closed.ExitReason != market.ExitReasonFlip {
		t.Fatalf("exit reason = %q, want flip", closed.ExitReason)
	}
	// 250 shares exiting at 0.30 against a 100 stake.
	wantPnL := trade.Shares.Mul(dec(0.30)).Sub(trade.NotionalUSD)
	if !closed.PnL.Equal(wantPnL) || !closed.PnL.Equal(decimal.NewFromInt(-25)) {
		t.Fatalf("PnL = %s, want -25", closed.PnL)
	}
	if !tr.Balance().Equal(decimal.NewFromInt(975)) {
		t.Fatalf("balance = %s, want 975", tr.Balance())
	}
}

func TestFlipExitNeedsMargin(t *testing.T) {
	tr, _ := newTestTrader(t, testConfig())
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// 0.56 clears the floor but beats the held 0.44 by less than 0.05.
	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.40, 0.60), 0.44, 0.56, 11*time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ex.Action != ActionHold {
		t.Fatalf("action = %q, want hold", ex.Action)
	}
	if tr.OpenTrade() == nil {
		t.Fatal("trade must survive a sub-margin swing")
	}
}

func TestStopLossNeverFiresAlone(t *testing.T) {
	tr, _ := newTestTrader(t, testConfig())
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// The position is deep underwater (value 12.50 on a 100 stake) but the
	// model still favors the held side, so no exit rule applies.
	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.05, 0.94), 0.80, 0.20, 11*time.Minute))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ex.Action != ActionHold {
		t.Fatalf("action = %q, want hold while the model still agrees", ex.Action)
	}
	if tr.OpenTrade() == nil {
		t.Fatal("stop loss must not fire without the flip condition")
	}
}

func TestEndOfWindowExit(t *testing.T) {
	tr, book := newTestTrader(t, testConfig())
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.45, 0.55), 0.55, 0.45, 20*time.Second))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want exit", ex.Action)
	}

	closed := book.Snapshot().Trades[0]
	if closed.ExitReason != market.ExitReasonEndOfWindow {
		t.Fatalf("exit reason = %q, want end_of_window", closed.ExitReason)
	}
	// 250 shares at 0.45 against a 100 stake.
	if !closed.PnL.Equal(decimal.NewFromFloat(12.5)) {
		t.Fatalf("PnL = %s, want 12.5", closed.PnL)
	}
}

func TestRolloverClosesAtLastQuote(t *testing.T) {
	tr, book := newTestTrader(t, testConfig())
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// A later tick in the same window moves the price; this quote must be
	// the one the rollover settles at.
	if _, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.55, 0.45), 0.55, 0.45, 8*time.Minute)); err != nil {
		t.Fatalf("hold tick: %v", err)
	}
	if tr.OpenTrade() == nil {
		t.Fatal("trade should still be open mid-window")
	}

	// The next quote belongs to the successor window.
	in := enterTick(mkQuote("mkt-2", 0.50, 0.50), market.SideUp)
	ex, err := tr.EvaluateTick(in)
	if err != nil {
		t.Fatalf("rollover tick: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want exit", ex.Action)
	}
	if tr.OpenTrade() != nil {
		t.Fatal("rollover must not reopen on the same tick, even with an ENTER signal")
	}

	closed := book.Snapshot().Trades[0]
	if closed.ExitReason != market.ExitReasonRollover {
		t.Fatalf("exit reason = %q, want rollover", closed.ExitReason)
	}
	// Settled at the last mkt-1 quote of 0.55: 250 shares against 100.
	if !closed.PnL.Equal(decimal.NewFromFloat(37.5)) {
		t.Fatalf("PnL = %s, want 37.5", closed.PnL)
	}
}

func TestFlipOnFlipReopensOppositeSide(t *testing.T) {
	cfg := testConfig()
	cfg.FlipOnFlip = true
	tr, _ := newTestTrader(t, cfg)
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.30, 0.70), 0.35, 0.65, 11*time.Minute))
	if err != nil {
		t.Fatalf("flip tick: %v", err)
	}
	if ex.Action != ActionFlip {
		t.Fatalf("action = %q, want flip_reenter", ex.Action)
	}
	open := tr.OpenTrade()
	if open == nil || open.Side != market.SideDown {
		t.Fatalf("open after flip = %+v, want a DOWN position", open)
	}
}

func TestFlipOnFlipRespectsCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.FlipOnFlip = true
	tr, _ := newTestTrader(t, cfg)
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// First flip reopens DOWN.
	if _, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0.30, 0.70), 0.35, 0.65, 11*time.Minute)); err != nil {
		t.Fatalf("first flip: %v", err)
	}

	// Seconds later the model swings back; the exit happens but the
	// re-entry is still cooling down.
	in := holdTick(mkQuote("mkt-1", 0.35, 0.65), 0.70, 0.30, 10*time.Minute)
	in.Now = baseTime.Add(90 * time.Second)
	ex, err := tr.EvaluateTick(in)
	if err != nil {
		t.Fatalf("second flip: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want a plain exit", ex.Action)
	}
	if tr.OpenTrade() != nil {
		t.Fatal("cooldown must block the second re-entry")
	}
}

func TestExplainAlwaysPopulated(t *testing.T) {
	tr, _ := newTestTrader(t, testConfig())

	ticks := []TickInput{
		{Now: baseTime, Bars: nil, Remaining: 12 * time.Minute},
		holdTick(nil, 0.5, 0.5, 8*time.Minute),
		enterTick(mkQuote("mkt-1", 0.20, 0.80), market.SideUp),
		holdTick(mkQuote("mkt-1", 0.25, 0.75), 0.6, 0.4, 8*time.Minute),
	}
	for i, in := range ticks {
		ex, err := tr.EvaluateTick(in)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if ex.Time.IsZero() {
			t.Fatalf("tick %d explain has no timestamp", i)
		}
		if ex.Action == "" {
			t.Fatalf("tick %d explain has no action", i)
		}
		if ex.Phase == "" {
			t.Fatalf("tick %d explain has no phase", i)
		}
	}
}

func TestFlipReentrySkippedWhenBalanceExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.FlipOnFlip = true
	cfg.StartingBalance = decimal.NewFromInt(100)
	cfg.StakePercent = decimal.NewFromInt(1)
	tr, book := newTestTrader(t, cfg)
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.50, 0.50), market.SideUp))

	// The held side collapses to zero while the model flips DOWN. The
	// close wipes the balance, so the re-entry is skipped for this tick
	// rather than surfaced as an error.
	ex, err := tr.EvaluateTick(holdTick(mkQuote("mkt-1", 0, 0.90), 0.30, 0.70, 11*time.Minute))
	if err != nil {
		t.Fatalf("flip tick: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want a plain exit", ex.Action)
	}
	if !strings.Contains(ex.Detail, "no balance") {
		t.Fatalf("detail = %q, want the skipped re-entry noted", ex.Detail)
	}
	if tr.OpenTrade() != nil {
		t.Fatal("skipped re-entry must leave the trader flat")
	}
	closed := book.Snapshot().Trades[0]
	if closed.ExitReason != market.ExitReasonFlip {
		t.Fatalf("exit reason = %q, want flip", closed.ExitReason)
	}
	if !closed.PnL.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("pnl = %s, want -100", closed.PnL)
	}
	if !tr.Balance().IsZero() {
		t.Fatalf("balance = %s, want 0", tr.Balance())
	}
}

func TestExitsPriceFromCachedQuote(t *testing.T) {
	tr, book := newTestTrader(t, testConfig())
	mustEnter(t, tr, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	// End-of-window arrives on a tick with no quote; the exit settles at
	// the entry tick's cached price.
	ex, err := tr.EvaluateTick(holdTick(nil, 0.55, 0.45, 20*time.Second))
	if err != nil {
		t.Fatalf("quoteless tick: %v", err)
	}
	if ex.Action != ActionExit {
		t.Fatalf("action = %q, want exit", ex.Action)
	}
	closed := book.Snapshot().Trades[0]
	if closed.ExitReason != market.ExitReasonEndOfWindow {
		t.Fatalf("exit reason = %q, want end_of_window", closed.ExitReason)
	}
	if closed.ExitPrice == nil || !closed.ExitPrice.Equal(dec(0.40)) {
		t.Fatalf("exit price = %v, want the cached 0.40", closed.ExitPrice)
	}
	if !closed.PnL.IsZero() {
		t.Fatalf("pnl = %s, want 0 at an unchanged price", closed.PnL)
	}
}

func TestEntryPersistFailureIsNotBalanceGate(t *testing.T) {
	base := t.TempDir()
	book, err := ledger.Open(filepath.Join(base, "sub", "ledger.json"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	// A plain file where the ledger directory should be makes the first
	// persist fail.
	if err := os.WriteFile(filepath.Join(base, "sub"), []byte("x"), 0o644); err != nil {
		t.Fatalf("planting blocker: %v", err)
	}
	tr := New(testConfig(), book)

	ex, err := tr.EvaluateTick(enterTick(mkQuote("mkt-1", 0.20, 0.80), market.SideUp))
	if err == nil {
		t.Fatal("persist failure must surface from the entry tick")
	}
	if ex.Blocked != "" {
		t.Fatalf("blocked = %q, want no gate named for an I/O failure", ex.Blocked)
	}
	if tr.OpenTrade() != nil {
		t.Fatal("failed append must leave the trader flat")
	}
}

func TestResumesOpenTradeFromLedger(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "ledger.json")

	book, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	first := New(cfg, book)
	mustEnter(t, first, enterTick(mkQuote("mkt-1", 0.40, 0.60), market.SideUp))

	reopened, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	second := New(cfg, reopened)
	open := second.OpenTrade()
	if open == nil || open.MarketID != "mkt-1" {
		t.Fatalf("resumed trade = %+v, want the mkt-1 position", open)
	}
}
