package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oddslab/polysim/internal/archive"
	"github.com/oddslab/polysim/internal/config"
	"github.com/oddslab/polysim/internal/indicators"
	"github.com/oddslab/polysim/internal/market"
	"github.com/oddslab/polysim/internal/metrics"
	"github.com/oddslab/polysim/internal/notify"
	"github.com/oddslab/polysim/internal/signal"
	"github.com/oddslab/polysim/internal/trader"
)

// ReferenceFeed supplies the reference asset's closed bars and last price.
type ReferenceFeed interface {
	Bars() []market.Bar
	LastPrice() (float64, bool)
}

// QuoteFeed supplies the latest quote for the active window market.
type QuoteFeed interface {
	Latest() *market.MarketQuote
}

// Engine runs the evaluation loop. Each tick reads the feeds, runs the
// signal pipeline, hands the result to the trader, and records the outcome.
// A tick finishes completely, including ledger persistence, before the next
// one starts.
type Engine struct {
	cfg     *config.Config
	ref     ReferenceFeed
	quotes  QuoteFeed
	agg     indicators.Aggregator
	trader  *trader.Trader
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu   sync.RWMutex
	last *trader.Explain
}

// NewEngine wires the loop. Archive and notifier may be nil; trade events
// are fanned out to whichever are present.
func NewEngine(cfg *config.Config, ref ReferenceFeed, quotes QuoteFeed, t *trader.Trader, m *metrics.Metrics, arch *archive.Archive, n *notify.Notifier) *Engine {
	e := &Engine{
		cfg:    cfg,
		ref:    ref,
		quotes: quotes,
		agg: indicators.Aggregator{
			RSIPeriod:     cfg.RSIPeriod,
			MACDFast:      cfg.MACDFast,
			MACDSlow:      cfg.MACDSlow,
			MACDSignal:    cfg.MACDSignal,
			SlopeLookback: cfg.SlopeLookback,
		},
		trader:  t,
		metrics: m,
		log:     log.With().Str("component", "engine").Logger(),
	}

	t.OnTrade(func(tr market.Trade, event string) {
		switch tr.Status {
		case market.StatusOpen:
			m.TradesOpened.WithLabelValues(string(tr.Side)).Inc()
			n.TradeOpened(tr)
		case market.StatusClosed:
			m.TradesClosed.WithLabelValues(tr.ExitReason).Inc()
			n.TradeClosed(tr)
			if arch != nil {
				arch.Record(tr)
			}
		}
	})
	return e
}

// LastExplain returns the most recent tick's explain record.
func (e *Engine) LastExplain() *trader.Explain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	cp := *e.last
	return &cp
}

// Run evaluates on the poll interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Info().
		Dur("interval", e.cfg.PollInterval).
		Str("asset", e.cfg.Asset).
		Msg("🚀 Evaluation loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.tick(time.Now().UTC()); err != nil {
				e.log.Error().Err(err).Msg("❌ Tick failed")
			}
		}
	}
}

func (e *Engine) tick(now time.Time) error {
	bars := e.ref.Bars()
	quote := e.quotes.Latest()

	lastClose, ok := e.ref.LastPrice()
	if !ok && len(bars) > 0 {
		lastClose = bars[len(bars)-1].Close
	}

	snap := e.agg.Snapshot(bars)
	regime := signal.DetectRegime(snap, lastClose, signal.DefaultRegimeThresholds())
	raw := signal.ScoreProbability(regime, snap, lastClose, signal.DefaultScoreWeights())

	remaining := e.cfg.WindowLength
	if quote != nil {
		remaining = quote.Remaining(now)
	}
	prob := signal.AdjustForTime(raw, remaining, e.cfg.WindowLength, e.cfg.DecaySharpness)

	phase := signal.PhaseFor(remaining, signal.PhaseCutoffs{
		EarlyMinRemaining: e.cfg.PhaseEarlyMinRemaining,
		MidMinRemaining:   e.cfg.PhaseMidMinRemaining,
	})

	var rec market.Recommendation
	if quote != nil {
		edges := signal.ComputeEdges(prob, *quote)
		rec = signal.Recommend(prob, edges, phase, e.cfg.Gates)
	} else {
		rec = market.Recommendation{Action: market.ActionHold, Phase: phase}
	}

	ex, err := e.trader.EvaluateTick(trader.TickInput{
		Now:       now,
		Bars:      bars,
		Quote:     quote,
		Snapshot:  snap,
		Prob:      prob,
		Rec:       rec,
		Remaining: remaining,
	})

	e.mu.Lock()
	e.last = &ex
	e.mu.Unlock()

	e.metrics.TicksTotal.Inc()
	e.metrics.ProbabilityUp.Set(prob.Up)
	e.metrics.EdgeUp.Set(ex.EdgeUp)
	e.metrics.Balance.Set(e.trader.Balance().InexactFloat64())
	e.metrics.RealizedPnL.Set(e.trader.Balance().Sub(e.cfg.StartingBalance).InexactFloat64())
	if ex.Blocked != "" {
		e.metrics.EntriesBlocked.WithLabelValues(ex.Blocked).Inc()
	}

	e.log.Debug().
		Str("regime", regime.String()).
		Str("phase", string(ex.Phase)).
		Float64("p_up", prob.Up).
		Float64("edge_up", ex.EdgeUp).
		Str("action", ex.Action).
		Str("blocked", ex.Blocked).
		Msg("Tick evaluated")

	return err
}
