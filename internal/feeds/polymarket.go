package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET FEED - 15-minute up/down window discovery and quote polling
// ═══════════════════════════════════════════════════════════════════════════════

// PolymarketFeed tracks the active 15-minute up/down window for one asset
// on the Gamma API and keeps its latest quote. When the tracked window
// settles, the next poll discovers its successor; a consumer holding a
// position sees the market id change and treats it as a rollover.
type PolymarketFeed struct {
	apiURL string
	asset  string
	window time.Duration
	log    zerolog.Logger
	client *http.Client

	mu     sync.RWMutex
	latest *market.MarketQuote
}

// NewPolymarketFeed builds a feed for an asset like "BTC".
func NewPolymarketFeed(apiURL, asset string, window time.Duration) *PolymarketFeed {
	return &PolymarketFeed{
		apiURL: strings.TrimRight(apiURL, "/"),
		asset:  asset,
		window: window,
		log:    log.With().Str("component", "polymarket").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest returns a copy of the newest quote, or nil before the first
// successful poll.
func (f *PolymarketFeed) Latest() *market.MarketQuote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest == nil {
		return nil
	}
	q := *f.latest
	return &q
}

// Run polls the active window on the given interval until the context is
// cancelled. Poll failures are logged and retried on the next tick; the
// last good quote stays available in the meantime.
func (f *PolymarketFeed) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.Poll(ctx); err != nil {
				f.log.Warn().Err(err).Msg("⚠️ Quote poll failed")
			}
		}
	}
}

// gammaMarket is the subset of the Gamma market object the feed reads.
// Outcomes and outcomePrices arrive as JSON arrays encoded inside strings.
type gammaMarket struct {
	ID            string  `json:"id"`
	Question      string  `json:"question"`
	EndDate       string  `json:"endDate"`
	Outcomes      string  `json:"outcomes"`
	OutcomePrices string  `json:"outcomePrices"`
	Spread        float64 `json:"spread"`
	LiquidityNum  float64 `json:"liquidityNum"`
	Closed        bool    `json:"closed"`
}

// Poll fetches the active window market and replaces the latest quote.
func (f *PolymarketFeed) Poll(ctx context.Context) error {
	m, err := f.activeWindow(ctx)
	if err != nil {
		return err
	}
	quote, err := f.quoteFrom(m)
	if err != nil {
		return fmt.Errorf("market %s: %w", m.ID, err)
	}

	f.mu.Lock()
	prev := f.latest
	f.latest = quote
	f.mu.Unlock()

	if prev == nil || prev.MarketID != quote.MarketID {
		f.log.Info().
			Str("market", quote.MarketID).
			Time("window_end", quote.WindowEnd).
			Msg("🪟 Tracking new window")
	}
	return nil
}

// activeWindow finds the soonest-settling open up/down market for the asset
// whose window length matches.
func (f *PolymarketFeed) activeWindow(ctx context.Context) (*gammaMarket, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "endDate")
	q.Set("ascending", "true")
	q.Set("limit", "100")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiURL+"/markets?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch markets: status %d: %s", resp.StatusCode, body)
	}

	var markets []gammaMarket
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	now := time.Now().UTC()
	for i := range markets {
		m := &markets[i]
		if m.Closed || !f.matchesAsset(m.Question) {
			continue
		}
		end, err := time.Parse(time.RFC3339, m.EndDate)
		if err != nil || !end.After(now) {
			continue
		}
		// Window markets settle within one window length of listing time.
		if end.Sub(now) > f.window {
			continue
		}
		return m, nil
	}
	return nil, fmt.Errorf("no active %s window market", f.asset)
}

func (f *PolymarketFeed) matchesAsset(question string) bool {
	q := strings.ToLower(question)
	return strings.Contains(q, strings.ToLower(f.asset)) &&
		strings.Contains(q, "up or down")
}

func (f *PolymarketFeed) quoteFrom(m *gammaMarket) (*market.MarketQuote, error) {
	var outcomes, prices []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil {
		return nil, fmt.Errorf("decode outcome prices: %w", err)
	}
	if len(outcomes) != len(prices) {
		return nil, fmt.Errorf("outcome/price length mismatch")
	}

	end, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return nil, fmt.Errorf("parse end date: %w", err)
	}

	quote := &market.MarketQuote{
		MarketID:  m.ID,
		WindowEnd: end.UTC(),
		Timestamp: time.Now().UTC(),
		Liquidity: decimal.NewFromFloat(m.LiquidityNum),
	}
	spread := decimal.NewFromFloat(m.Spread)
	quote.SpreadUp, quote.SpreadDown = spread, spread

	var haveUp, haveDown bool
	for i, outcome := range outcomes {
		price, err := decimal.NewFromString(prices[i])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", prices[i], err)
		}
		switch strings.ToUpper(outcome) {
		case "UP":
			quote.UpPrice, haveUp = price, true
		case "DOWN":
			quote.DownPrice, haveDown = price, true
		}
	}
	if !haveUp || !haveDown {
		return nil, fmt.Errorf("missing up/down outcome")
	}
	return quote, nil
}
