package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oddslab/polysim/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE FEED - 1m klines for the reference asset, WS stream + REST backfill
// ═══════════════════════════════════════════════════════════════════════════════

// BinanceFeed maintains a bounded window of closed 1-minute bars. The window
// is backfilled over REST at startup so indicators have history on the first
// tick, then extended from the websocket kline stream.
type BinanceFeed struct {
	wsURL   string
	restURL string
	symbol  string
	maxBars int
	log     zerolog.Logger

	mu        sync.RWMutex
	bars      []market.Bar
	lastPrice float64
	haveLast  bool

	client *http.Client
}

// NewBinanceFeed builds a feed for an asset like "BTC"; the Binance symbol
// is derived by appending USDT.
func NewBinanceFeed(wsURL, restURL, asset string, maxBars int) *BinanceFeed {
	return &BinanceFeed{
		wsURL:   wsURL,
		restURL: restURL,
		symbol:  strings.ToUpper(asset) + "USDT",
		maxBars: maxBars,
		log:     log.With().Str("component", "binance").Logger(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Bars returns a copy of the current bar window, oldest first.
func (f *BinanceFeed) Bars() []market.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]market.Bar, len(f.bars))
	copy(out, f.bars)
	return out
}

// LastPrice returns the most recent trade price seen on the stream.
func (f *BinanceFeed) LastPrice() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.haveLast
}

// Backfill loads the most recent closed bars over REST.
func (f *BinanceFeed) Backfill(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=1m&limit=%d", f.restURL, f.symbol, f.maxBars)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("backfill klines: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backfill klines: status %d: %s", resp.StatusCode, body)
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return fmt.Errorf("decode klines: %w", err)
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := parseKlineRow(row)
		if err != nil {
			return fmt.Errorf("parse kline: %w", err)
		}
		bars = append(bars, bar)
	}
	// The final row is usually the still-open candle.
	if len(bars) > 0 && time.Since(bars[len(bars)-1].OpenTime) < time.Minute {
		bars = bars[:len(bars)-1]
	}

	f.mu.Lock()
	f.bars = bars
	if len(bars) > 0 {
		f.lastPrice = bars[len(bars)-1].Close
		f.haveLast = true
	}
	f.mu.Unlock()

	f.log.Info().Int("bars", len(bars)).Str("symbol", f.symbol).Msg("📊 Backfilled kline history")
	return nil
}

// Run consumes the kline websocket stream until the context is cancelled,
// reconnecting with a fixed delay on any failure.
func (f *BinanceFeed) Run(ctx context.Context) error {
	stream := fmt.Sprintf("%s/%s@kline_1m", f.wsURL, strings.ToLower(f.symbol))
	for {
		if err := f.consume(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("⚠️ Kline stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

type klineEvent struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (f *BinanceFeed) consume(ctx context.Context, stream string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, stream, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", stream, err)
	}
	defer conn.Close()
	f.log.Info().Str("symbol", f.symbol).Msg("🔌 Connected to kline stream")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev klineEvent
		conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		closePrice, err := strconv.ParseFloat(ev.Kline.Close, 64)
		if err != nil {
			continue
		}

		f.mu.Lock()
		f.lastPrice = closePrice
		f.haveLast = true
		if ev.Kline.Closed {
			bar, err := barFromEvent(ev)
			if err == nil {
				f.appendLocked(bar)
			}
		}
		f.mu.Unlock()
	}
}

// appendLocked adds a closed bar, replacing a duplicate of the same minute
// and trimming the window to maxBars. Caller holds f.mu.
func (f *BinanceFeed) appendLocked(bar market.Bar) {
	if n := len(f.bars); n > 0 && f.bars[n-1].OpenTime.Equal(bar.OpenTime) {
		f.bars[n-1] = bar
		return
	}
	f.bars = append(f.bars, bar)
	if len(f.bars) > f.maxBars {
		f.bars = f.bars[len(f.bars)-f.maxBars:]
	}
}

func barFromEvent(ev klineEvent) (market.Bar, error) {
	k := ev.Kline
	o, err1 := strconv.ParseFloat(k.Open, 64)
	h, err2 := strconv.ParseFloat(k.High, 64)
	l, err3 := strconv.ParseFloat(k.Low, 64)
	c, err4 := strconv.ParseFloat(k.Close, 64)
	v, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return market.Bar{}, err
		}
	}
	return market.Bar{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		Volume:   v,
	}, nil
}

func parseKlineRow(row []json.RawMessage) (market.Bar, error) {
	if len(row) < 6 {
		return market.Bar{}, fmt.Errorf("short kline row: %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return market.Bar{}, err
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return market.Bar{}, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, err
		}
		vals[i-1] = v
	}
	return market.Bar{
		OpenTime: time.UnixMilli(openTime).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
