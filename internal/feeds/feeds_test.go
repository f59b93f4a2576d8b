package feeds

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oddslab/polysim/internal/market"
)

func barAt(ts time.Time, close float64) market.Bar {
	return market.Bar{OpenTime: ts, Open: close - 1, High: close + 1, Low: close - 2, Close: close, Volume: 1}
}

func TestParseKlineRow(t *testing.T) {
	raw := `[1748779200000, "104000.1", "104250.5", "103900.0", "104100.2", "12.345",
	         1748779259999, "1284000.0", 100, "6.0", "624000.0", "0"]`
	var row []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}

	bar, err := parseKlineRow(row)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bar.OpenTime.Equal(time.UnixMilli(1748779200000).UTC()) {
		t.Fatalf("open time = %s", bar.OpenTime)
	}
	if bar.Open != 104000.1 || bar.High != 104250.5 || bar.Low != 103900.0 || bar.Close != 104100.2 {
		t.Fatalf("OHLC = %v/%v/%v/%v", bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume != 12.345 {
		t.Fatalf("volume = %v", bar.Volume)
	}
}

func TestParseKlineRowRejectsShortRow(t *testing.T) {
	var row []json.RawMessage
	if err := json.Unmarshal([]byte(`[1748779200000, "1"]`), &row); err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	if _, err := parseKlineRow(row); err == nil {
		t.Fatal("short row must not parse")
	}
}

func TestBinanceAppendDeduplicatesMinutes(t *testing.T) {
	f := NewBinanceFeed("", "", "BTC", 3)
	minute := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	f.mu.Lock()
	for i := 0; i < 5; i++ {
		f.appendLocked(barAt(minute.Add(time.Duration(i)*time.Minute), float64(100+i)))
	}
	// Re-delivery of the latest minute replaces, not appends.
	f.appendLocked(barAt(minute.Add(4*time.Minute), 999))
	f.mu.Unlock()

	bars := f.Bars()
	if len(bars) != 3 {
		t.Fatalf("window holds %d bars, want the 3-bar cap", len(bars))
	}
	if bars[len(bars)-1].Close != 999 {
		t.Fatalf("latest close = %v, want the replacement 999", bars[len(bars)-1].Close)
	}
}

func TestQuoteFromGammaMarket(t *testing.T) {
	f := NewPolymarketFeed("https://example.invalid", "BTC", 15*time.Minute)

	m := &gammaMarket{
		ID:            "0xabc",
		Question:      "Bitcoin Up or Down - June 1, 12:15 PM ET",
		EndDate:       "2025-06-01T12:15:00Z",
		Outcomes:      `["Up", "Down"]`,
		OutcomePrices: `["0.42", "0.59"]`,
		Spread:        0.02,
		LiquidityNum:  1500,
	}

	q, err := f.quoteFrom(m)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.MarketID != "0xabc" {
		t.Fatalf("market id = %q", q.MarketID)
	}
	if q.UpPrice.String() != "0.42" || q.DownPrice.String() != "0.59" {
		t.Fatalf("prices = %s/%s, want 0.42/0.59", q.UpPrice, q.DownPrice)
	}
	if q.SpreadUp.String() != "0.02" || q.SpreadDown.String() != "0.02" {
		t.Fatalf("spreads = %s/%s", q.SpreadUp, q.SpreadDown)
	}
	if !q.WindowEnd.Equal(time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)) {
		t.Fatalf("window end = %s", q.WindowEnd)
	}
}

func TestQuoteFromRejectsMissingSide(t *testing.T) {
	f := NewPolymarketFeed("https://example.invalid", "BTC", 15*time.Minute)

	m := &gammaMarket{
		ID:            "0xabc",
		EndDate:       "2025-06-01T12:15:00Z",
		Outcomes:      `["Yes", "No"]`,
		OutcomePrices: `["0.42", "0.58"]`,
	}
	if _, err := f.quoteFrom(m); err == nil {
		t.Fatal("yes/no outcomes must not produce an up/down quote")
	}
}

func TestChainlinkObserveFoldsMinuteBars(t *testing.T) {
	f := &ChainlinkFeed{maxBars: 10}
	minute := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	f.observe(minute.Add(5*time.Second), 100)
	f.observe(minute.Add(20*time.Second), 103)
	f.observe(minute.Add(40*time.Second), 99)
	// Crossing into the next minute seals the first bar.
	f.observe(minute.Add(65*time.Second), 101)

	bars := f.Bars()
	if len(bars) != 1 {
		t.Fatalf("sealed %d bars, want 1", len(bars))
	}
	b := bars[0]
	if b.Open != 100 || b.High != 103 || b.Low != 99 || b.Close != 99 {
		t.Fatalf("bar = %+v, want O100 H103 L99 C99", b)
	}
	if b.Volume != 0 {
		t.Fatalf("oracle bar volume = %v, want 0", b.Volume)
	}

	if price, ok := f.LastPrice(); !ok || price != 101 {
		t.Fatalf("last price = %v %v, want 101", price, ok)
	}
}
