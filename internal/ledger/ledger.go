package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Durable trade store, single source of truth for realized PnL
// ═══════════════════════════════════════════════════════════════════════════════
//
// One JSON file, fully rewritten (temp file + rename) on every mutation.
// The summary is always recomputed from the full trade collection after any
// mutation, never patched incrementally, so it cannot drift from the records.
// All mutations serialize through a single mutex; on a persist failure the
// in-memory state is rolled back so the next tick retries from a consistent
// point.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidTrade is returned by Append for an OPEN trade violating the
// positivity invariant (entryPrice > 0, shares > 0).
var ErrInvalidTrade = errors.New("ledger: open trade must have positive entry price and shares")

// File is the persisted ledger layout.
type File struct {
	Trades  []market.Trade       `json:"trades"`
	Summary market.LedgerSummary `json:"summary"`
}

// Ledger owns the persisted trade records and their in-memory cache.
type Ledger struct {
	mu   sync.Mutex
	path string
	file File
}

// Open reads the ledger file, or starts an empty ledger when the file does
// not exist. Any persisted OPEN trade with a non-positive entry price or
// shares is force-closed with zero PnL and a diagnostic reason before the
// state machine sees it; the repair is persisted immediately.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.file = File{Trades: []market.Trade{}}
	case err != nil:
		return nil, fmt.Errorf("read ledger: %w", err)
	default:
		if err := json.Unmarshal(raw, &l.file); err != nil {
			return nil, fmt.Errorf("parse ledger %s: %w", path, err)
		}
	}

	repaired := 0
	now := time.Now().UTC()
	for i := range l.file.Trades {
		t := &l.file.Trades[i]
		if t.Valid() {
			continue
		}
		log.Warn().
			Str("trade_id", t.ID).
			Str("entry_price", t.EntryPrice.String()).
			Str("shares", t.Shares.String()).
			Msg("⚠️ Corrupt open trade in ledger, force-closing")
		t.Status = market.StatusClosed
		t.PnL = decimal.Zero
		t.ExitReason = market.ExitReasonInvalid
		t.ExitTime = &now
		repaired++
	}

	l.file.Summary = RecomputeSummary(l.file.Trades)

	if repaired > 0 {
		if err := l.persist(); err != nil {
			return nil, fmt.Errorf("persist repaired ledger: %w", err)
		}
	}

	log.Info().
		Str("path", path).
		Int("trades", len(l.file.Trades)).
		Int("repaired", repaired).
		Msg("📒 Ledger loaded")
	return l, nil
}

// Append adds a trade and persists. OPEN trades failing the positivity
// invariant are rejected, never silently coerced.
func (l *Ledger) Append(t market.Trade) error {
	if !t.Valid() {
		return ErrInvalidTrade
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevTrades := l.file.Trades
	prevSummary := l.file.Summary

	l.file.Trades = append(append([]market.Trade{}, prevTrades...), t)
	l.file.Summary = RecomputeSummary(l.file.Trades)

	if err := l.persist(); err != nil {
		l.file.Trades = prevTrades
		l.file.Summary = prevSummary
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Update merges a patch onto the record with the given id and persists.
// An absent id is a warning-level no-op, not an error.
func (l *Ledger) Update(id string, patch func(*market.Trade)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.file.Trades {
		if l.file.Trades[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Warn().Str("trade_id", id).Msg("⚠️ Ledger update for unknown trade, ignoring")
		return nil
	}

	prevTrades := l.file.Trades
	prevSummary := l.file.Summary

	next := append([]market.Trade{}, prevTrades...)
	patch(&next[idx])
	l.file.Trades = next
	l.file.Summary = RecomputeSummary(next)

	if err := l.persist(); err != nil {
		l.file.Trades = prevTrades
		l.file.Summary = prevSummary
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the trades and summary.
func (l *Ledger) Snapshot() File {
	l.mu.Lock()
	defer l.mu.Unlock()

	trades := make([]market.Trade, len(l.file.Trades))
	copy(trades, l.file.Trades)
	return File{Trades: trades, Summary: l.file.Summary}
}

// OpenTrade returns a copy of the single OPEN trade, or nil when flat.
func (l *Ledger) OpenTrade() *market.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.file.Trades {
		if l.file.Trades[i].Status == market.StatusOpen {
			t := l.file.Trades[i]
			return &t
		}
	}
	return nil
}

// RealizedPnL returns the summary's total PnL over closed trades.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Summary.TotalPnL
}

// RecomputeSummary folds the full trade collection into a summary.
// Wins and losses count only CLOSED trades; a closed trade with pnl <= 0 is
// a loss. Idempotent: same trades in, same summary out.
func RecomputeSummary(trades []market.Trade) market.LedgerSummary {
	s := market.LedgerSummary{
		TotalTrades: len(trades),
		TotalPnL:    decimal.Zero,
	}
	for _, t := range trades {
		if t.Status != market.StatusClosed {
			continue
		}
		s.TotalPnL = s.TotalPnL.Add(t.PnL)
		if t.PnL.IsPositive() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if closed := s.Wins + s.Losses; closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed) * 100
	}
	return s
}

// persist rewrites the whole file via temp file + rename so a reader never
// observes a partial write. Caller holds the mutex.
func (l *Ledger) persist() error {
	data, err := json.MarshalIndent(l.file, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
