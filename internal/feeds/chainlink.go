package feeds

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddslab/polysim/internal/market"
)

// latestRoundData() selector on the Chainlink aggregator proxy.
const latestRoundDataSelector = "feaf968c"

// Chainlink USD feeds report with 8 decimals.
const chainlinkDecimals = -8

// ChainlinkFeed reads the on-chain Chainlink price for the reference asset
// and synthesizes 1-minute bars from point samples. It is the fallback when
// the exchange stream is unavailable: bars carry zero volume, which the
// VWAP layer handles explicitly.
type ChainlinkFeed struct {
	client  *ethclient.Client
	feed    common.Address
	maxBars int
	log     zerolog.Logger

	mu        sync.RWMutex
	bars      []market.Bar
	lastPrice float64
	haveLast  bool
	current   *market.Bar
}

// NewChainlinkFeed dials the RPC endpoint and wraps the aggregator at addr.
func NewChainlinkFeed(rpcURL, addr string, maxBars int) (*ChainlinkFeed, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid feed address %q", addr)
	}
	return &ChainlinkFeed{
		client:  client,
		feed:    common.HexToAddress(addr),
		maxBars: maxBars,
		log:     log.With().Str("component", "chainlink").Logger(),
	}, nil
}

// Bars returns a copy of the synthesized bar window, oldest first.
func (f *ChainlinkFeed) Bars() []market.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]market.Bar, len(f.bars))
	copy(out, f.bars)
	return out
}

// LastPrice returns the most recent oracle price.
func (f *ChainlinkFeed) LastPrice() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPrice, f.haveLast
}

// FetchPrice calls latestRoundData and decodes the answer.
func (f *ChainlinkFeed) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	data, err := hex.DecodeString(latestRoundDataSelector)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.feed, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("latestRoundData: %w", err)
	}
	// Return layout: roundId | answer | startedAt | updatedAt | answeredInRound.
	if len(out) < 64 {
		return decimal.Zero, fmt.Errorf("short return data: %d bytes", len(out))
	}
	answer := new(big.Int).SetBytes(out[32:64])
	if answer.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive oracle answer")
	}
	return decimal.NewFromBigInt(answer, chainlinkDecimals), nil
}

// Run samples the oracle on the given interval and folds samples into
// 1-minute bars until the context is cancelled.
func (f *ChainlinkFeed) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			price, err := f.FetchPrice(ctx)
			if err != nil {
				f.log.Warn().Err(err).Msg("⚠️ Oracle read failed")
				continue
			}
			f.observe(time.Now().UTC(), price.InexactFloat64())
		}
	}
}

// observe folds one point sample into the current minute's bar, sealing the
// previous minute when the sample crosses a minute boundary.
func (f *ChainlinkFeed) observe(now time.Time, price float64) {
	minute := now.Truncate(time.Minute)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastPrice = price
	f.haveLast = true

	if f.current != nil && !f.current.OpenTime.Equal(minute) {
		f.bars = append(f.bars, *f.current)
		if len(f.bars) > f.maxBars {
			f.bars = f.bars[len(f.bars)-f.maxBars:]
		}
		f.current = nil
	}

	if f.current == nil {
		f.current = &market.Bar{
			OpenTime: minute,
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
		}
		return
	}
	if price > f.current.High {
		f.current.High = price
	}
	if price < f.current.Low {
		f.current.Low = price
	}
	f.current.Close = price
}

// Close releases the RPC connection.
func (f *ChainlinkFeed) Close() {
	f.client.Close()
}
