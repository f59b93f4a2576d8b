package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/oddslab/polysim/internal/app"
	"github.com/oddslab/polysim/internal/archive"
	"github.com/oddslab/polysim/internal/config"
	"github.com/oddslab/polysim/internal/feeds"
	"github.com/oddslab/polysim/internal/ledger"
	"github.com/oddslab/polysim/internal/metrics"
	"github.com/oddslab/polysim/internal/notify"
	"github.com/oddslab/polysim/internal/server"
	"github.com/oddslab/polysim/internal/trader"
)

func main() {
	summaryOnly := flag.Bool("summary", false, "print the ledger summary and exit")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	book, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LedgerPath).Msg("Failed to open ledger")
	}

	if *summaryOnly {
		printSummary(book)
		return
	}

	log.Info().
		Str("asset", cfg.Asset).
		Str("gating", string(cfg.GatingMode)).
		Str("balance", cfg.StartingBalance.Add(book.RealizedPnL()).StringFixed(2)).
		Msg("🎯 Paper trader starting")

	t := trader.New(cfg, book)
	m := metrics.New()

	var arch *archive.Archive
	if cfg.ArchiveDSN != "" {
		arch, err = archive.Open(cfg.ArchiveDSN)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Archive unavailable, continuing without it")
		} else {
			defer arch.Close()
		}
	}

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram unavailable, continuing without it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ref, runRef := referenceFeed(ctx, cfg)
	quotes := feeds.NewPolymarketFeed(cfg.PolymarketAPIURL, cfg.Asset, cfg.WindowLength)

	engine := app.NewEngine(cfg, ref, quotes, t, m, arch, notifier)
	srv := server.New(cfg.StatusAddr, t, book, engine.LastExplain)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runRef(ctx) })
	g.Go(func() error { return quotes.Run(ctx, cfg.PollInterval) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	notifier.Text("🎯 Paper trader started")

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Shutting down after error")
	}
	notifier.Text("🛑 Paper trader stopped")
	log.Info().Msg("👋 Goodbye")
}

// referenceFeed prefers the exchange kline stream and falls back to the
// on-chain oracle when the exchange is unreachable at startup.
func referenceFeed(ctx context.Context, cfg *config.Config) (app.ReferenceFeed, func(context.Context) error) {
	binance := feeds.NewBinanceFeed(cfg.BinanceWSURL, cfg.BinanceRESTURL, cfg.Asset, cfg.MaxBars)

	backfillCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := binance.Backfill(backfillCtx)
	cancel()
	if err == nil {
		return binance, binance.Run
	}
	log.Warn().Err(err).Msg("⚠️ Exchange feed unavailable, falling back to oracle")

	chainlink, err := feeds.NewChainlinkFeed(cfg.PolygonRPC, cfg.ChainlinkFeed, cfg.MaxBars)
	if err != nil {
		log.Fatal().Err(err).Msg("No reference feed available")
	}
	return chainlink, func(ctx context.Context) error {
		defer chainlink.Close()
		return chainlink.Run(ctx, cfg.PollInterval)
	}
}

func printSummary(book *ledger.Ledger) {
	s := book.Snapshot().Summary
	fmt.Printf("Trades: %d\n", s.TotalTrades)
	fmt.Printf("Wins:   %d\n", s.Wins)
	fmt.Printf("Losses: %d\n", s.Losses)
	fmt.Printf("PnL:    $%s\n", s.TotalPnL.StringFixed(2))
	fmt.Printf("Win %%:  %.1f\n", s.WinRate)
}
