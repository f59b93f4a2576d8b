package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/oddslab/polysim/internal/ledger"
	"github.com/oddslab/polysim/internal/trader"
)

// Server exposes the read-only status surface: health, current state, the
// full ledger, and Prometheus metrics. Nothing here mutates trading state.
type Server struct {
	echo *echo.Echo
	addr string
}

// New wires the routes over the trader and ledger. lastExplain returns the
// most recent tick's explain record, or nil before the first tick.
func New(addr string, t *trader.Trader, book *ledger.Ledger, lastExplain func() *trader.Explain) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/status", func(c echo.Context) error {
		snap := book.Snapshot()
		return c.JSON(http.StatusOK, map[string]any{
			"time":      time.Now().UTC(),
			"balance":   t.Balance(),
			"openTrade": t.OpenTrade(),
			"summary":   snap.Summary,
			"lastTick":  lastExplain(),
		})
	})

	e.GET("/explain", func(c echo.Context) error {
		ex := lastExplain()
		if ex == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no tick evaluated yet"})
		}
		return c.JSON(http.StatusOK, ex)
	})

	e.GET("/ledger", func(c echo.Context) error {
		return c.JSON(http.StatusOK, book.Snapshot())
	})

	e.GET("/trades", func(c echo.Context) error {
		return c.JSON(http.StatusOK, book.Snapshot().Trades)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{echo: e, addr: addr}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", s.addr).Msg("🌐 Status server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
