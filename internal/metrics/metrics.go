package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the trading loop's operational counters. One instance
// per process, registered on the default registry.
type Metrics struct {
	TicksTotal     prometheus.Counter
	TradesOpened   *prometheus.CounterVec
	TradesClosed   *prometheus.CounterVec
	EntriesBlocked *prometheus.CounterVec
	RealizedPnL    prometheus.Gauge
	Balance        prometheus.Gauge
	ProbabilityUp  prometheus.Gauge
	EdgeUp         prometheus.Gauge
}

// New registers and returns the metric set.
func New() *Metrics {
	return &Metrics{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "polysim_ticks_total",
			Help: "Evaluation ticks processed.",
		}),
		TradesOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polysim_trades_opened_total",
			Help: "Trades opened, by side.",
		}, []string{"side"}),
		TradesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polysim_trades_closed_total",
			Help: "Trades closed, by exit reason.",
		}, []string{"reason"}),
		EntriesBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polysim_entries_blocked_total",
			Help: "Entry attempts blocked, by gate.",
		}, []string{"gate"}),
		RealizedPnL: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polysim_realized_pnl_usd",
			Help: "Total realized profit and loss.",
		}),
		Balance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polysim_balance_usd",
			Help: "Current simulated balance.",
		}),
		ProbabilityUp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polysim_probability_up",
			Help: "Latest time-adjusted UP probability.",
		}),
		EdgeUp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polysim_edge_up",
			Help: "Latest UP edge versus the market-implied probability.",
		}),
	}
}
