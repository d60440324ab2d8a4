package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
)

// PerpsMetrics exposes exchange state and flow counters to Prometheus
type PerpsMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Operation metrics
	operationsCommitted prometheus.Counter
	operationsRejected  prometheus.Counter
	ordersFilled        prometheus.Counter
	positionsOpened     prometheus.Counter
	positionsClosed     prometheus.Counter
	liquidations        prometheus.Counter
	crankLatency        prometheus.Histogram

	// Exchange state gauges
	poolLiquidity prometheus.GaugeVec
	poolFees      prometheus.GaugeVec
	globalOpen    prometheus.GaugeVec
	vlpStaked     prometheus.Gauge
	rewardTotal   prometheus.Gauge
	userCount     prometheus.Gauge
	matchBacklog  prometheus.Gauge

	// Feed metrics
	quotesAccepted prometheus.Counter
	quotesRejected prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewPerpsMetrics creates and registers the exchange metric set
func NewPerpsMetrics(namespace string) (*PerpsMetrics, error) {
	logger := log.Root().New("module", "metrics")
	logger.Info("Initializing perps metrics")

	registry := prometheus.NewRegistry()

	m := &PerpsMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		operationsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_committed_total",
			Help:      "Total operations committed",
		}),

		operationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Total operations rejected and rolled back",
		}),

		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Total limit orders crossed by the fill pass",
		}),

		positionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened by the crank",
		}),

		positionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total positions closed",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total positions force-closed",
		}),

		crankLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "crank_latency_nanoseconds",
			Help:      "Match event settlement latency in nanoseconds",
			Buckets:   []float64{1000, 2500, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000},
		}),

		poolLiquidity: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_liquidity",
			Help:      "Pool principal by asset, in native units",
		}, []string{"asset"}),

		poolFees: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_fees_unswept",
			Help:      "Accrued unswept fees by asset, in native units",
		}, []string{"asset"}),

		globalOpen: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Aggregate open position size by market and side",
		}, []string{"market", "side"}),

		vlpStaked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vlp_staked_total",
			Help:      "Outstanding staked share supply",
		}),

		rewardTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reward_total",
			Help:      "Undistributed reward units held by the staking pool",
		}),

		userCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_count",
			Help:      "Registered user state records",
		}),

		matchBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "match_queue_backlog",
			Help:      "Match events awaiting settlement",
		}),

		quotesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_quotes_accepted_total",
			Help:      "Total price quotes accepted from the feed",
		}),

		quotesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_quotes_rejected_total",
			Help:      "Total price quotes dropped by the feed",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.operationsCommitted,
		m.operationsRejected,
		m.ordersFilled,
		m.positionsOpened,
		m.positionsClosed,
		m.liquidations,
		m.crankLatency,
		m.poolLiquidity,
		m.poolFees,
		m.globalOpen,
		m.vlpStaked,
		m.rewardTotal,
		m.userCount,
		m.matchBacklog,
		m.quotesAccepted,
		m.quotesRejected,
		m.memoryUsage,
		m.goroutines,
	)

	logger.Info("Perps metrics initialized successfully")
	return m, nil
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *PerpsMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts Prometheus metrics server
func (m *PerpsMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available",
		"endpoint", "http://localhost:"+port+"/metrics")

	return nil
}

// RecordCommit records a committed operation
func (m *PerpsMetrics) RecordCommit() {
	m.operationsCommitted.Inc()
}

// RecordReject records a rejected operation
func (m *PerpsMetrics) RecordReject() {
	m.operationsRejected.Inc()
}

// RecordFills records orders crossed in one fill pass
func (m *PerpsMetrics) RecordFills(n int) {
	m.ordersFilled.Add(float64(n))
}

// RecordCrankLatency records one settlement duration
func (m *PerpsMetrics) RecordCrankLatency(nanoseconds float64) {
	m.crankLatency.Observe(nanoseconds)
}

// RecordEvent counts one committed ledger event
func (m *PerpsMetrics) RecordEvent(kind perp.EventKind) {
	switch kind {
	case perp.EventPositionOpened:
		m.positionsOpened.Inc()
	case perp.EventPositionClosed:
		m.positionsClosed.Inc()
	case perp.EventPositionLiquidated:
		m.liquidations.Inc()
	}
}

// RecordQuote counts one feed tick
func (m *PerpsMetrics) RecordQuote(accepted bool) {
	if accepted {
		m.quotesAccepted.Inc()
	} else {
		m.quotesRejected.Inc()
	}
}

// ObserveLedger refreshes the exchange state gauges from a snapshot.
func (m *PerpsMetrics) ObserveLedger(l *ledger.Ledger) error {
	return l.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		for i := range dex.Assets {
			a := &dex.Assets[i]
			if !a.Valid {
				continue
			}
			m.poolLiquidity.WithLabelValues(a.Symbol.String()).Set(float64(a.LiquidityAmount))
			m.poolFees.WithLabelValues(a.Symbol.String()).Set(float64(a.FeeAmount))
		}
		for i := range dex.Markets {
			mk := &dex.Markets[i]
			if !mk.Valid {
				continue
			}
			m.globalOpen.WithLabelValues(mk.Symbol.String(), "long").Set(float64(mk.GlobalLong.Size))
			m.globalOpen.WithLabelValues(mk.Symbol.String(), "short").Set(float64(mk.GlobalShort.Size))
		}
		m.vlpStaked.Set(float64(dex.VlpPool.StakedTotal))
		m.rewardTotal.Set(float64(dex.VlpPool.RewardTotal))
		m.userCount.Set(float64(dex.UserCount))
		m.matchBacklog.Set(float64(dex.MatchQueue.Len()))
		return nil
	})
}

// CollectSystemMetrics collects system-level metrics
func (m *PerpsMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
