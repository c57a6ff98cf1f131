package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/luxfi/safety/pkg/events"
	"github.com/luxfi/safety/pkg/wad"
)

// Metrics turns the event stream into Prometheus series. It is an
// events.Emitter and is attached to the system bus.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	events *prometheus.CounterVec

	// Vault metrics
	staked        *prometheus.CounterVec
	redeemed      *prometheus.CounterVec
	slashed       *prometheus.CounterVec
	fundsReturned *prometheus.CounterVec
	exchangeRate  *prometheus.GaugeVec

	// Auction metrics
	auctionsStarted prometheus.Counter
	auctionsActive  prometheus.Gauge
	auctionsEnded   *prometheus.CounterVec
	lotsSold        prometheus.Counter
	fundsRaised     prometheus.Counter

	// Reward metrics
	rewardsClaimed *prometheus.CounterVec
	shortfalls     *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the collector and registers every series on a private
// registry.
func New(namespace string, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.Root()
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total events emitted by topic and kind",
		}, []string{"topic", "kind"}),

		staked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staked_underlying_total",
			Help:      "Underlying units staked per market",
		}, []string{"market"}),

		redeemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeemed_underlying_total",
			Help:      "Underlying units redeemed per market",
		}, []string{"market"}),

		slashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_underlying_total",
			Help:      "Underlying units slashed per market",
		}, []string{"market"}),

		fundsReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "returned_underlying_total",
			Help:      "Underlying units returned to each market",
		}, []string{"market"}),

		exchangeRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchange_rate",
			Help:      "Last reported underlying per share of each market",
		}, []string{"market"}),

		auctionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_started_total",
			Help:      "Total number of slashing auctions started",
		}),

		auctionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auctions_active",
			Help:      "Number of auctions currently accepting bids",
		}),

		auctionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_ended_total",
			Help:      "Total auctions ended by terminal status",
		}, []string{"status"}),

		lotsSold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lots_sold_total",
			Help:      "Total auction lots sold",
		}),

		fundsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funds_raised_total",
			Help:      "Payment units raised by ended auctions",
		}),

		rewardsClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_claimed_total",
			Help:      "Reward units paid out per token",
		}, []string{"token"}),

		shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_shortfall_total",
			Help:      "Reward units the reserve could not cover per token",
		}, []string{"token"}),

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
		m.events,
		m.staked,
		m.redeemed,
		m.slashed,
		m.fundsReturned,
		m.exchangeRate,
		m.auctionsStarted,
		m.auctionsActive,
		m.auctionsEnded,
		m.lotsSold,
		m.fundsRaised,
		m.rewardsClaimed,
		m.shortfalls,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Emit(e events.Event) {
	m.events.WithLabelValues(string(e.Topic), string(e.Kind)).Inc()

	market := e.Source.Hex()
	switch e.Kind {
	case events.Staked:
		m.staked.WithLabelValues(market).Add(units(e.Fields["amount"]))
	case events.Redeemed:
		m.redeemed.WithLabelValues(market).Add(units(e.Fields["underlying"]))
	case events.Slashed:
		m.slashed.WithLabelValues(market).Add(units(e.Fields["amount"]))
	case events.FundsReturned:
		m.fundsReturned.WithLabelValues(market).Add(units(e.Fields["amount"]))
		m.exchangeRate.WithLabelValues(market).Set(units(e.Fields["exchangeRate"]))
	case events.SlashingSettled:
		m.exchangeRate.WithLabelValues(market).Set(units(e.Fields["exchangeRate"]))
	case events.AuctionStarted:
		m.auctionsStarted.Inc()
		m.auctionsActive.Inc()
	case events.LotsSold:
		if n, err := uint256.FromDecimal(e.Fields["lots"]); err == nil {
			m.lotsSold.Add(float64(n.Uint64()))
		}
	case events.AuctionEnded:
		m.auctionsActive.Dec()
		m.auctionsEnded.WithLabelValues(e.Fields["status"]).Inc()
		m.fundsRaised.Add(units(e.Fields["fundsRaised"]))
	case events.RewardsClaimed:
		m.rewardsClaimed.WithLabelValues(e.Fields["token"]).Add(units(e.Fields["amount"]))
	case events.RewardTokenShortfall:
		m.shortfalls.WithLabelValues(e.Fields["token"]).Add(units(e.Fields["amount"]))
	}
}

// units converts a raw WAD integer field to whole units. Malformed fields
// count as zero.
func units(raw string) float64 {
	x, err := uint256.FromDecimal(raw)
	if err != nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(x.ToBig(), -wad.Decimals).Float64()
	return f
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *Metrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// LogMetrics logs a runtime snapshot.
func (m *Metrics) LogMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.logger.Info("Current metrics snapshot",
		"memory_mb", memStats.Alloc/1024/1024,
		"goroutines", runtime.NumGoroutine(),
	)
}
