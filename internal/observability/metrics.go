package observability

import (
	"PerpMark/internal/markprice"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpMark.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	TrackedMarkets     prometheus.Gauge

	// --- Arbitration ---
	Submissions *prometheus.CounterVec
	MarkPrice   *prometheus.GaugeVec
	MarketReady *prometheus.GaugeVec

	// --- Readiness gate ---
	Reads        *prometheus.CounterVec
	ReadWaitTime *prometheus.HistogramVec

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupTier2Errors      prometheus.Counter
	DedupLRUSize          prometheus.Gauge
	PriceSequenceGap      *prometheus.CounterVec
	PriceSequenceStale    *prometheus.CounterVec

	// --- Ingestion ---
	ParseFailures  *prometheus.CounterVec
	FeedMessages   *prometheus.CounterVec
	FeedReconnects *prometheus.CounterVec
	ChannelSize    *prometheus.GaugeVec

	// --- Outbound ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter

	// --- Persistence ---
	DedupKeysWritten  prometheus.Counter
	DedupFlushDur     prometheus.Histogram
	DedupFlushErrors  prometheus.Counter
	DedupFlushRetries prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	waitBuckets := []float64{
		0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_core_events_rejected_total",
			Help: "Events rejected (duplicate, stale, invalid, unknown market)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpmark_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		TrackedMarkets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perpmark_tracked_markets",
			Help: "Number of markets with a mark price cache",
		}),

		// Arbitration
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_submissions_total",
			Help: "Price submissions by source and arbitration result",
		}, []string{"market", "source", "result"}),

		MarkPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpmark_mark_price",
			Help: "Last accepted mark price",
		}, []string{"market"}),

		MarketReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpmark_market_ready",
			Help: "1 if the market's mark price was last seen ready, 0 otherwise",
		}, []string{"market"}),

		// Readiness gate
		Reads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_reads_total",
			Help: "Mark price reads by outcome (hit, woken, timeout, cancelled)",
		}, []string{"market", "outcome"}),

		ReadWaitTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpmark_read_wait_seconds",
			Help:    "Time a read spent waiting for a valid mark price",
			Buckets: waitBuckets,
		}, []string{"market"}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perpmark_dedup_lru_size",
			Help: "Current idempotency LRU entries",
		}),

		PriceSequenceGap: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_price_sequence_gaps_total",
			Help: "Price sequence gaps detected (tolerated)",
		}, []string{"market", "source"}),

		PriceSequenceStale: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_price_sequence_stale_total",
			Help: "Price updates dropped for a non-advancing sequence",
		}, []string{"market", "source"}),

		// Ingestion
		ParseFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_parse_failures_total",
			Help: "Inbound messages that could not be parsed",
		}, []string{"event_type"}),

		FeedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_feed_messages_total",
			Help: "Exchange feed messages received",
		}, []string{"feed", "stream"}),

		FeedReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_feed_reconnects_total",
			Help: "Exchange feed reconnect attempts",
		}, []string{"feed"}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpmark_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		// Outbound
		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_publish_errors_total",
			Help: "Outbound events that failed to publish",
		}),

		// Persistence
		DedupKeysWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_dedup_keys_written_total",
			Help: "Processed-event keys written to Postgres",
		}),

		DedupFlushDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpmark_dedup_flush_duration_seconds",
			Help:    "Time to flush a batch of processed-event keys",
			Buckets: waitBuckets,
		}),

		DedupFlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_dedup_flush_errors_total",
			Help: "Dedup batches that failed after all retries",
		}),

		DedupFlushRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "perpmark_dedup_flush_retries_total",
			Help: "Dedup flush retry attempts",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perpmark_query_requests_total",
			Help: "Query API requests",
		}, []string{"method", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpmark_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: waitBuckets,
		}, []string{"method"}),
	}
}

// SetChannelMetrics records the occupancy of a named channel.
func (m *Metrics) SetChannelMetrics(name string, size int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
}

// CacheObserver returns a markprice.Observer that reports one market's
// arbitration and read results.
func (m *Metrics) CacheObserver(market string) markprice.Observer {
	return &cacheObserver{metrics: m, market: market}
}

type cacheObserver struct {
	metrics *Metrics
	market  string
}

func (o *cacheObserver) ObserveSubmit(source markprice.Source, price float64, outcome markprice.Outcome) {
	o.metrics.Submissions.WithLabelValues(o.market, source.String(), outcome.String()).Inc()
	if outcome == markprice.OutcomeAccepted {
		o.metrics.MarkPrice.WithLabelValues(o.market).Set(price)
		o.metrics.MarketReady.WithLabelValues(o.market).Set(1)
	}
}

func (o *cacheObserver) ObserveRead(outcome markprice.ReadOutcome, waited time.Duration) {
	o.metrics.Reads.WithLabelValues(o.market, outcome.String()).Inc()
	if outcome != markprice.ReadHit {
		o.metrics.ReadWaitTime.WithLabelValues(o.market).Observe(waited.Seconds())
	}
	switch outcome {
	case markprice.ReadHit, markprice.ReadWoken:
		o.metrics.MarketReady.WithLabelValues(o.market).Set(1)
	default:
		o.metrics.MarketReady.WithLabelValues(o.market).Set(0)
	}
}
