package mirror

import "github.com/prometheus/client_golang/prometheus"

// Collectors are registered on the default registry, which the debug
// listener serves at /metrics.
var (
	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "items_total",
		Help:      "Queue items processed, by outcome.",
	}, []string{"outcome"})

	symbolOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "symbol_extractions_total",
		Help:      "Symbol extraction attempts, by outcome.",
	}, []string{"outcome"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "transfer_bytes_total",
		Help:      "Payload bytes moved, by direction.",
	}, []string{"direction"})

	bundlesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "symbol_bundles_total",
		Help:      "Bundle manifests published.",
	})

	budgetStops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "budget_stops_total",
		Help:      "Runs halted by the time budget.",
	})

	itemSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "symmirror",
		Subsystem: "mirror",
		Name:      "item_duration_seconds",
		Help:      "Wall-clock time spent on one queue item.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(itemsTotal, symbolOutcomes, bytesTotal, bundlesTotal, budgetStops, itemSeconds)
}
