// Package metrics defines the Prometheus collectors recorded by the harvest
// pipeline. Collectors live on a package registry rather than the global
// default one, so embedding programs and tests stay isolated.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quoteharvest"

// Registry holds every collector in this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CacheLookups counts snapshot lookups by result (hit, miss).
	CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Snapshot lookups for (document, passage, language) keys.",
	}, []string{"result"})

	// TranslationRequests counts translation calls by target language and
	// result (ok, transport, parse).
	TranslationRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "translation_requests_total",
		Help:      "Translation backend calls by language and result.",
	}, []string{"lang", "result"})

	// TranslationDuration observes translation call latency.
	TranslationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "translation_duration_seconds",
		Help:      "Latency of translation backend calls.",
		Buckets:   prometheus.DefBuckets,
	})

	// TranslationsInFlight tracks calls currently holding a gate slot.
	TranslationsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "translations_in_flight",
		Help:      "Translation calls currently in flight.",
	})

	// Cycles counts harvest cycles by outcome (ok, fetch_failed, save_failed).
	Cycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Completed harvest cycles by outcome.",
	}, []string{"outcome"})

	// LastCycle is the Unix time of the last completed cycle.
	LastCycle = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time the last harvest cycle finished.",
	})

	// SnapshotPassages is the number of passages per language in the last
	// persisted snapshot.
	SnapshotPassages = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_passages",
		Help:      "Passages per language in the last saved snapshot.",
	}, []string{"lang"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
