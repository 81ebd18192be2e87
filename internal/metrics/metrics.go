package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup returned a valid cached score.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupNotPresent indicates no entry existed for the id.
	CacheLookupNotPresent CacheLookupOutcome = "not_present"
	// CacheLookupStale indicates an entry existed but was expired or held the sentinel score.
	CacheLookupStale CacheLookupOutcome = "stale"
)

// FlushTrigger identifies why the cache snapshot was written.
type FlushTrigger string

const (
	// FlushPeriodic records writes triggered by the put counter.
	FlushPeriodic FlushTrigger = "periodic"
	// FlushFinal records the unconditional write at shutdown.
	FlushFinal FlushTrigger = "final"
)

// FlushResult captures whether a snapshot write succeeded.
type FlushResult string

const (
	FlushOK    FlushResult = "ok"
	FlushError FlushResult = "error"
)

// Recorder publishes Prometheus metrics for score resolution activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheLookups *prometheus.CounterVec
	cacheFlushes *prometheus.CounterVec
	cacheEntries *prometheus.GaugeVec

	sourceRequests *prometheus.CounterVec
	sourceLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scorecache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Score cache lookups by result.",
	}, []string{"kind", "result"})

	cacheFlushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scorecache",
		Subsystem: "cache",
		Name:      "flushes_total",
		Help:      "Snapshot writes to the backing store.",
	}, []string{"trigger", "result"})

	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scorecache",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held by the score cache.",
	}, []string{"kind"})

	sourceRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scorecache",
		Subsystem: "source",
		Name:      "requests_total",
		Help:      "Score fetches issued to upstream sources.",
	}, []string{"source", "outcome"})

	sourceLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scorecache",
		Subsystem: "source",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for upstream score fetches, including enforced delays.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
	}, []string{"source", "outcome"})

	reg.MustRegister(cacheLookups, cacheFlushes, cacheEntries, sourceRequests, sourceLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:       reg,
		handler:        handler,
		cacheLookups:   cacheLookups,
		cacheFlushes:   cacheFlushes,
		cacheEntries:   cacheEntries,
		sourceRequests: sourceRequests,
		sourceLatency:  sourceLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(kind string, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupNotPresent)
	}
	r.cacheLookups.WithLabelValues(normalizeLabel(kind), resultLabel).Inc()
}

// ObserveFlush records a snapshot write.
func (r *Recorder) ObserveFlush(trigger FlushTrigger, result FlushResult) {
	if r == nil {
		return
	}
	r.cacheFlushes.WithLabelValues(normalizeLabel(string(trigger)), normalizeLabel(string(result))).Inc()
}

// SetCacheEntries publishes the current entry count.
func (r *Recorder) SetCacheEntries(kind string, count int) {
	if r == nil {
		return
	}
	r.cacheEntries.WithLabelValues(normalizeLabel(kind)).Set(float64(count))
}

// ObserveSourceRequest records the outcome and latency of one upstream fetch.
func (r *Recorder) ObserveSourceRequest(source, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	sourceLabel := normalizeLabel(source)
	outcomeLabel := normalizeLabel(outcome)
	r.sourceRequests.WithLabelValues(sourceLabel, outcomeLabel).Inc()
	r.sourceLatency.WithLabelValues(sourceLabel, outcomeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
