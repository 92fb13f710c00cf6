// Package metrics holds the Prometheus metric set exported by a broker node.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be constructed without metrics in tests and tools.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshgate"

// Metrics is the broker's metric set, registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	fetches         *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	forwardWaits    *prometheus.CounterVec
	streams         prometheus.Gauge
	services        prometheus.Gauge

	tokenHits        prometheus.Counter
	tokenMisses      prometheus.Counter
	tokenValidations *prometheus.CounterVec
	tokenRotations   prometheus.Counter
	tokenEvictions   prometheus.Counter
	tokenCacheSize   prometheus.Gauge
}

// New creates the metric set and registers it together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "commands_total",
			Help:      "Commands processed, by kind and result",
		}, []string{"kind", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "command_duration_seconds",
			Help:      "Command processing latency, by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "fetches_total",
			Help:      "Fetch requests processed, by result",
		}, []string{"result"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_failures_total",
			Help:      "Requests rejected as unauthorized, by entry point",
		}, []string{"path"}),
		forwardWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "forward_waits_total",
			Help:      "Forward-and-wait calls, by outcome",
		}, []string{"outcome"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "streams",
			Help:      "Currently registered streams",
		}),
		services: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "servicemeta",
			Name:      "services",
			Help:      "Services with a cached metadata announcement",
		}),
		tokenHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "hits_total",
			Help:      "Token lookups answered from the cache",
		}),
		tokenMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "misses_total",
			Help:      "Token lookups that required validation",
		}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "validations_total",
			Help:      "Round trips to the auth collaborator, by outcome",
		}, []string{"outcome"}),
		tokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "rotations_total",
			Help:      "Tokens replaced by a rotated token",
		}),
		tokenEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "evictions_total",
			Help:      "Tokens removed after failing revalidation",
		}),
		tokenCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tokencache",
			Name:      "entries",
			Help:      "Cached tokens",
		}),
	}

	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.fetches,
		m.authFailures,
		m.forwardWaits,
		m.streams,
		m.services,
		m.tokenHits,
		m.tokenMisses,
		m.tokenValidations,
		m.tokenRotations,
		m.tokenEvictions,
		m.tokenCacheSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records a processed command.
func (m *Metrics) ObserveCommand(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, result).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveFetch records a processed fetch request.
func (m *Metrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

// AuthFailure records a rejected request on the given entry point.
func (m *Metrics) AuthFailure(path string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(path).Inc()
}

// ForwardWait records the outcome of a forward-and-wait call.
func (m *Metrics) ForwardWait(outcome string) {
	if m == nil {
		return
	}
	m.forwardWaits.WithLabelValues(outcome).Inc()
}

// SetStreams sets the registered stream count.
func (m *Metrics) SetStreams(n int) {
	if m == nil {
		return
	}
	m.streams.Set(float64(n))
}

// SetServices sets the number of announced services.
func (m *Metrics) SetServices(n int) {
	if m == nil {
		return
	}
	m.services.Set(float64(n))
}

// TokenHit records a cache hit.
func (m *Metrics) TokenHit() {
	if m == nil {
		return
	}
	m.tokenHits.Inc()
}

// TokenMiss records a cache miss.
func (m *Metrics) TokenMiss() {
	if m == nil {
		return
	}
	m.tokenMisses.Inc()
}

// TokenValidation records a validation round trip.
func (m *Metrics) TokenValidation(outcome string) {
	if m == nil {
		return
	}
	m.tokenValidations.WithLabelValues(outcome).Inc()
}

// TokenRotation records a rotated token.
func (m *Metrics) TokenRotation() {
	if m == nil {
		return
	}
	m.tokenRotations.Inc()
}

// TokenEviction records an evicted token.
func (m *Metrics) TokenEviction() {
	if m == nil {
		return
	}
	m.tokenEvictions.Inc()
}

// SetTokenCacheSize sets the cached token count.
func (m *Metrics) SetTokenCacheSize(n int) {
	if m == nil {
		return
	}
	m.tokenCacheSize.Set(float64(n))
}
