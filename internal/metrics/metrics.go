// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portcullis/gateway/internal/exchange"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Requests served, by route, method and status.",
	}, []string{"route", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "End-to-end request latency, by route and method.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "method"})

	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_requests",
		Help: "Requests currently being served.",
	})

	queueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_queue_rejections_total",
		Help: "Requests rejected because the admission queue was full.",
	})

	rateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_rejections_total",
		Help: "Requests rejected by a rate limiter, by scope.",
	}, []string{"scope"})

	includeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_include_lookups_total",
		Help: "Include resolver lookups, by outcome: local, cache, miss.",
	}, []string{"outcome"})

	degradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_degradations_total",
		Help: "Graceful degradations, by component.",
	}, []string{"component"})
)

// QueueRejected records one admission-queue rejection.
func QueueRejected() { queueRejections.Inc() }

// RateLimited records one rate-limiter rejection. Scope is "route" or "ip".
func RateLimited(scope string) { rateLimitRejections.WithLabelValues(scope).Inc() }

// IncludeLookup records one include resolver lookup outcome.
func IncludeLookup(outcome string) { includeLookups.WithLabelValues(outcome).Inc() }

// Degraded records one graceful degradation of the named component.
func Degraded(component string) { degradations.WithLabelValues(component).Inc() }

var eventCountersOnce sync.Once

// RegisterEventCounters exposes the configuration-bus apply counters as gauges
// sampled at scrape time. Only the first registration takes effect.
func RegisterEventCounters(applied, skipped func() int64) {
	eventCountersOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_config_events_applied",
			Help: "Configuration events applied since startup.",
		}, func() float64 { return float64(applied()) })
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_config_events_skipped",
			Help: "Configuration events skipped as malformed or unhandled.",
		}, func() float64 { return float64(skipped()) })
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Instrument wraps a handler with request counting, latency observation and
// the in-flight gauge. The route label is the matched route id, or "unmatched"
// so label cardinality stays bounded by the registry.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Inc()
		defer inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		routeID := "unmatched"
		if ex := exchange.FromRequest(r); ex != nil && ex.Route != nil {
			routeID = ex.Route.ID
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		requestsTotal.WithLabelValues(routeID, r.Method, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(routeID, r.Method).Observe(elapsed.Seconds())
	})
}
