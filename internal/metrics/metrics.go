// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calfeed"

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Feed cache lookups by result (hit, miss, stale).",
	}, []string{"feed", "result"})

	recomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recomputes_total",
		Help:      "Feed builds by outcome (ok, error).",
	}, []string{"feed", "outcome"})

	recomputeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "recompute_duration_seconds",
		Help:      "Time spent building a feed from upstream.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"feed"})

	upstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_errors_total",
		Help:      "Failed feed builds by error kind.",
	}, []string{"feed", "kind"})

	scriptFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "script_failures_total",
		Help:      "Page scripts that threw or ran out of budget.",
	}, []string{"feed"})

	skippedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_events_total",
		Help:      "Upstream records dropped during normalization.",
	}, []string{"feed"})

	responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_responses_total",
		Help:      "Feed responses by status code.",
	}, []string{"code"})

	inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Feed requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(
		cacheLookups,
		recomputes,
		recomputeDuration,
		upstreamErrors,
		scriptFailures,
		skippedEvents,
		responses,
		inFlight,
	)
}

func CacheLookup(feed, result string) { cacheLookups.WithLabelValues(feed, result).Inc() }

// Recompute records one finished build.
func Recompute(feed string, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	recomputes.WithLabelValues(feed, outcome).Inc()
	recomputeDuration.WithLabelValues(feed).Observe(took.Seconds())
}

func UpstreamError(feed, kind string) { upstreamErrors.WithLabelValues(feed, kind).Inc() }

func ScriptFailures(feed string, n int) {
	if n > 0 {
		scriptFailures.WithLabelValues(feed).Add(float64(n))
	}
}

func SkippedEvents(feed string, n int) {
	if n > 0 {
		skippedEvents.WithLabelValues(feed).Add(float64(n))
	}
}

func Response(code int) { responses.WithLabelValues(strconv.Itoa(code)).Inc() }

// InFlight adjusts the in-flight gauge by delta.
func InFlight(delta int) { inFlight.Add(float64(delta)) }

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }
