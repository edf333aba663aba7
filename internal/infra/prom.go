package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "live_quotes"

// RegisterMetrics exposes m on reg. Values are read from the atomic counters
// at scrape time.
func RegisterMetrics(reg prometheus.Registerer, m *Metrics) error {
	counter := func(name, help string, value func(MetricsSnapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(m.Snapshot()))
		})
	}

	collectors := []prometheus.Collector{
		counter("events_ingested_total", "Stream events written to the snapshot cache",
			func(s MetricsSnapshot) uint64 { return s.EventsIngested }),
		counter("events_discarded_total", "Stream events rejected as older than the cached snapshot",
			func(s MetricsSnapshot) uint64 { return s.EventsDiscarded }),
		counter("stream_connects_total", "Successful stream connect and subscribe",
			func(s MetricsSnapshot) uint64 { return s.Connects }),
		counter("stream_errors_total", "Stream connect, subscribe and receive failures",
			func(s MetricsSnapshot) uint64 { return s.ConnectorErrors }),
		counter("resolved_stream_total", "Quotes resolved from the stream",
			func(s MetricsSnapshot) uint64 { return s.ResolvedStream }),
		counter("resolved_fallback_total", "Quotes resolved from the fallback source",
			func(s MetricsSnapshot) uint64 { return s.ResolvedFallback }),
		counter("resolved_unavailable_total", "Quotes resolved as unavailable",
			func(s MetricsSnapshot) uint64 { return s.ResolvedUnavailable }),
		counter("fallback_pulls_total", "Real fallback pulls",
			func(s MetricsSnapshot) uint64 { return s.Pulls }),
		counter("fallback_failures_total", "Failed fallback pulls",
			func(s MetricsSnapshot) uint64 { return s.PullFailures }),
		counter("fallback_rate_limited_total", "Fallback pulls rejected by rate limiting",
			func(s MetricsSnapshot) uint64 { return s.RateLimited }),
		counter("fallback_throttled_total", "Fallback calls answered inside the cooldown window",
			func(s MetricsSnapshot) uint64 { return s.ThrottledHits }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "fallback_pull_latency_avg_seconds",
			Help:      "Average fallback pull latency",
		}, func() float64 {
			return float64(m.Snapshot().AvgPullLatencyNs) / 1e9
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stream_sessions_active",
			Help:      "Open stream sessions",
		}, func() float64 {
			return float64(m.Snapshot().ActiveSessions)
		}),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
