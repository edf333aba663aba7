package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability using atomic counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingestion
	eventsIngested  atomic.Uint64
	eventsDiscarded atomic.Uint64 // out-of-order events rejected by the cache
	connects        atomic.Uint64
	connectorErrors atomic.Uint64

	// Resolution
	resolvedStream      atomic.Uint64
	resolvedFallback    atomic.Uint64
	resolvedUnavailable atomic.Uint64

	// Fallback
	pulls         atomic.Uint64
	pullFailures  atomic.Uint64
	rateLimited   atomic.Uint64
	throttledHits atomic.Uint64

	// Latency tracking (fallback pulls)
	pullLatencySumNs atomic.Int64
	pullLatencyCount atomic.Uint64

	// Gauges
	activeSessions atomic.Int32
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordEvent records one ingested feed event.
func (m *Metrics) RecordEvent() {
	if m == nil {
		return
	}
	m.eventsIngested.Add(1)
}

// RecordDiscard records an event dropped because a newer snapshot was cached.
func (m *Metrics) RecordDiscard() {
	if m == nil {
		return
	}
	m.eventsDiscarded.Add(1)
}

// RecordConnect records a successful connect+subscribe.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.connects.Add(1)
}

// RecordConnectorError records a connect, subscribe or receive failure.
func (m *Metrics) RecordConnectorError() {
	if m == nil {
		return
	}
	m.connectorErrors.Add(1)
}

// RecordResolution counts a resolved quote by source tag.
func (m *Metrics) RecordResolution(source string) {
	if m == nil {
		return
	}
	switch source {
	case "stream":
		m.resolvedStream.Add(1)
	case "fallback":
		m.resolvedFallback.Add(1)
	default:
		m.resolvedUnavailable.Add(1)
	}
}

// RecordPull records a real fallback pull with its latency and outcome.
func (m *Metrics) RecordPull(latency time.Duration, failed, rateLimited bool) {
	if m == nil {
		return
	}
	m.pulls.Add(1)
	m.pullLatencySumNs.Add(latency.Nanoseconds())
	m.pullLatencyCount.Add(1)
	if failed {
		m.pullFailures.Add(1)
	}
	if rateLimited {
		m.rateLimited.Add(1)
	}
}

// RecordThrottled records a fallback call answered from the cooldown cache.
func (m *Metrics) RecordThrottled() {
	if m == nil {
		return
	}
	m.throttledHits.Add(1)
}

// IncrementSessions increments active sessions by 1.
func (m *Metrics) IncrementSessions() {
	if m == nil {
		return
	}
	m.activeSessions.Add(1)
}

// DecrementSessions decrements active sessions by 1.
func (m *Metrics) DecrementSessions() {
	if m == nil {
		return
	}
	m.activeSessions.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsIngested      uint64
	EventsDiscarded     uint64
	Connects            uint64
	ConnectorErrors     uint64
	ResolvedStream      uint64
	ResolvedFallback    uint64
	ResolvedUnavailable uint64
	Pulls               uint64
	PullFailures        uint64
	RateLimited         uint64
	ThrottledHits       uint64
	AvgPullLatencyNs    int64
	ActiveSessions      int32
	Timestamp           time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}

	var avgLatency int64
	count := m.pullLatencyCount.Load()
	if count > 0 {
		avgLatency = m.pullLatencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsIngested:      m.eventsIngested.Load(),
		EventsDiscarded:     m.eventsDiscarded.Load(),
		Connects:            m.connects.Load(),
		ConnectorErrors:     m.connectorErrors.Load(),
		ResolvedStream:      m.resolvedStream.Load(),
		ResolvedFallback:    m.resolvedFallback.Load(),
		ResolvedUnavailable: m.resolvedUnavailable.Load(),
		Pulls:               m.pulls.Load(),
		PullFailures:        m.pullFailures.Load(),
		RateLimited:         m.rateLimited.Load(),
		ThrottledHits:       m.throttledHits.Load(),
		AvgPullLatencyNs:    avgLatency,
		ActiveSessions:      m.activeSessions.Load(),
		Timestamp:           time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.eventsIngested.Store(0)
	m.eventsDiscarded.Store(0)
	m.connects.Store(0)
	m.connectorErrors.Store(0)
	m.resolvedStream.Store(0)
	m.resolvedFallback.Store(0)
	m.resolvedUnavailable.Store(0)
	m.pulls.Store(0)
	m.pullFailures.Store(0)
	m.rateLimited.Store(0)
	m.throttledHits.Store(0)
	m.pullLatencySumNs.Store(0)
	m.pullLatencyCount.Store(0)
	m.activeSessions.Store(0)
}
