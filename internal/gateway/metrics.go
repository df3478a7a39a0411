package gateway

import (
	"net/http"
	"sync/atomic"
)

// Metrics tracks gateway-level counters using atomic operations for
// lock-free concurrency. They feed the /status response; the Prometheus
// registry served at /metrics belongs to the dispatch loop.
type Metrics struct {
	requests     atomic.Int64
	unauthorized atomic.Int64
}

// RecordRequest records an inbound HTTP request.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordUnauthorized records a rejected auth attempt.
func (m *Metrics) RecordUnauthorized() {
	m.unauthorized.Add(1)
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:     m.requests.Load(),
		Unauthorized: m.unauthorized.Load(),
	}
}

// MetricsSnapshot is a serializable point-in-time metrics view.
type MetricsSnapshot struct {
	Requests     int64 `json:"requests"`
	Unauthorized int64 `json:"unauthorized"`
}

// countRequests is a middleware that counts every inbound request.
func (g *Gateway) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.metrics.RecordRequest()
		next.ServeHTTP(w, r)
	})
}
