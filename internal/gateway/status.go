package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime  time.Duration   `json:"uptime_seconds"`
	Jobs    int             `json:"jobs"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Uptime:  time.Since(g.startedAt).Truncate(time.Second) / time.Second,
			Metrics: g.metrics.Snapshot(),
		}

		count, err := g.jobs.CountJobs(r.Context())
		if err != nil {
			g.logger.Error("gateway: counting jobs failed", "error", err)
		} else {
			resp.Jobs = count
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
