package gateway

import (
	"encoding/json"
	"net/http"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"` // "ok" or "degraded"
	Database string `json:"database"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the job store is reachable, 503 when it is not.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Database: "ok",
		}

		if g.pinger != nil {
			if err := g.pinger.Ping(r.Context()); err != nil {
				resp.Status = "degraded"
				resp.Database = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
