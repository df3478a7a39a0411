package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/chime/internal/job"
	"github.com/flemzord/chime/internal/store"
)

// handleCreateJob validates and persists a new job.
// Validation failures return 400 with the offending field named.
func (g *Gateway) handleCreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req job.CreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		j, err := job.New(req, g.now())
		if err != nil {
			var verr *job.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": verr.Reason,
					"field": verr.Field,
				})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		if err := g.jobs.CreateJob(r.Context(), j); err != nil {
			g.logger.Error("gateway: creating job failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}

		g.logger.Info("job created",
			"job_id", j.ID,
			"owner_id", j.OwnerID,
			"job_type", j.Type,
			"cron", j.CronExpression,
		)
		writeJSON(w, http.StatusCreated, j)
	}
}

// handleListJobs lists a single owner's jobs, newest first.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id query parameter required"})
			return
		}

		jobs, err := g.jobs.ListJobs(r.Context(), ownerID)
		if err != nil {
			g.logger.Error("gateway: listing jobs failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}
		if jobs == nil {
			jobs = []job.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

// handleGetJob fetches one job, scoped to its owner.
func (g *Gateway) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id query parameter required"})
			return
		}

		j, err := g.jobs.GetJob(r.Context(), ownerID, chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
				return
			}
			g.logger.Error("gateway: fetching job failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

// patchRequest is the body for PATCH /api/jobs/{id}. Only the enabled
// flag is mutable after creation; schedule changes mean a new job.
type patchRequest struct {
	OwnerID string `json:"owner_id"`
	Enabled *bool  `json:"enabled"`
}

// handlePatchJob enables or disables a job.
func (g *Gateway) handlePatchJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if req.OwnerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id required"})
			return
		}
		if req.Enabled == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled required"})
			return
		}

		id := chi.URLParam(r, "id")
		if err := g.jobs.SetEnabled(r.Context(), req.OwnerID, id, *req.Enabled); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
				return
			}
			g.logger.Error("gateway: updating job failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}

		g.logger.Info("job toggled", "job_id", id, "enabled", *req.Enabled)

		j, err := g.jobs.GetJob(r.Context(), req.OwnerID, id)
		if err != nil {
			g.logger.Error("gateway: reloading job failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

// handleDeleteJob removes a job permanently.
func (g *Gateway) handleDeleteJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.URL.Query().Get("owner_id")
		if ownerID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id query parameter required"})
			return
		}

		id := chi.URLParam(r, "id")
		if err := g.jobs.DeleteJob(r.Context(), ownerID, id); err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
				return
			}
			g.logger.Error("gateway: deleting job failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
			return
		}

		g.logger.Info("job deleted", "job_id", id, "owner_id", ownerID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
