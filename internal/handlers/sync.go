package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
)

// TriggerRequest is the body of POST /api/sync/trigger
type TriggerRequest struct {
	Repository string `json:"repository"`
	Kind       string `json:"kind"`
	Direction  string `json:"direction"`
}

// triggerSync queues a sync operation. A live operation for the same
// repository and kind is rejected with 409.
func (r *Router) triggerSync(w http.ResponseWriter, req *http.Request) {
	var body TriggerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	op, err := r.engine.ExecuteSync(req.Context(), body.Repository, body.Kind, body.Direction, models.InitiatorAPI)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, op)
}

// listOperations returns recent operations, optionally filtered
func (r *Router) listOperations(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))

	ops, err := r.engine.ListOperations(req.Context(), query.Get("repository"), query.Get("status"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(ops),
		"operations": ops,
	})
}

// getOperation returns one operation by id
func (r *Router) getOperation(w http.ResponseWriter, req *http.Request) {
	op, err := r.engine.Status(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, op)
}

// cancelOperation requests cancellation of a pending or running operation
func (r *Router) cancelOperation(w http.ResponseWriter, req *http.Request) {
	op, err := r.engine.Cancel(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, op)
}

// getLimits exposes the remote quota budget per request class
func (r *Router) getLimits(w http.ResponseWriter, req *http.Request) {
	readRemaining, readReset := r.limiter.Status(ratelimit.ClassRead)
	mutRemaining, mutReset := r.limiter.Status(ratelimit.ClassMutation)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"read": map[string]interface{}{
			"remaining": readRemaining,
			"reset_at":  readReset,
		},
		"mutation": map[string]interface{}{
			"remaining": mutRemaining,
			"reset_at":  mutReset,
		},
	})
}

// listWebhookEvents returns recent webhook deliveries, dead letters included
func (r *Router) listWebhookEvents(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))

	events, err := r.processor.ListEvents(req.Context(), query.Get("repository"), query.Get("status"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}
