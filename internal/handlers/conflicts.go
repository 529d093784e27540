package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// ResolveConflictRequest is the body of POST /api/sync/conflicts/{id}/resolve
type ResolveConflictRequest struct {
	Fields     map[string]interface{} `json:"fields"`
	ResolvedBy string                 `json:"resolved_by"`
}

// listConflicts returns sync conflicts, newest first
func (r *Router) listConflicts(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := r.db.WithContext(req.Context()).Model(&models.SyncConflict{}).Order("created_at DESC").Limit(limit)
	if status := query.Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if repo := query.Get("repository"); repo != "" {
		q = q.Where("repository = ?", repo)
	}

	var conflicts []models.SyncConflict
	if err := q.Find(&conflicts).Error; err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

// resolveConflict applies an operator's field choices to a pending
// conflict. Resolving an already resolved conflict returns the stored
// resolution unchanged.
func (r *Router) resolveConflict(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid conflict id")
		return
	}

	var body ResolveConflictRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	conflict, err := r.engine.Resolver().ManualResolve(req.Context(), uint(id), models.JSONB(body.Fields), body.ResolvedBy)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, conflict)
}
