package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// CreateEntityRequest is the body of POST /api/entities
type CreateEntityRequest struct {
	Repository string                 `json:"repository"`
	Kind       string                 `json:"kind"`
	Fields     map[string]interface{} `json:"fields"`
}

// PatchEntityRequest is the body of PATCH /api/entities/{id}
type PatchEntityRequest struct {
	Fields map[string]interface{} `json:"fields"`
}

// listEntities returns tracked entities from the local store
func (r *Router) listEntities(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := r.db.WithContext(req.Context()).Model(&models.TrackedEntity{}).Order("updated_at DESC").Limit(limit)
	if repo := query.Get("repository"); repo != "" {
		q = q.Where("repository = ?", repo)
	}
	if kind := query.Get("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if state := query.Get("state"); state != "" {
		q = q.Where("state = ?", state)
	}
	if query.Get("modified") == "true" {
		q = q.Where("local_modified = ?", true)
	}

	var entities []models.TrackedEntity
	if err := q.Find(&entities).Error; err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(entities),
		"entities": entities,
	})
}

// getEntity returns one tracked entity by local id
func (r *Router) getEntity(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid entity id")
		return
	}

	entity, err := r.engine.Applier().Get(req.Context(), uint(id))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entity)
}

// createEntity creates a local draft. The next to_remote sync pushes it
// to the tracker and fills in the remote number.
func (r *Router) createEntity(w http.ResponseWriter, req *http.Request) {
	var body CreateEntityRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	entity, err := r.engine.Applier().CreateLocal(req.Context(), body.Repository, body.Kind, models.JSONB(body.Fields))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, entity)
}

// patchEntity applies a local edit. The entity is marked dirty and the
// changed fields are queued for the next push.
func (r *Router) patchEntity(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(req)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid entity id")
		return
	}

	var body PatchEntityRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	entity, err := r.engine.Applier().ApplyLocal(req.Context(), uint(id), models.JSONB(body.Fields))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entity)
}
