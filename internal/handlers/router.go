package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/xelth-com/ecktrackgo/internal/config"
	"github.com/xelth-com/ecktrackgo/internal/middleware"
	"github.com/xelth-com/ecktrackgo/internal/ratelimit"
	"github.com/xelth-com/ecktrackgo/internal/services/tracker"
	"github.com/xelth-com/ecktrackgo/internal/sync"
	"github.com/xelth-com/ecktrackgo/internal/webhook"
	"github.com/xelth-com/ecktrackgo/internal/websocket"
)

// Router wraps the mux router and the service dependencies
type Router struct {
	*mux.Router
	db        *gorm.DB
	cfg       *config.Config
	engine    *sync.Engine
	processor *webhook.Processor
	limiter   *ratelimit.Limiter
	hub       *websocket.Hub
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *gorm.DB, cfg *config.Config, engine *sync.Engine, processor *webhook.Processor, limiter *ratelimit.Limiter, hub *websocket.Hub) *Router {
	r := &Router{
		Router:    mux.NewRouter(),
		db:        db,
		cfg:       cfg,
		engine:    engine,
		processor: processor,
		limiter:   limiter,
		hub:       hub,
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Webhook ingestion authenticates by HMAC signature, not JWT
	r.HandleFunc("/webhooks/tracker", r.receiveWebhook).Methods("POST")

	// Auth routes; refresh authenticates by refresh token, not by the
	// access token the middleware checks
	r.HandleFunc("/api/auth/login", r.login).Methods("POST")
	r.HandleFunc("/api/auth/refresh", r.refresh).Methods("POST")

	// Unprotected observability routes; /api/events carries the token in
	// the query string because browsers cannot set websocket headers
	r.HandleFunc("/api/status", r.getStatus).Methods("GET")
	r.HandleFunc("/api/events", r.serveEvents).Methods("GET")

	// Protected API routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(cfg))

	// Sync control
	api.HandleFunc("/sync/trigger", r.triggerSync).Methods("POST")
	api.HandleFunc("/sync/operations", r.listOperations).Methods("GET")
	api.HandleFunc("/sync/operations/{id}", r.getOperation).Methods("GET")
	api.HandleFunc("/sync/operations/{id}/cancel", r.cancelOperation).Methods("POST")
	api.HandleFunc("/sync/conflicts", r.listConflicts).Methods("GET")
	api.HandleFunc("/sync/conflicts/{id}/resolve", r.resolveConflict).Methods("POST")
	api.HandleFunc("/sync/limits", r.getLimits).Methods("GET")
	api.HandleFunc("/sync/webhooks", r.listWebhookEvents).Methods("GET")

	// Local store surface
	api.HandleFunc("/entities", r.listEntities).Methods("GET")
	api.HandleFunc("/entities", r.createEntity).Methods("POST")
	api.HandleFunc("/entities/{id}", r.getEntity).Methods("GET")
	api.HandleFunc("/entities/{id}", r.patchEntity).Methods("PATCH")

	return r
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondServiceError maps service-layer errors onto HTTP status codes
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sync.ErrConflictingOperation), errors.Is(err, sync.ErrOperationTerminal):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sync.ErrOperationNotFound),
		errors.Is(err, sync.ErrConflictNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, webhook.ErrSignature):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ratelimit.ErrTimeout), tracker.IsRateLimit(err):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case tracker.IsAuthError(err):
		// Remote credentials are broken, not the caller's request
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
