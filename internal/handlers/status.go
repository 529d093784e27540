package handlers

import (
	"net/http"
	"strings"

	"github.com/xelth-com/ecktrackgo/internal/buildinfo"
	"github.com/xelth-com/ecktrackgo/internal/utils"
	"github.com/xelth-com/ecktrackgo/internal/websocket"
)

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// getStatus returns build metadata plus the live state of the sync
// engine, webhook queue and event hub
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	dbState := "connected"
	if sqlDB, err := r.db.DB(); err != nil || sqlDB.PingContext(req.Context()) != nil {
		dbState = "unreachable"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"build": map[string]string{
			"commit":    buildinfo.CommitHash,
			"builtAt":   buildinfo.BuildTime,
			"committed": buildinfo.CommitTime,
			"startedAt": buildinfo.StartTime,
		},
		"database":    dbState,
		"sync":        r.engine.GetStatus(req.Context()),
		"webhooks":    r.processor.Stats(req.Context()),
		"subscribers": r.hub.ClientCount(),
	})
}

// serveEvents upgrades to a websocket event stream. Browsers cannot set
// headers on websocket dials, so the token may arrive in the query
// string instead of the Authorization header.
func (r *Router) serveEvents(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("token")
	if token == "" {
		parts := strings.Split(req.Header.Get("Authorization"), " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}

	if _, err := utils.ValidateToken(token, r.cfg.JWTSecret); err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	websocket.ServeWs(r.hub, w, req)
}
