package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/xelth-com/ecktrackgo/internal/models"
	"github.com/xelth-com/ecktrackgo/internal/utils"
)

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of POST /api/auth/refresh
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// login authenticates an operator and issues the token pair
func (r *Router) login(w http.ResponseWriter, req *http.Request) {
	var body LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	// 1. Look the operator up. Unknown, disabled and wrong-password all
	// get the same answer
	var user models.UserAuth
	err := r.db.Where("username = ? AND is_active = ?", body.Username, true).First(&user).Error
	if err != nil || !utils.CheckPasswordHash(body.Password, user.Password) {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	// 2. Stamp the visit
	now := time.Now()
	user.LastLogin = &now
	if err := r.db.Save(&user).Error; err != nil {
		log.Printf("⚠️ Updating last_login for %s failed: %v", user.Username, err)
	}

	// 3. Issue the pair
	access, refresh, err := utils.GenerateTokens(&user, r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": map[string]string{
			"accessToken":  access,
			"refreshToken": refresh,
		},
		"user": user,
	})
}

// refresh exchanges a valid refresh token for a fresh pair
func (r *Router) refresh(w http.ResponseWriter, req *http.Request) {
	var body RefreshRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	claims, err := utils.ValidateToken(body.RefreshToken, r.cfg.JWTSecret)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}
	id, _ := claims["id"].(string)

	var user models.UserAuth
	if err := r.db.Where("id = ? AND is_active = ?", id, true).First(&user).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	access, refreshToken, err := utils.GenerateTokens(&user, r.cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tokens": map[string]string{
			"accessToken":  access,
			"refreshToken": refreshToken,
		},
	})
}
