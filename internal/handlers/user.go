// internal/handlers/user.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/auth"
	"github.com/nydus-gg/nydus/internal/database"
	"github.com/nydus-gg/nydus/internal/models"
)

// EnsureEphemeralUser resolves the request's user, creating a guest
// account (and setting its cookie) if the request carries no valid token.
func EnsureEphemeralUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	cookieHeader := r.Header.Get("Cookie")
	if !strings.Contains(cookieHeader, auth.CookieName+"=") {
		return createEphemeralUser(w, r)
	}

	token := extractCookieToken(cookieHeader, auth.CookieName)
	userID, err := auth.AuthenticateJWT(token)
	if err != nil {
		return createEphemeralUser(w, r)
	}

	uuidVal, parseErr := uuid.Parse(userID)
	if parseErr != nil {
		return uuid.Nil, fmt.Errorf("invalid user id in token: %w", parseErr)
	}
	return uuidVal, nil
}

func createEphemeralUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	ephemeralUser := models.User{
		Username:    "Guest",
		IsEphemeral: true,
	}
	if err := database.CreateUser(r.Context(), &ephemeralUser); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create ephemeral user: %w", err)
	}
	token, err := auth.CreateJWT(ephemeralUser.ID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create ephemeral JWT: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return ephemeralUser.ID, nil
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// CreateUserHandler registers a permanent account and logs it in.
func CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" || req.Username == "" {
		http.Error(w, "email, password and username are required", http.StatusBadRequest)
		return
	}

	u := models.User{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
	}
	if err := database.CreateUser(r.Context(), &u); err != nil {
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}

	if err := setSessionCookie(w, u.ID); err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	u.Password = ""
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginHandler verifies credentials and sets the session cookie.
func LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}

	u, err := database.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		http.Error(w, "invalid email or password", http.StatusForbidden)
		return
	}

	ok, err := auth.ComparePasswordAndHash(req.Password, u.Password)
	if err != nil || !ok {
		http.Error(w, "invalid email or password", http.StatusForbidden)
		return
	}

	if err := setSessionCookie(w, u.ID); err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	u.Password = ""
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

// MeHandler returns the logged-in user's profile, ratings included.
func MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticateRequest(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusForbidden)
		return
	}

	u, err := database.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	u.Password = ""
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

type claimEphemeralRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// ClaimEphemeralHandler upgrades a guest account to a permanent one,
// keeping its id and ladder history.
func ClaimEphemeralHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticateRequest(r)
	if err != nil {
		http.Error(w, "not authenticated", http.StatusForbidden)
		return
	}

	u, err := database.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if !u.IsEphemeral {
		http.Error(w, "user is not ephemeral", http.StatusBadRequest)
		return
	}

	var req claimEphemeralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid claim payload", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}

	u.Email = req.Email
	u.Password = req.Password
	if req.Username != "" {
		u.Username = req.Username
	}
	u.IsEphemeral = false

	if err := database.UpdateUserCredentials(r.Context(), u); err != nil {
		http.Error(w, "failed to update user", http.StatusInternalServerError)
		return
	}

	u.Password = ""
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

// authenticateRequest resolves the user id from the session cookie.
func authenticateRequest(r *http.Request) (uuid.UUID, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), auth.CookieName)
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing auth token")
	}
	userIDStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(userIDStr)
}

func setSessionCookie(w http.ResponseWriter, userID uuid.UUID) error {
	token, err := auth.CreateJWT(userID.String())
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return nil
}

// lookupUsername fetches a display name with a short timeout, falling back
// to a generated guest name when the database is unavailable.
func lookupUsername(ctx context.Context, userID uuid.UUID) string {
	if database.DB == nil {
		return fmt.Sprintf("User_%s", userID.String()[:4])
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	u, err := database.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Sprintf("User_%s", userID.String()[:4])
	}
	return u.Username
}
