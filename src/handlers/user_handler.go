package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/username/ledgerdash/backend/src/logger"
	"github.com/username/ledgerdash/backend/src/model"
	"github.com/username/ledgerdash/backend/src/security"
	"github.com/username/ledgerdash/backend/src/security/validation"
	"github.com/username/ledgerdash/backend/src/utils"
)

type contextKey string

const userIDContextKey contextKey = "userID"

const minPasswordLength = 8

type UserHandler struct {
	db                 *sql.DB
	authService        *security.AuthService
	refreshTokenExpiry time.Duration
}

func NewUserHandler(db *sql.DB, authService *security.AuthService, refreshTokenExpiry time.Duration) *UserHandler {
	return &UserHandler{
		db:                 db,
		authService:        authService,
		refreshTokenExpiry: refreshTokenExpiry,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := utils.DecodeJSON(r, &creds); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	creds.Username = strings.TrimSpace(validation.StripUnprintable(creds.Username))
	creds.Email = strings.TrimSpace(validation.StripUnprintable(creds.Email))
	if creds.Username == "" || len(creds.Password) < minPasswordLength {
		utils.SendJSONError(w, fmt.Sprintf("Username is required and password must be at least %d characters", minPasswordLength), http.StatusBadRequest)
		return
	}

	hashedPassword, err := h.authService.HashPassword(creds.Password)
	if err != nil {
		logger.L.Error("Failed to hash password", "error", err)
		utils.SendJSONError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	user := &model.User{
		Username: creds.Username,
		Email:    creds.Email,
		Password: hashedPassword,
	}
	if err := user.CreateUser(h.db); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			utils.SendJSONError(w, "Username already exists", http.StatusConflict)
			return
		}
		logger.L.Error("Failed to create user", "username", creds.Username, "error", err)
		utils.SendJSONError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	logger.L.Info("User registered", "userID", user.ID)
	utils.SendJSON(w, map[string]interface{}{
		"message": "User registered successfully",
		"user":    map[string]interface{}{"id": user.ID, "username": user.Username},
	}, http.StatusCreated)
}

func (h *UserHandler) LoginUserHandler(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := utils.DecodeJSON(r, &creds); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := model.GetUserByUsername(h.db, strings.TrimSpace(creds.Username))
	if err != nil {
		if !errors.Is(err, model.ErrUserNotFound) {
			logger.L.Error("User lookup failed", "error", err)
		}
		utils.SendJSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}
	if err := h.authService.CheckPassword(user.Password, creds.Password); err != nil {
		if !errors.Is(err, security.ErrInvalidCredentials) {
			logger.L.Error("Password check errored", "userID", user.ID, "error", err)
		}
		logger.L.Info("Password check failed", "userID", user.ID)
		utils.SendJSONError(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	accessToken, accessExpires, err := h.authService.IssueAccessToken(user.ID)
	if err != nil {
		logger.L.Error("Failed to generate access token", "userID", user.ID, "error", err)
		utils.SendJSONError(w, "Failed to generate access token", http.StatusInternalServerError)
		return
	}
	refreshToken, err := h.authService.NewOpaqueToken()
	if err != nil {
		logger.L.Error("Failed to generate refresh token", "userID", user.ID, "error", err)
		utils.SendJSONError(w, "Failed to generate refresh token", http.StatusInternalServerError)
		return
	}

	session := &model.Session{
		UserID:       user.ID,
		Token:        accessToken,
		RefreshToken: refreshToken,
		UserAgent:    r.UserAgent(),
		ClientIP:     r.RemoteAddr,
		ExpiresAt:    time.Now().Add(h.refreshTokenExpiry),
	}
	if err := model.CreateSession(h.db, session); err != nil {
		logger.L.Error("Failed to create session", "userID", user.ID, "error", err)
		utils.SendJSONError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	logger.L.Info("User logged in", "userID", user.ID)
	utils.SendJSON(w, map[string]interface{}{
		"access_token":  accessToken,
		"expires_at":    accessExpires.UTC().Format(time.RFC3339),
		"refresh_token": refreshToken,
		"user":          map[string]interface{}{"id": user.ID, "username": user.Username},
	}, http.StatusOK)
}

func (h *UserHandler) LogoutUserHandler(w http.ResponseWriter, r *http.Request) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		utils.SendJSONError(w, "Authorization header required", http.StatusUnauthorized)
		return
	}
	if err := model.DeleteSessionByToken(h.db, tokenString); err != nil {
		logger.L.Error("Logout: failed to delete session", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuthMiddleware accepts a valid JWT with a live session and stores the user
// id in the request context.
func (h *UserHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			logger.L.Debug("AuthMiddleware: Authorization header missing", "path", r.URL.Path)
			utils.SendJSONError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		userID, err := h.authService.ParseAccessToken(tokenString)
		if err != nil {
			logger.L.Warn("AuthMiddleware: Token validation failed", "path", r.URL.Path, "error", err)
			utils.SendJSONError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		session, err := model.GetSessionByToken(h.db, tokenString)
		if err != nil {
			logger.L.Warn("AuthMiddleware: Session validation failed", "path", r.URL.Path, "error", err)
			utils.SendJSONError(w, "Invalid or expired session", http.StatusUnauthorized)
			return
		}
		if session.UserID != userID {
			logger.L.Warn("AuthMiddleware: Session does not belong to token subject", "path", r.URL.Path)
			utils.SendJSONError(w, "Invalid or expired session", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext retrieves the userID set by AuthMiddleware.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	return userID, ok
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}
