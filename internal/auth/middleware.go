// Package auth provides the optional API-key middleware for the dispatch
// API. Keys are looked up by their stored prefix and verified against a
// bcrypt hash, so a leaked database row alone is not enough to call the API.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/story-loom/pipeline/internal/models"
)

// ContextKey is the type for request context keys set by the middleware.
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey ContextKey = "user_id"
	// UserRoleKey is the context key for the authenticated user role.
	UserRoleKey ContextKey = "user_role"
)

// KeyPrefixLen is how many leading characters of an API key are stored in
// plain text for lookup. The rest is only ever compared via bcrypt.
const KeyPrefixLen = 8

// UserFinder is the user-lookup slice of the database layer.
type UserFinder interface {
	GetByAPIKeyPrefix(ctx context.Context, prefix string) (*models.User, error)
}

// Service handles dispatch API authentication.
type Service struct {
	users   UserFinder
	enabled bool
}

// NewService creates the auth service. With enabled false the middleware is
// a passthrough, which is the default for single-tenant deployments.
func NewService(users UserFinder, enabled bool) *Service {
	if !enabled {
		log.Info().Msg("Dispatch API auth disabled")
	}
	return &Service{users: users, enabled: enabled}
}

// Middleware authenticates requests with a bearer API key.
func (s *Service) Middleware(next http.Handler) http.Handler {
	if !s.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeAuthError(w, "invalid authorization header format")
			return
		}

		apiKey := parts[1]
		if len(apiKey) < KeyPrefixLen {
			writeAuthError(w, "invalid api key")
			return
		}

		user, err := s.users.GetByAPIKeyPrefix(r.Context(), apiKey[:KeyPrefixLen])
		if err != nil {
			log.Debug().Msg("API key prefix not found")
			writeAuthError(w, "invalid api key")
			return
		}

		if user.Status != "active" {
			log.Warn().Str("user_id", user.ID.String()).Msg("API key for inactive user")
			writeAuthError(w, "api key is disabled")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(apiKey)); err != nil {
			writeAuthError(w, "invalid api key")
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, user.ID)
		ctx = context.WithValue(ctx, UserRoleKey, user.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the authenticated user id from the request context.
func GetUserID(ctx context.Context) (uuid.UUID, error) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("user id not found in context")
	}
	return userID, nil
}

// GetUserRole retrieves the authenticated user role from the request context.
func GetUserRole(ctx context.Context) (string, error) {
	role, ok := ctx.Value(UserRoleKey).(string)
	if !ok {
		return "", fmt.Errorf("user role not found in context")
	}
	return role, nil
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": message})
}
