package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/carenet/referrals/internal/shared/config"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// User represents the authenticated user from JWT claims
type User struct {
	ID         string   `json:"sub"`
	Name       string   `json:"name,omitempty"`
	UserType   string   `json:"user_type"` // hospital, operator, admin
	HospitalID string   `json:"hospital_id,omitempty"`
	Roles      []string `json:"roles"`
}

// Claims extends JWT claims with referral network data
type Claims struct {
	jwt.RegisteredClaims
	Name       string   `json:"name,omitempty"`
	UserType   string   `json:"user_type"`
	HospitalID string   `json:"hospital_id,omitempty"`
	Roles      []string `json:"roles"`
}

// Middleware creates JWT authentication middleware. Browsers opening a
// websocket cannot set headers, so an access_token query parameter is
// accepted as well.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := bearerToken(r)
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			user := &User{
				ID:         claims.Subject,
				Name:       claims.Name,
				UserType:   claims.UserType,
				HospitalID: claims.HospitalID,
				Roles:      claims.Roles,
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, ""
		}
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", "invalid authorization header format"
	}
	return parts[1], ""
}

// SignToken issues an HS256 token for user, valid for ttl.
func SignToken(secret string, user User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:       user.Name,
		UserType:   user.UserType,
		HospitalID: user.HospitalID,
		Roles:      user.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// RequirePermissions creates middleware that requires specific permissions
// granted by any of the user's roles.
func RequirePermissions(permissions ...Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			for _, required := range permissions {
				if !user.HasPermission(required) {
					writeError(w, http.StatusForbidden, "insufficient permissions")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasRole checks if user has a specific role
func (u *User) HasRole(role Role) bool {
	for _, r := range u.Roles {
		if Role(r) == role {
			return true
		}
	}
	return false
}

// HasPermission checks if any of the user's roles grants perm
func (u *User) HasPermission(perm Permission) bool {
	for _, r := range u.Roles {
		if RoleHasPermission(Role(r), perm) {
			return true
		}
	}
	return false
}

// IsAdmin checks if user is an admin
func (u *User) IsAdmin() bool {
	return u.UserType == "admin" || u.HasRole(RolePlatformAdmin)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
