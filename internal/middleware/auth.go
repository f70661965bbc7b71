// Package middleware hosts authentication, logging, and rate limiting middleware.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"devchain/internal/domain"
)

// contextKey avoids collisions when storing values in request contexts.
type contextKey string

const ctxActorKey contextKey = "actor"

// AuthMiddleware validates bearer JWTs and injects the actor identity into
// the context. The coordinator takes the actor as an explicit value; this is
// the only place request-scoped identity lives.
type AuthMiddleware struct {
	jwtSecret string
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: secret}
}

// Authenticate enforces bearer auth and populates the actor on the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := m.actorFromRequest(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxActorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticateOptional injects the actor when a valid token is present but
// lets anonymous requests through. Used on the public point-read route.
func (m *AuthMiddleware) AuthenticateOptional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := m.actorFromRequest(r); ok {
			r = r.WithContext(context.WithValue(r.Context(), ctxActorKey, actor))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) actorFromRequest(r *http.Request) (domain.Actor, bool) {
	authHeader := r.Header.Get("Authorization")
	if strings.TrimSpace(authHeader) == "" {
		return domain.Actor{}, false
	}

	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return domain.Actor{}, false
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Actor{}, false
	}

	if exp, ok := claims["exp"].(float64); ok {
		if time.Now().Unix() > int64(exp) {
			return domain.Actor{}, false
		}
	}

	userIDStr, ok := claims["user_id"].(string)
	if !ok {
		return domain.Actor{}, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return domain.Actor{}, false
	}

	roleStr, _ := claims["role"].(string)
	role, err := domain.ParseRole(roleStr)
	if err != nil {
		return domain.Actor{}, false
	}

	address, _ := claims["ledger_address"].(string)

	return domain.Actor{ID: userID, Role: role, Address: address}, true
}

// ActorFromContext returns the authenticated actor from context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ctxActorKey).(domain.Actor)
	return actor, ok
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":"%s"}`, message)))
}
