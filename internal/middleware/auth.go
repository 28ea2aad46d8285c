// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/collaboration-engine/internal/errs"
	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the verified caller.
	IdentityKey ContextKey = "identity"
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scope,omitempty"`
	Anonymous bool     `json:"anonymous,omitempty"`
}

// Authenticate verifies an HMAC-signed token and returns the caller it names.
func Authenticate(jwtSecret, tokenString string) (model.Identity, error) {
	if tokenString == "" {
		return model.Identity{}, errs.Unauthorized("missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return model.Identity{}, errs.Unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return model.Identity{}, errs.Unauthorized("token has no subject")
	}

	return model.Identity{
		UserID:    claims.Subject,
		Name:      claims.Name,
		Anonymous: claims.Anonymous,
		Scopes:    claims.Scopes,
	}, nil
}

// TokenFromRequest reads a bearer token from the Authorization header or,
// for websocket upgrades that cannot set headers, the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", errs.Unauthorized("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errs.Unauthorized("missing authorization header")
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := TokenFromRequest(r)
			if err != nil {
				writeError(w, err)
				return
			}
			identity, err := Authenticate(jwtSecret, tokenString)
			if err != nil {
				writeError(w, err)
				return
			}

			if info := requestInfoFrom(r.Context()); info != nil {
				info.userID = identity.UserID
			}
			ctx := WithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity stores a verified caller in ctx.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentity gets the verified caller from context.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(model.Identity)
	return identity, ok
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	identity, _ := GetIdentity(ctx)
	return identity.UserID
}

func writeError(w http.ResponseWriter, err error) {
	e := errs.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(e))
	json.NewEncoder(w).Encode(map[string]string{"error": e.Message, "code": e.Code})
}
