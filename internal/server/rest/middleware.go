// Package rest provides the HTTP REST API layer for the collector's
// dashboard server. It includes a chi router, JWT authentication middleware,
// and handler functions for all /api/v1 endpoints.
package rest

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// claimsContextKey is an unexported type so values this package stores in a
// request context can never collide with a key from another package.
type claimsContextKey struct{}

// Claims extends jwt.RegisteredClaims with any application-specific fields
// handlers may need to inspect.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTMiddleware validates RS256 Bearer tokens against pubKey before letting a
// request reach the wrapped handler.
//
// On success the parsed Claims are attached to the request context via
// ClaimsFromContext. On any failure — missing header, malformed scheme, bad
// signature, expired token — the middleware answers 401 and never calls the
// next handler.
func JWTMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			claims, err := parseAndVerify(tokenStr, pubKey)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token value from an "Authorization: Bearer <tok>"
// header, reporting false if the header is absent or not in that form.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// parseAndVerify validates tokenStr's RS256 signature against pubKey and
// returns its claims.
func parseAndVerify(tokenStr string, pubKey *rsa.PublicKey) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return pubKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token failed validation")
	}
	return claims, nil
}

// ParseRSAPublicKey parses a PEM-encoded RSA public key, as loaded from the
// file configured for REST API JWT validation.
func ParseRSAPublicKey(pem []byte) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM(pem)
}

// ClaimsFromContext retrieves the JWT claims JWTMiddleware stored in ctx, or
// nil when ctx carries none (e.g. on an unauthenticated route).
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsContextKey{}).(*Claims)
	return c
}

// writeError writes a {"error": "<message>"} JSON body with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
