// Package api implements the XIR node REST surface using chi.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware returns middleware that validates a Bearer token on
// the operator surface.
// If enabled is false, all requests pass through (disabled mode).
// If enabled is true, requests must carry a valid "Authorization: Bearer <token>" header.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecretLookup resolves the shared secret provisioned for a station.
// Unknown stations return apperr.ErrUnknownSubject.
type SecretLookup func(ctx context.Context, stationID string) ([]byte, error)

type ctxKey int

const stationKey ctxKey = iota

// StationID returns the authenticated station for a sync request, or
// the empty string outside the station auth group.
func StationID(ctx context.Context) string {
	id, _ := ctx.Value(stationKey).(string)
	return id
}

// StationAuth returns middleware enforcing the station sync
// credential: a short-lived HS256 token whose subject names the
// station and whose key is that station's pairing secret. The subject
// is taken from the (not yet trusted) claims, the secret looked up,
// and only then is the signature checked against it.
func StationAuth(secretFor SecretLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorBody("station token required"))
				return
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}
					sub, err := t.Claims.GetSubject()
					if err != nil || sub == "" {
						return nil, fmt.Errorf("token subject missing")
					}
					return secretFor(r.Context(), sub)
				},
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !tok.Valid {
				writeJSON(w, http.StatusUnauthorized, errorBody("invalid station token"))
				return
			}
			sub, _ := tok.Claims.GetSubject()
			ctx := context.WithValue(r.Context(), stationKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
