// Package httpmw holds the bearer-auth middleware and the small set of
// JSON response helpers shared by every handler.
package httpmw

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jaydenbeard/eko-relay/internal/apperr"
	"github.com/jaydenbeard/eko-relay/internal/model"
	"github.com/jaydenbeard/eko-relay/internal/session"
)

// WriteJSON encodes and writes a JSON response, logging (not failing)
// encode errors since the status line is already on the wire.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

// WriteError maps any error to its HTTP status and a client-safe body.
// *apperr.Error carries its own status; anything else is a 500 whose
// cause is logged but never returned to the client.
func WriteError(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		if ae.Kind == apperr.Internal {
			log.Printf("ERROR: internal: %v", ae)
		}
		WriteJSON(w, ae.Status(), map[string]string{"error": ae.Message})
		return
	}
	log.Printf("ERROR: unhandled: %v", err)
	WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

type contextKey string

const (
	userIDKey   contextKey = "eko_user_id"
	deviceIDKey contextKey = "eko_device_id"
)

// AuthMiddleware validates the bearer JWT and injects the caller's
// UserID/DeviceID into the request context. skipAuth exempts paths that
// are public (capabilities, webfinger, auth endpoints).
func AuthMiddleware(sessions *session.Service, skipAuth func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAuth != nil && skipAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteError(w, apperr.Unauthorizedf("authorization header required"))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				WriteError(w, apperr.Unauthorizedf("invalid authorization header format"))
				return
			}

			claims, err := sessions.ValidateAccessToken(parts[1])
			if err != nil {
				WriteError(w, apperr.Unauthorizedf("invalid or expired token"))
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, deviceIDKey, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserID(ctx context.Context) (model.UserID, bool) {
	v, ok := ctx.Value(userIDKey).(model.UserID)
	return v, ok
}

func DeviceID(ctx context.Context) (model.DeviceID, bool) {
	v, ok := ctx.Value(deviceIDKey).(model.DeviceID)
	return v, ok
}

// ParseDeviceID is a small convenience wrapper used by handlers that
// take a device id as a path parameter.
func ParseDeviceID(s string) (model.DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return model.DeviceID{}, err
	}
	return model.DeviceID(id), nil
}
