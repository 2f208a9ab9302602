package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"peertube-live/internal/auth"
	"peertube-live/internal/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores the authenticated caller in ctx.
func ContextWithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the authenticated caller if present.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(models.Identity)
	return identity, ok && !identity.IsZero()
}

// ExtractToken reads the bearer token from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so the access_token query
// parameter is accepted too.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// RequireIdentity rejects requests without a valid token and stores the
// caller's identity in the request context.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing access token"))
			return
		}
		identity, err := h.Auth.Identify(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, errors.New("invalid or expired access token"))
				return
			}
			writeServiceError(w, h.logger(), err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin must run after RequireIdentity.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		if !identity.Admin {
			writeError(w, http.StatusForbidden, errors.New("administrator rights required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return models.Identity{}, false
	}
	return identity, true
}
