// Package apikey authenticates requests by API key and attaches the
// resolved identity to the request context.
package apikey

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	gwerrors "github.com/ToolGate/gateway/internal/errors"
)

// Header carries the API key.
const Header = "X-API-KEY"

type contextKey int

const identityKey contextKey = 0

// Middleware resolves the X-API-KEY header against the key store. A missing
// header is not an error: proxy routes serve anonymous callers who attach
// their own payment. A key that is present but unknown or revoked is
// rejected so callers notice broken credentials instead of silently paying
// as anonymous.
func Middleware(keys accounts.KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(Header))
			if raw == "" || keys == nil {
				next.ServeHTTP(w, r)
				return
			}

			key, err := keys.LookupByHash(r.Context(), accounts.HashKey(raw))
			if err != nil {
				if errors.Is(err, accounts.ErrKeyNotFound) {
					gwerrors.WriteSimpleError(w, gwerrors.ErrCodeUnauthorized, "invalid API key")
					return
				}
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("api key lookup failed")
				gwerrors.WriteSimpleError(w, gwerrors.ErrCodeDatabaseError, "authentication unavailable")
				return
			}

			// Best-effort usage tracking.
			if err := keys.TouchLastUsed(r.Context(), key.ID); err != nil {
				zerolog.Ctx(r.Context()).Debug().Err(err).Str("keyID", key.ID).Msg("touch last used failed")
			}

			identity := &accounts.Identity{
				UserID:      key.UserID,
				KeyID:       key.ID,
				Permissions: key.Permissions,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// Require rejects requests that did not authenticate. Used on catalog
// mutation routes; proxy routes stay open to anonymous callers.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			gwerrors.WriteSimpleError(w, gwerrors.ErrCodeUnauthorized, "API key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission rejects authenticated requests whose key lacks perm.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := FromContext(r.Context())
			if identity == nil {
				gwerrors.WriteSimpleError(w, gwerrors.ErrCodeUnauthorized, "API key required")
				return
			}
			if !identity.HasPermission(perm) {
				gwerrors.WriteSimpleError(w, gwerrors.ErrCodeForbidden, "API key lacks permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, identity *accounts.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// FromContext returns the authenticated identity, or nil for anonymous
// requests.
func FromContext(ctx context.Context) *accounts.Identity {
	identity, _ := ctx.Value(identityKey).(*accounts.Identity)
	return identity
}
