// Package versioning negotiates the API version from request headers and
// carries it through the request context.
package versioning

import (
	"context"
	"net/http"
	"strings"
)

// Version is a major API version.
type Version int

const (
	V1 Version = 1
	// V2 is reserved for the next breaking change.
	V2 Version = 2

	DefaultVersion = V1
)

// String renders the version as "v1", "v2".
func (v Version) String() string {
	if v <= 0 {
		return "v1"
	}
	return "v" + string(rune('0'+v))
}

type contextKey struct{}

// FromContext returns the negotiated version, defaulting to V1.
func FromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(contextKey{}).(Version); ok {
		return v
	}
	return DefaultVersion
}

// WithVersion stores the version on the context.
func WithVersion(ctx context.Context, version Version) context.Context {
	return context.WithValue(ctx, contextKey{}, version)
}

// Negotiation resolves the requested API version and echoes it back in
// X-API-Version. Accepted forms, in priority order:
//
//	X-API-Version: 2
//	Accept: application/vnd.toolgate.v2+json
//	Accept: application/json; version=2
//
// Anything else falls back to V1.
func Negotiation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		version := negotiate(r)

		w.Header().Set("X-API-Version", version.String())
		w.Header().Set("Vary", "Accept, X-API-Version")

		next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), version)))
	})
}

func negotiate(r *http.Request) Version {
	if header := r.Header.Get("X-API-Version"); header != "" {
		if v := parse(header); v > 0 {
			return v
		}
	}

	accept := r.Header.Get("Accept")
	if idx := strings.Index(accept, "application/vnd.toolgate."); idx >= 0 {
		rest := accept[idx+len("application/vnd.toolgate."):]
		if v := parse(strings.SplitN(rest, "+", 2)[0]); v > 0 {
			return v
		}
	}
	if idx := strings.Index(accept, "version="); idx >= 0 {
		value := strings.SplitN(accept[idx+len("version="):], ";", 2)[0]
		if v := parse(value); v > 0 {
			return v
		}
	}

	return DefaultVersion
}

// parse accepts "1", "v2", "V2"; unknown versions map to 0.
func parse(s string) Version {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	switch s {
	case "1":
		return V1
	case "2":
		return V2
	default:
		return 0
	}
}
