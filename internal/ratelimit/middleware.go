// Package ratelimit applies layered request limits: a global cap, a
// per-API-key limit for authenticated callers, and a per-IP fallback for
// anonymous ones.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/ToolGate/gateway/internal/apikey"
	"github.com/ToolGate/gateway/internal/metrics"
)

// PermissionExempt marks API keys that bypass per-key and per-IP limits.
// The permission must be granted explicitly; unscoped legacy keys are not
// exempt.
const PermissionExempt = "ratelimit:exempt"

// Config holds rate limiting configuration.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	PerKeyEnabled bool
	PerKeyLimit   int
	PerKeyWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for legitimate tool traffic
// while stopping obvious spam.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerKeyEnabled: true,
		PerKeyLimit:   300,
		PerKeyWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

type limitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func limitHandler(limitType string, windowSeconds int, collector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		collector.ObserveRateLimit(limitType)

		response := limitResponse{
			Error:             "rate_limit_exceeded",
			Message:           "Rate limit exceeded. Please try again later.",
			RetryAfterSeconds: windowSeconds,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// isExempt reports whether the caller's key carries the explicit exemption
// permission. apikey-less requests are never exempt.
func isExempt(r *http.Request) bool {
	identity := apikey.FromContext(r.Context())
	if identity == nil {
		return false
	}
	for _, perm := range identity.Permissions {
		if perm == PermissionExempt {
			return true
		}
	}
	return false
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter caps total request volume. No exemptions: the global cap
// protects the process itself.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", int(cfg.GlobalWindow.Seconds()), cfg.Metrics)),
	)
}

// KeyLimiter limits per API key, falling back to the client IP for
// anonymous requests.
func KeyLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerKeyEnabled {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.PerKeyLimit,
		cfg.PerKeyWindow,
		httprate.WithKeyFuncs(keyOrIP),
		httprate.WithLimitHandler(limitHandler("per_key", int(cfg.PerKeyWindow.Seconds()), cfg.Metrics)),
	)
	return exemptWrapper(limiter)
}

// IPLimiter limits per client IP regardless of authentication.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), cfg.Metrics)),
	)
	return exemptWrapper(limiter)
}

func exemptWrapper(limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// keyOrIP is the httprate key function for the per-key limiter.
func keyOrIP(r *http.Request) (string, error) {
	if identity := apikey.FromContext(r.Context()); identity != nil && identity.KeyID != "" {
		return "key:" + identity.KeyID, nil
	}
	return httprate.KeyByIP(r)
}
