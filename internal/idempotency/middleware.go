package idempotency

import (
	"bytes"
	"net/http"
	"time"
)

const (
	// HeaderKey carries the client-chosen idempotency key.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL is how long a cached response stays replayable.
	DefaultTTL = 24 * time.Hour
)

// recorder tees the response so a success can be cached after it is sent.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware replays the cached response when a request repeats an
// Idempotency-Key. Keys are scoped by method and path, so the same key on a
// different endpoint is a different request. Only 2xx responses are cached;
// failures stay retryable. Requests without the header pass through.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, ok := store.Get(r.Context(), key); ok {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				headers := make(map[string]string, len(w.Header()))
				for k := range w.Header() {
					headers[k] = w.Header().Get(k)
				}
				store.Set(r.Context(), key, &Response{
					StatusCode: rec.status,
					Headers:    headers,
					Body:       rec.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}
