package httpserver

import (
	"crypto/subtle"
	"net/http"

	apperrors "github.com/ToolGate/gateway/internal/errors"
)

// adminMetricsAuth guards the operational endpoints (/metrics, webhook queue
// admin) with a static bearer key. An empty key leaves them open, for
// deployments where the ops port is network-isolated.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			expected := "Bearer " + apiKey
			auth := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
				apperrors.WriteSimpleError(w, apperrors.ErrCodeUnauthorized, "invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
