package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/apikey"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, identity *accounts.Identity) int {
	req := httptest.NewRequest(http.MethodGet, "/mcp/srv_1", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	if identity != nil {
		req = req.WithContext(apikey.WithIdentity(req.Context(), identity))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestGlobalLimiter_Enforces(t *testing.T) {
	cfg := Config{GlobalEnabled: true, GlobalLimit: 3, GlobalWindow: time.Minute}
	handler := GlobalLimiter(cfg)(okHandler())

	for i := 0; i < 3; i++ {
		if code := doRequest(handler, nil); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := doRequest(handler, nil); code != http.StatusTooManyRequests {
		t.Errorf("over-limit status = %d, want 429", code)
	}
}

func TestGlobalLimiter_DisabledPassesThrough(t *testing.T) {
	handler := GlobalLimiter(Config{})(okHandler())
	for i := 0; i < 50; i++ {
		if code := doRequest(handler, nil); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
	}
}

func TestKeyLimiter_SeparatesKeys(t *testing.T) {
	cfg := Config{PerKeyEnabled: true, PerKeyLimit: 2, PerKeyWindow: time.Minute}
	handler := KeyLimiter(cfg)(okHandler())

	first := &accounts.Identity{UserID: "u1", KeyID: "key_1"}
	second := &accounts.Identity{UserID: "u2", KeyID: "key_2"}

	doRequest(handler, first)
	doRequest(handler, first)
	if code := doRequest(handler, first); code != http.StatusTooManyRequests {
		t.Errorf("exhausted key status = %d, want 429", code)
	}
	if code := doRequest(handler, second); code != http.StatusOK {
		t.Errorf("other key status = %d, want 200", code)
	}
}

func TestKeyLimiter_ExemptPermission(t *testing.T) {
	cfg := Config{PerKeyEnabled: true, PerKeyLimit: 1, PerKeyWindow: time.Minute}
	handler := KeyLimiter(cfg)(okHandler())

	exempt := &accounts.Identity{UserID: "u1", KeyID: "key_1", Permissions: []string{PermissionExempt}}
	for i := 0; i < 5; i++ {
		if code := doRequest(handler, exempt); code != http.StatusOK {
			t.Fatalf("exempt request %d status = %d", i, code)
		}
	}

	// Unscoped legacy keys are not exempt even though HasPermission grants all.
	legacy := &accounts.Identity{UserID: "u2", KeyID: "key_2"}
	doRequest(handler, legacy)
	if code := doRequest(handler, legacy); code != http.StatusTooManyRequests {
		t.Errorf("legacy key status = %d, want 429", code)
	}
}

func TestIPLimiter_RetryAfterHeader(t *testing.T) {
	cfg := Config{PerIPEnabled: true, PerIPLimit: 1, PerIPWindow: time.Minute}
	handler := IPLimiter(cfg)(okHandler())

	doRequest(handler, nil)
	req := httptest.NewRequest(http.MethodGet, "/mcp/srv_1", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}
