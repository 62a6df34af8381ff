package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ToolGate/gateway/internal/accounts"
)

func testKeyStore(t *testing.T) *accounts.MemoryStore {
	t.Helper()
	store := accounts.NewMemoryStore()
	store.AddKey(accounts.APIKey{
		ID:      "key_1",
		UserID:  "user_1",
		KeyHash: accounts.HashKey("tg_live_valid"),
		Active:  true,
	})
	store.AddKey(accounts.APIKey{
		ID:          "key_2",
		UserID:      "user_2",
		KeyHash:     accounts.HashKey("tg_live_scoped"),
		Permissions: []string{"servers:read"},
		Active:      true,
	})
	return store
}

func identityEcho(captured **accounts.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidKeyAttachesIdentity(t *testing.T) {
	var got *accounts.Identity
	handler := Middleware(testKeyStore(t))(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set(Header, "tg_live_valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.UserID != "user_1" || got.KeyID != "key_1" {
		t.Errorf("identity = %+v", got)
	}
}

func TestMiddleware_MissingKeyIsAnonymous(t *testing.T) {
	var got *accounts.Identity
	handler := Middleware(testKeyStore(t))(identityEcho(&got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/srv_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != nil {
		t.Errorf("expected anonymous, got %+v", got)
	}
}

func TestMiddleware_InvalidKeyRejected(t *testing.T) {
	var got *accounts.Identity
	handler := Middleware(testKeyStore(t))(identityEcho(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set(Header, "tg_live_revoked")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got != nil {
		t.Errorf("handler must not run, identity %+v", got)
	}
}

func TestRequire(t *testing.T) {
	handler := Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/servers", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
	req = req.WithContext(WithIdentity(req.Context(), &accounts.Identity{UserID: "user_1"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("authenticated status = %d, want 204", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission("servers:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		identity *accounts.Identity
		want     int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"scoped key without permission", &accounts.Identity{UserID: "u", Permissions: []string{"servers:read"}}, http.StatusForbidden},
		{"scoped key with permission", &accounts.Identity{UserID: "u", Permissions: []string{"servers:write"}}, http.StatusNoContent},
		{"legacy key without scopes", &accounts.Identity{UserID: "u"}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
			if tt.identity != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.identity))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
