package idempotency

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func cachedResponse(body string) *Response {
	return &Response{
		StatusCode: http.StatusCreated,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(body),
		CachedAt:   time.Now(),
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	if _, ok := store.Get(ctx, "missing"); ok {
		t.Fatal("unexpected hit for unknown key")
	}

	if err := store.Set(ctx, "k1", cachedResponse(`{"id":"srv_1"}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := store.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.StatusCode != http.StatusCreated || string(got.Body) != `{"id":"srv_1"}` {
		t.Errorf("cached = %+v", got)
	}

	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.Get(ctx, "k1"); ok {
		t.Error("deleted key still cached")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "k1", cachedResponse("a"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := store.Get(ctx, "k1"); ok {
		t.Error("expired entry must not be served")
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := NewMemoryStoreWithSize(2)
	defer store.Stop()
	ctx := context.Background()

	store.Set(ctx, "a", cachedResponse("a"), time.Minute)
	store.Set(ctx, "b", cachedResponse("b"), time.Minute)
	store.Get(ctx, "a") // a is now most recently used
	store.Set(ctx, "c", cachedResponse("c"), time.Minute)

	if _, ok := store.Get(ctx, "b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := store.Get(ctx, "a"); !ok {
		t.Error("recently used entry must survive eviction")
	}
	if _, ok := store.Get(ctx, "c"); !ok {
		t.Error("new entry must be present")
	}
}

func TestMiddleware_ReplaysSuccess(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	calls := 0
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"call":%d}`, calls)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/servers", nil)
		req.Header.Set(HeaderKey, "reg-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	second := do()

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Errorf("replay = %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("replay must be marked")
	}
	if first.Header().Get("X-Idempotency-Replay") == "true" {
		t.Error("first response must not be marked as replay")
	}
}

func TestMiddleware_FailuresStayRetryable(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	calls := 0
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/ping", nil)
		req.Header.Set(HeaderKey, "ping-1")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if calls != 2 {
		t.Errorf("a failed attempt must not be cached; handler ran %d times", calls)
	}
}

func TestMiddleware_KeyScopedByEndpoint(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	calls := 0
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/api/servers", "/ping"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set(HeaderKey, "shared-key")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if calls != 2 {
		t.Errorf("same key on different endpoints must not collide; handler ran %d times", calls)
	}
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	calls := 0
	handler := Middleware(store, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ping", nil))
	}

	if calls != 2 {
		t.Errorf("keyless requests must never be cached; handler ran %d times", calls)
	}
}
