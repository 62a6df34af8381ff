package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ToolGate/gateway/internal/registry"
)

// fakeTransport scripts upstream responses keyed by JSON-RPC method.
type fakeTransport struct {
	mu            sync.Mutex
	started       bool
	closed        bool
	startErr      error
	requests      []transport.JSONRPCRequest
	notifications []mcp.JSONRPCNotification
	responses     map[string][]*transport.JSONRPCResponse
	sendErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string][]*transport.JSONRPCResponse)}
}

func (f *fakeTransport) respond(method string, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method] = append(f.responses[method], &transport.JSONRPCResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		Result:  json.RawMessage(result),
	})
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeTransport) SendRequest(ctx context.Context, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	queue := f.responses[req.Method]
	if len(queue) == 0 {
		return &transport.JSONRPCResponse{JSONRPC: mcp.JSONRPC_VERSION, Result: json.RawMessage(`{}`)}, nil
	}
	resp := queue[0]
	f.responses[req.Method] = queue[1:]
	return resp, nil
}

func (f *fakeTransport) SendNotification(ctx context.Context, notif mcp.JSONRPCNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notif)
	return nil
}

func (f *fakeTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) GetSessionId() string { return "sess-1" }

func (f *fakeTransport) methodCalls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, req := range f.requests {
		if req.Method == method {
			count++
		}
	}
	return count
}

func upstreamServer() registry.Server {
	return registry.Server{
		ID:          "srv_1",
		MCPOrigin:   "https://weather.example.com/mcp",
		RequireAuth: true,
		AuthHeaders: map[string]string{"Authorization": "Bearer upstream-token"},
		Status:      registry.StatusActive,
	}
}

func newTestPool(t *testing.T, fake *fakeTransport, opts ...PoolOption) *Pool {
	t.Helper()
	dial := func(origin string, headers map[string]string) (transport.Interface, error) {
		if origin != "https://weather.example.com/mcp" {
			t.Errorf("dialed origin %s", origin)
		}
		if headers["Authorization"] != "Bearer upstream-token" {
			t.Errorf("auth headers not forwarded: %v", headers)
		}
		return fake, nil
	}
	pool := NewPool(append([]PoolOption{WithDialer(dial)}, opts...)...)
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_InitializeOncePerSession(t *testing.T) {
	fake := newFakeTransport()
	pool := newTestPool(t, fake)
	server := upstreamServer()

	for i := 0; i < 3; i++ {
		if _, err := pool.CallTool(context.Background(), server, "forecast", json.RawMessage(`{"city":"Oslo"}`)); err != nil {
			t.Fatalf("call tool: %v", err)
		}
	}

	if got := fake.methodCalls("initialize"); got != 1 {
		t.Errorf("initialize calls = %d, want 1", got)
	}
	if got := fake.methodCalls("tools/call"); got != 3 {
		t.Errorf("tools/call calls = %d", got)
	}
	if len(fake.notifications) != 1 || fake.notifications[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v", fake.notifications)
	}
}

func TestPool_HandshakeRetriesOnce(t *testing.T) {
	attempts := 0
	good := newFakeTransport()
	dial := func(origin string, headers map[string]string) (transport.Interface, error) {
		attempts++
		if attempts == 1 {
			bad := newFakeTransport()
			bad.startErr = errors.New("connection refused")
			return bad, nil
		}
		return good, nil
	}
	pool := NewPool(WithDialer(dial))
	defer pool.Close()

	if _, err := pool.CallTool(context.Background(), upstreamServer(), "forecast", nil); err != nil {
		t.Fatalf("expected handshake retry to recover: %v", err)
	}
	if attempts != 2 {
		t.Errorf("dial attempts = %d, want 2", attempts)
	}
}

func TestPool_ToolCallsNeverRetried(t *testing.T) {
	fake := newFakeTransport()
	pool := newTestPool(t, fake)
	server := upstreamServer()

	// Prime the session, then make the transport fail.
	if _, err := pool.CallTool(context.Background(), server, "forecast", nil); err != nil {
		t.Fatalf("prime: %v", err)
	}
	fake.mu.Lock()
	fake.sendErr = errors.New("broken pipe")
	fake.mu.Unlock()

	before := fake.methodCalls("tools/call")
	if _, err := pool.CallTool(context.Background(), server, "forecast", nil); err == nil {
		t.Fatal("expected transport error")
	}
	if got := fake.methodCalls("tools/call") - before; got != 1 {
		t.Errorf("tool call attempts = %d, want 1", got)
	}
}

func TestPool_ListToolsFollowsPagination(t *testing.T) {
	fake := newFakeTransport()
	fake.respond("tools/list", `{"tools":[{"name":"forecast","description":"7 day forecast"}],"nextCursor":"page2"}`)
	fake.respond("tools/list", `{"tools":[{"name":"alerts"}]}`)
	pool := newTestPool(t, fake)

	tools, err := pool.ListTools(context.Background(), upstreamServer())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].Name != "forecast" || tools[1].Name != "alerts" {
		t.Errorf("tools %+v", tools)
	}
}

func TestPool_InvalidateClosesSession(t *testing.T) {
	fake := newFakeTransport()
	pool := newTestPool(t, fake)
	server := upstreamServer()

	if _, err := pool.CallTool(context.Background(), server, "forecast", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	pool.Invalidate(server.ID)

	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	if !closed {
		t.Error("invalidate must close the transport")
	}

	// Next call dials a fresh session and re-initializes.
	if _, err := pool.CallTool(context.Background(), server, "forecast", nil); err != nil {
		t.Fatalf("call after invalidate: %v", err)
	}
	if got := fake.methodCalls("initialize"); got != 2 {
		t.Errorf("initialize calls = %d, want 2", got)
	}
}

func TestPool_BusyLimit(t *testing.T) {
	fake := newFakeTransport()
	pool := newTestPool(t, fake, WithMaxInFlight(1))
	server := upstreamServer()

	// Prime the session so the semaphore is the only contention.
	if _, err := pool.CallTool(context.Background(), server, "forecast", nil); err != nil {
		t.Fatalf("prime: %v", err)
	}

	s, err := pool.session(server)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.CallTool(ctx, server, "forecast", nil)
	if err == nil {
		t.Fatal("expected saturation to fail the call")
	}
	if !errors.Is(err, ErrBusy) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error %v", err)
	}
}
