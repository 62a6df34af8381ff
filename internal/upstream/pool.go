// Package upstream manages MCP client sessions to registered servers. One
// session per server, dialed lazily, initialized once, reaped when idle.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/registry"
)

// ErrBusy is returned when a server's in-flight limit stays saturated past
// the bounded wait.
var ErrBusy = errors.New("upstream: server at capacity")

// Pool defaults.
const (
	DefaultIdleTimeout = 300 * time.Second
	DefaultMaxInFlight = 32

	// busyWait bounds how long a call queues for a semaphore slot before
	// the caller gets ErrBusy.
	busyWait = 5 * time.Second

	initializeTimeout = 15 * time.Second
)

// ToolInfo is one tool as advertised by an upstream server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []ToolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// dialFunc creates a transport to an origin. Swapped in tests.
type dialFunc func(origin string, headers map[string]string) (transport.Interface, error)

func defaultDial(origin string, headers map[string]string) (transport.Interface, error) {
	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	return transport.NewStreamableHTTP(origin, opts...)
}

// Pool holds one lazily-dialed session per registered server. Sessions are
// initialized on first use, bounded by a per-server in-flight semaphore, and
// evicted after sitting idle.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*session

	dial        dialFunc
	idleTimeout time.Duration
	maxInFlight int
	metrics     *metrics.Metrics

	stop     chan struct{}
	stopOnce sync.Once
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithIdleTimeout overrides the idle eviction timeout.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.idleTimeout = d
		}
	}
}

// WithMaxInFlight overrides the per-server in-flight limit.
func WithMaxInFlight(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxInFlight = n
		}
	}
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithDialer overrides how transports are created (tests).
func WithDialer(dial dialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates a session pool and starts its idle reaper.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		sessions:    make(map[string]*session),
		dial:        defaultDial,
		idleTimeout: DefaultIdleTimeout,
		maxInFlight: DefaultMaxInFlight,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.reap()
	return p
}

// Forward sends a raw JSON-RPC request over the server's session. The
// request is never retried; a transport failure surfaces to the caller.
func (p *Pool) Forward(ctx context.Context, server registry.Server, req transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	s, err := p.session(server)
	if err != nil {
		return nil, err
	}
	if err := p.acquire(ctx, s); err != nil {
		return nil, err
	}
	defer s.release()

	if err := s.ensureInitialized(ctx, p); err != nil {
		p.metrics.ObserveUpstreamError("initialize")
		return nil, err
	}

	resp, err := s.transport.SendRequest(ctx, req)
	s.touch()
	if err != nil {
		p.metrics.ObserveUpstreamError("send")
		p.Invalidate(server.ID)
		return nil, fmt.Errorf("upstream %s: %w", server.ID, err)
	}
	return resp, nil
}

// Notify forwards a JSON-RPC notification. No response is expected.
func (p *Pool) Notify(ctx context.Context, server registry.Server, notif mcp.JSONRPCNotification) error {
	s, err := p.session(server)
	if err != nil {
		return err
	}
	if err := p.acquire(ctx, s); err != nil {
		return err
	}
	defer s.release()

	if err := s.ensureInitialized(ctx, p); err != nil {
		p.metrics.ObserveUpstreamError("initialize")
		return err
	}
	if err := s.transport.SendNotification(ctx, notif); err != nil {
		p.metrics.ObserveUpstreamError("send")
		p.Invalidate(server.ID)
		return fmt.Errorf("upstream %s: %w", server.ID, err)
	}
	s.touch()
	return nil
}

// CallTool invokes one tool on the upstream server.
func (p *Pool) CallTool(ctx context.Context, server registry.Server, name string, arguments json.RawMessage) (*transport.JSONRPCResponse, error) {
	params := map[string]interface{}{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = json.RawMessage(arguments)
	}
	req := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(nextRequestID()),
		Method:  "tools/call",
		Params:  params,
	}
	return p.Forward(ctx, server, req)
}

// ListTools fetches the server's full tool list, following pagination.
func (p *Pool) ListTools(ctx context.Context, server registry.Server) ([]ToolInfo, error) {
	var tools []ToolInfo
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		req := transport.JSONRPCRequest{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      mcp.NewRequestId(nextRequestID()),
			Method:  "tools/list",
			Params:  params,
		}
		resp, err := p.Forward(ctx, server, req)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("upstream %s: tools/list: %s", server.ID, resp.Error.Message)
		}

		var page listToolsResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("upstream %s: decode tools/list: %w", server.ID, err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// Subscribe delivers upstream server-initiated notifications to the returned
// channel until cancel is called. Slow subscribers drop notifications rather
// than block the session.
func (p *Pool) Subscribe(ctx context.Context, server registry.Server) (<-chan mcp.JSONRPCNotification, func(), error) {
	s, err := p.session(server)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ensureInitialized(ctx, p); err != nil {
		p.metrics.ObserveUpstreamError("initialize")
		return nil, nil, err
	}
	ch, cancel := s.subscribe()
	return ch, cancel, nil
}

// Invalidate closes and drops the server's session. Called on registration
// changes and transport failures.
func (p *Pool) Invalidate(serverID string) {
	p.mu.Lock()
	s, ok := p.sessions[serverID]
	if ok {
		delete(p.sessions, serverID)
	}
	p.mu.Unlock()

	if ok {
		s.close()
		p.metrics.ObserveSessionClosed()
	}
}

// Close shuts down the reaper and all sessions.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.close()
		p.metrics.ObserveSessionClosed()
	}
}

func (p *Pool) session(server registry.Server) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[server.ID]; ok {
		return s, nil
	}

	headers := map[string]string{}
	if server.RequireAuth {
		for k, v := range server.AuthHeaders {
			headers[k] = v
		}
	}
	s := &session{
		serverID: server.ID,
		origin:   server.MCPOrigin,
		headers:  headers,
		sem:      make(chan struct{}, p.maxInFlight),
	}
	s.touch()
	p.sessions[server.ID] = s
	return s, nil
}

func (p *Pool) acquire(ctx context.Context, s *session) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(busyWait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-timer.C:
		p.metrics.ObserveUpstreamBusy(s.serverID)
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reap evicts sessions idle past the timeout.
func (p *Pool) reap() {
	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTimeout)
			p.mu.Lock()
			var idle []*session
			for id, s := range p.sessions {
				if s.idleSince().Before(cutoff) && !s.inFlight() {
					idle = append(idle, s)
					delete(p.sessions, id)
				}
			}
			p.mu.Unlock()

			for _, s := range idle {
				s.close()
				p.metrics.ObserveSessionClosed()
			}
		}
	}
}

var requestCounter atomic.Int64

func nextRequestID() int64 {
	return requestCounter.Add(1)
}

// session is one MCP connection to an upstream server.
type session struct {
	serverID string
	origin   string
	headers  map[string]string
	sem      chan struct{}

	mu          sync.Mutex
	transport   transport.Interface
	initialized bool
	lastUsed    time.Time

	subMu  sync.Mutex
	subSeq int64
	subs   map[int64]chan mcp.JSONRPCNotification
}

// subscribe registers a notification channel on the session.
func (s *session) subscribe() (<-chan mcp.JSONRPCNotification, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int64]chan mcp.JSONRPCNotification)
	}
	s.subSeq++
	id := s.subSeq
	ch := make(chan mcp.JSONRPCNotification, 16)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// dispatchNotification fans an upstream notification out to subscribers.
func (s *session) dispatchNotification(notif mcp.JSONRPCNotification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- notif:
		default:
		}
	}
}

// ensureInitialized dials and runs the MCP handshake on first use. A failed
// handshake is retried once on a fresh connection; tool calls themselves are
// never retried.
func (s *session) ensureInitialized(ctx context.Context, p *Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	err := s.connectAndInitialize(ctx, p)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("server_id", s.serverID).Msg("upstream handshake failed, retrying once")
		s.closeTransportLocked()
		err = s.connectAndInitialize(ctx, p)
	}
	if err != nil {
		s.closeTransportLocked()
		return fmt.Errorf("upstream %s: initialize: %w", s.serverID, err)
	}

	s.initialized = true
	p.metrics.ObserveSessionOpened()
	return nil
}

func (s *session) connectAndInitialize(ctx context.Context, p *Pool) error {
	if s.transport == nil {
		t, err := p.dial(s.origin, s.headers)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		t.SetNotificationHandler(s.dispatchNotification)
		s.transport = t
	}

	ctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if err := s.transport.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	initReq := transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(nextRequestID()),
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]interface{}{},
			"clientInfo": mcp.Implementation{
				Name:    "toolgate-gateway",
				Version: "1.0",
			},
		},
	}
	resp, err := s.transport.SendRequest(ctx, initReq)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}

	notif := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: "notifications/initialized",
		},
	}
	if err := s.transport.SendNotification(ctx, notif); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (s *session) release() {
	<-s.sem
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *session) inFlight() bool {
	return len(s.sem) > 0
}

func (s *session) close() {
	s.mu.Lock()
	s.closeTransportLocked()
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *session) closeTransportLocked() {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.initialized = false
}
