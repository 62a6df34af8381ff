// Package ping ingests server self-registrations: an MCP server (or a
// deploy hook acting for it) announces its URLs, the gateway probes them,
// discovers the tool list, and reconciles the catalog.
package ping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/upstream"
)

// DefaultProbeTimeout bounds the probe of a single candidate URL.
const DefaultProbeTimeout = 10 * time.Second

// ErrNoReachableURL is returned when none of the announced URLs answers the
// MCP handshake.
var ErrNoReachableURL = errors.New("ping: no reachable MCP endpoint")

// Request is the body of a ping announcement.
type Request struct {
	DetectedURLs    []string          `json:"detectedUrls"`
	ServerName      string            `json:"serverName,omitempty"`
	Description     string            `json:"description,omitempty"`
	ReceiverAddress string            `json:"receiverAddress,omitempty"`
	RequireAuth     bool              `json:"requireAuth,omitempty"`
	AuthHeaders     map[string]string `json:"authHeaders,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
}

// Result reports what the ping changed.
type Result struct {
	Server       registry.Server `json:"server"`
	Origin       string          `json:"origin"`
	NewlyCreated bool            `json:"newlyCreated"`
	ToolCount    int             `json:"toolCount"`
	ToolsAdded   int             `json:"toolsAdded"`
	ToolsRemoved int             `json:"toolsRemoved"`
}

// probeFunc runs the MCP handshake against one origin and returns its tool
// list. Swapped in tests.
type probeFunc func(ctx context.Context, origin string, headers map[string]string) ([]upstream.ToolInfo, error)

// Invalidator evicts cached sessions for a server.
type Invalidator interface {
	Invalidate(serverID string)
}

// Service processes ping announcements.
type Service struct {
	registry registry.Repository
	store    storage.Store
	pool     Invalidator
	probe    probeFunc
	timeout  time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithProbe overrides the endpoint probe (tests).
func WithProbe(probe probeFunc) Option {
	return func(s *Service) { s.probe = probe }
}

// WithProbeTimeout overrides the per-URL probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService creates the ping service. store and pool may be nil when webhook
// delivery or session invalidation are not wired.
func NewService(reg registry.Repository, store storage.Store, pool Invalidator, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		store:    store,
		pool:     pool,
		probe:    defaultProbe,
		timeout:  DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle probes the announced URLs, registers the server when unknown, and
// reconciles its tool catalog. Registration is idempotent on
// (origin, creator): re-pinging refreshes the tool list and never duplicates
// the server.
func (s *Service) Handle(ctx context.Context, req Request, identity *accounts.Identity) (Result, error) {
	log := zerolog.Ctx(ctx)

	if len(req.DetectedURLs) == 0 {
		return Result{}, fmt.Errorf("ping: detectedUrls must not be empty")
	}

	creatorID := ""
	if identity != nil {
		creatorID = identity.UserID
	}

	origin, tools, err := s.probeCandidates(ctx, req)
	if err != nil {
		return Result{}, err
	}

	server, created, err := s.resolveServer(ctx, origin, creatorID, req)
	if err != nil {
		return Result{}, err
	}

	discovered := make([]registry.Tool, 0, len(tools))
	for _, tool := range tools {
		discovered = append(discovered, registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	added, removed, err := s.registry.UpsertTools(ctx, server.ID, discovered)
	if err != nil {
		return Result{}, fmt.Errorf("ping: reconcile tools: %w", err)
	}

	if s.pool != nil {
		s.pool.Invalidate(server.ID)
	}

	if added > 0 || removed > 0 {
		s.notifyToolsUpdated(ctx, server, added, removed)
	}

	log.Info().
		Str("server_id", server.ID).
		Str("origin", origin).
		Bool("created", created).
		Int("tools", len(discovered)).
		Int("added", added).
		Int("removed", removed).
		Msg("ping processed")

	return Result{
		Server:       server,
		Origin:       origin,
		NewlyCreated: created,
		ToolCount:    len(discovered),
		ToolsAdded:   added,
		ToolsRemoved: removed,
	}, nil
}

// probeCandidates tries each announced URL, and its /mcp variant, until one
// answers the handshake.
func (s *Service) probeCandidates(ctx context.Context, req Request) (string, []upstream.ToolInfo, error) {
	log := zerolog.Ctx(ctx)
	var lastErr error

	for _, url := range req.DetectedURLs {
		for _, candidate := range candidates(url) {
			probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			tools, err := s.probe(probeCtx, candidate, req.AuthHeaders)
			cancel()
			if err == nil {
				return candidate, tools, nil
			}
			lastErr = err
			log.Debug().Err(err).Str("url", candidate).Msg("probe failed")
		}
	}
	if lastErr != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNoReachableURL, lastErr)
	}
	return "", nil, ErrNoReachableURL
}

func (s *Service) resolveServer(ctx context.Context, origin, creatorID string, req Request) (registry.Server, bool, error) {
	server, err := s.registry.FindByOrigin(ctx, origin, creatorID)
	if err == nil {
		return server, false, nil
	}
	if !errors.Is(err, registry.ErrServerNotFound) {
		return registry.Server{}, false, fmt.Errorf("ping: lookup server: %w", err)
	}

	name := req.ServerName
	if name == "" {
		name = origin
	}
	server = registry.Server{
		ID:              registry.NewServerID(),
		Name:            name,
		Description:     req.Description,
		MCPOrigin:       origin,
		ReceiverAddress: req.ReceiverAddress,
		RequireAuth:     req.RequireAuth,
		AuthHeaders:     req.AuthHeaders,
		Status:          registry.StatusActive,
		CreatorID:       creatorID,
		WebhookURL:      req.WebhookURL,
	}
	if err := s.registry.CreateServer(ctx, server); err != nil {
		if errors.Is(err, registry.ErrDuplicateServer) {
			// Lost a concurrent registration race: use the winner.
			existing, findErr := s.registry.FindByOrigin(ctx, origin, creatorID)
			if findErr != nil {
				return registry.Server{}, false, fmt.Errorf("ping: refetch server: %w", findErr)
			}
			return existing, false, nil
		}
		return registry.Server{}, false, fmt.Errorf("ping: register server: %w", err)
	}
	return server, true, nil
}

func (s *Service) notifyToolsUpdated(ctx context.Context, server registry.Server, added, removed int) {
	if s.store == nil || server.WebhookURL == "" {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event":     storage.EventServerToolsUpdated,
		"serverId":  server.ID,
		"added":     added,
		"removed":   removed,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	webhook := storage.PendingWebhook{
		URL:       server.WebhookURL,
		Payload:   payload,
		EventType: storage.EventServerToolsUpdated,
	}
	if _, err := s.store.EnqueueWebhook(ctx, webhook); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("server_id", server.ID).Msg("enqueue tools_updated webhook failed")
	}
}

// candidates expands an announced URL to the origins worth probing.
func candidates(url string) []string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return nil
	}
	if strings.HasSuffix(url, "/mcp") {
		return []string{url}
	}
	return []string{url, url + "/mcp"}
}

// defaultProbe runs a short-lived MCP handshake and tool listing against one
// origin.
func defaultProbe(ctx context.Context, origin string, headers map[string]string) ([]upstream.ToolInfo, error) {
	var opts []transport.StreamableHTTPCOption
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	t, err := transport.NewStreamableHTTP(origin, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer t.Close()

	if err := t.Start(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	initResp, err := t.SendRequest(ctx, transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(1)),
		Method:  "initialize",
		Params: map[string]interface{}{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"capabilities":    map[string]interface{}{},
			"clientInfo": mcp.Implementation{
				Name:    "toolgate-gateway",
				Version: "1.0",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("initialize rejected: %s", initResp.Error.Message)
	}

	if err := t.SendNotification(ctx, mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/initialized"},
	}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	var tools []upstream.ToolInfo
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := t.SendRequest(ctx, transport.JSONRPCRequest{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      mcp.NewRequestId(int64(2)),
			Method:  "tools/list",
			Params:  params,
		})
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("tools/list rejected: %s", resp.Error.Message)
		}

		var page struct {
			Tools      []upstream.ToolInfo `json:"tools"`
			NextCursor string              `json:"nextCursor,omitempty"`
		}
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("decode tools/list: %w", err)
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}
