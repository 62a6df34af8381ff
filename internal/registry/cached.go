package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ToolGate/gateway/internal/cacheutil"
)

// DefaultCacheTTL bounds how stale the proxy's view of a server and its
// tools can get. Write paths invalidate eagerly; the TTL covers writes from
// other gateway instances.
const DefaultCacheTTL = 60 * time.Second

// CachedRepository wraps a Repository with a per-server TTL cache. The proxy
// resolves the server and tool on every call, so both are cached together.
type CachedRepository struct {
	underlying Repository
	cacheTTL   time.Duration

	mu      sync.RWMutex
	servers map[string]cacheutil.CachedValue[Server]
	tools   map[string]cacheutil.CachedValue[[]Tool]
}

// NewCachedRepository wraps a repository with a caching layer. A TTL of 0
// disables caching (pass-through mode).
func NewCachedRepository(underlying Repository, cacheTTL time.Duration) *CachedRepository {
	return &CachedRepository{
		underlying: underlying,
		cacheTTL:   cacheTTL,
		servers:    make(map[string]cacheutil.CachedValue[Server]),
		tools:      make(map[string]cacheutil.CachedValue[[]Tool]),
	}
}

// GetServer returns a server by ID with caching.
func (r *CachedRepository) GetServer(ctx context.Context, serverID string) (Server, error) {
	if r.cacheTTL == 0 {
		return r.underlying.GetServer(ctx, serverID)
	}

	return cacheutil.ReadThrough(
		&r.mu,
		func(now time.Time) (Server, bool) {
			if entry, ok := r.servers[serverID]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return Server{}, false
		},
		func(now time.Time) (Server, error) {
			server, err := r.underlying.GetServer(ctx, serverID)
			if err != nil {
				return Server{}, err
			}
			r.servers[serverID] = cacheutil.CachedValue[Server]{Value: server, FetchedAt: now}
			return server, nil
		},
	)
}

// FindByOrigin is a registration-path lookup; it always hits the underlying
// repository.
func (r *CachedRepository) FindByOrigin(ctx context.Context, mcpOrigin, creatorID string) (Server, error) {
	return r.underlying.FindByOrigin(ctx, mcpOrigin, creatorID)
}

// CreateServer registers a server and invalidates the cache entry.
func (r *CachedRepository) CreateServer(ctx context.Context, server Server) error {
	return cacheutil.WriteThrough(func() { r.Invalidate(server.ID) }, func() error {
		return r.underlying.CreateServer(ctx, server)
	})
}

// SetServerStatus transitions a server and invalidates the cache entry.
func (r *CachedRepository) SetServerStatus(ctx context.Context, serverID, status string) error {
	return cacheutil.WriteThrough(func() { r.Invalidate(serverID) }, func() error {
		return r.underlying.SetServerStatus(ctx, serverID, status)
	})
}

// ListTools returns all tools of a server with caching.
func (r *CachedRepository) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	if r.cacheTTL == 0 {
		return r.underlying.ListTools(ctx, serverID)
	}

	return cacheutil.ReadThrough(
		&r.mu,
		func(now time.Time) ([]Tool, bool) {
			if entry, ok := r.tools[serverID]; ok && now.Sub(entry.FetchedAt) < r.cacheTTL {
				return entry.Value, true
			}
			return nil, false
		},
		func(now time.Time) ([]Tool, error) {
			tools, err := r.underlying.ListTools(ctx, serverID)
			if err != nil {
				return nil, err
			}
			r.tools[serverID] = cacheutil.CachedValue[[]Tool]{Value: tools, FetchedAt: now}
			return tools, nil
		},
	)
}

// GetToolByName resolves a tool from the cached tool list.
func (r *CachedRepository) GetToolByName(ctx context.Context, serverID, name string) (Tool, error) {
	if r.cacheTTL == 0 {
		return r.underlying.GetToolByName(ctx, serverID, name)
	}

	tools, err := r.ListTools(ctx, serverID)
	if err != nil {
		return Tool{}, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return Tool{}, ErrToolNotFound
}

// UpsertTools reconciles tools and invalidates the cache entry.
func (r *CachedRepository) UpsertTools(ctx context.Context, serverID string, discovered []Tool) (int, int, error) {
	added, removed, err := r.underlying.UpsertTools(ctx, serverID, discovered)
	if err != nil {
		return 0, 0, err
	}
	r.Invalidate(serverID)
	return added, removed, nil
}

// SetToolPricing replaces pricing and invalidates the cache entry.
func (r *CachedRepository) SetToolPricing(ctx context.Context, serverID, toolName string, pricing []PricingEntry) error {
	return cacheutil.WriteThrough(func() { r.Invalidate(serverID) }, func() error {
		return r.underlying.SetToolPricing(ctx, serverID, toolName, pricing)
	})
}

// Invalidate drops the cached server and tool list for one server.
func (r *CachedRepository) Invalidate(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverID)
	delete(r.tools, serverID)
}

// Close closes the underlying repository.
func (r *CachedRepository) Close() error {
	return r.underlying.Close()
}
