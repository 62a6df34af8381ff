package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory catalog for development and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	servers map[string]Server
	tools   map[string]map[string]Tool // server ID -> tool name -> tool
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		servers: make(map[string]Server),
		tools:   make(map[string]map[string]Tool),
	}
}

// GetServer returns a server by ID.
func (r *MemoryRepository) GetServer(ctx context.Context, serverID string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, ok := r.servers[serverID]
	if !ok {
		return Server{}, ErrServerNotFound
	}
	return server, nil
}

// FindByOrigin returns the server registered for (origin, creator).
func (r *MemoryRepository) FindByOrigin(ctx context.Context, mcpOrigin, creatorID string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, server := range r.servers {
		if server.MCPOrigin == mcpOrigin && server.CreatorID == creatorID {
			return server, nil
		}
	}
	return Server{}, ErrServerNotFound
}

// CreateServer registers a server.
func (r *MemoryRepository) CreateServer(ctx context.Context, server Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.servers {
		if existing.MCPOrigin == server.MCPOrigin && existing.CreatorID == server.CreatorID {
			return ErrDuplicateServer
		}
	}

	prepareServer(&server)
	r.servers[server.ID] = server
	if r.tools[server.ID] == nil {
		r.tools[server.ID] = make(map[string]Tool)
	}
	return nil
}

// SetServerStatus transitions a server between active and inactive.
func (r *MemoryRepository) SetServerStatus(ctx context.Context, serverID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[serverID]
	if !ok {
		return ErrServerNotFound
	}
	server.Status = status
	server.UpdatedAt = time.Now().UTC()
	r.servers[serverID] = server
	return nil
}

// ListTools returns all tools of a server, sorted by name.
func (r *MemoryRepository) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.servers[serverID]; !ok {
		return nil, ErrServerNotFound
	}

	tools := make([]Tool, 0, len(r.tools[serverID]))
	for _, tool := range r.tools[serverID] {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// GetToolByName returns one tool by (server, name).
func (r *MemoryRepository) GetToolByName(ctx context.Context, serverID, name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[serverID][name]
	if !ok {
		return Tool{}, ErrToolNotFound
	}
	return tool, nil
}

// UpsertTools reconciles the discovered tool list against the catalog.
func (r *MemoryRepository) UpsertTools(ctx context.Context, serverID string, discovered []Tool) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[serverID]; !ok {
		return 0, 0, ErrServerNotFound
	}
	if r.tools[serverID] == nil {
		r.tools[serverID] = make(map[string]Tool)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(discovered))
	added := 0

	for _, tool := range discovered {
		seen[tool.Name] = true
		existing, ok := r.tools[serverID][tool.Name]
		if !ok {
			tool.ServerID = serverID
			tool.Pricing = nil // new tools start free
			prepareTool(&tool)
			r.tools[serverID][tool.Name] = tool
			added++
			continue
		}
		// Known tool: refresh description and schema, keep pricing
		existing.Description = tool.Description
		existing.InputSchema = tool.InputSchema
		if existing.Status == StatusInactive {
			existing.Status = StatusActive
		}
		existing.UpdatedAt = now
		r.tools[serverID][tool.Name] = existing
	}

	removed := 0
	for name, tool := range r.tools[serverID] {
		if seen[name] || tool.Status == StatusInactive {
			continue
		}
		tool.Status = StatusInactive
		tool.UpdatedAt = now
		r.tools[serverID][name] = tool
		removed++
	}

	return added, removed, nil
}

// SetToolPricing replaces a tool's pricing entries.
func (r *MemoryRepository) SetToolPricing(ctx context.Context, serverID, toolName string, pricing []PricingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tool, ok := r.tools[serverID][toolName]
	if !ok {
		return ErrToolNotFound
	}

	now := time.Now().UTC()
	for i := range pricing {
		if pricing[i].ID == "" {
			pricing[i].ID = NewPricingID()
		}
		if pricing[i].CreatedAt.IsZero() {
			pricing[i].CreatedAt = now
		}
	}
	tool.Pricing = pricing
	tool.UpdatedAt = now
	r.tools[serverID][toolName] = tool
	return nil
}

// Close is a no-op for the memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}
