package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for registry lookups.
var (
	ErrServerNotFound  = errors.New("registry: server not found")
	ErrToolNotFound    = errors.New("registry: tool not found")
	ErrDuplicateServer = errors.New("registry: server already registered for this origin")
)

// Server and tool lifecycle states.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Server is a registered upstream MCP server.
type Server struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	MCPOrigin       string            `json:"mcpOrigin"`
	ReceiverAddress string            `json:"receiverAddress"`
	RequireAuth     bool              `json:"requireAuth"`
	AuthHeaders     map[string]string `json:"-"` // forwarded upstream, never exposed
	Status          string            `json:"status"`
	CreatorID       string            `json:"creatorId,omitempty"`
	WebhookURL      string            `json:"webhookUrl,omitempty"`
	WebhookSecret   string            `json:"-"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// PricingEntry is one price point for a tool. Amounts are base units as
// decimal strings. A tool has at most one active entry per (network, asset).
type PricingEntry struct {
	ID                   string    `json:"id"`
	MaxAmountRequiredRaw string    `json:"maxAmountRequiredRaw"`
	TokenDecimals        int       `json:"tokenDecimals"`
	AssetAddress         string    `json:"assetAddress"`
	Network              string    `json:"network"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Tool is a tool discovered on a registered server. Pricing is persisted as
// a jsonb list.
type Tool struct {
	ID          string          `json:"id"`
	ServerID    string          `json:"serverId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Pricing     []PricingEntry  `json:"pricing,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsMonetized reports whether the tool has at least one active pricing entry.
func (t Tool) IsMonetized() bool {
	for _, p := range t.Pricing {
		if p.Active {
			return true
		}
	}
	return false
}

// ActivePricing returns the tool's active pricing entries.
func (t Tool) ActivePricing() []PricingEntry {
	var active []PricingEntry
	for _, p := range t.Pricing {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}

// Repository is the tool/server catalog. Read paths are hot (every proxied
// call resolves the server and tool); wrap with NewCachedRepository in
// production.
type Repository interface {
	// GetServer returns a server by its public ID.
	GetServer(ctx context.Context, serverID string) (Server, error)

	// FindByOrigin supports idempotent registration: the same origin and
	// creator always resolve to the same record.
	FindByOrigin(ctx context.Context, mcpOrigin, creatorID string) (Server, error)

	// CreateServer registers a server. Returns ErrDuplicateServer when the
	// (origin, creator) pair already exists.
	CreateServer(ctx context.Context, server Server) error

	// SetServerStatus transitions a server between active and inactive.
	SetServerStatus(ctx context.Context, serverID, status string) error

	// ListTools returns all tools of a server, active and inactive.
	ListTools(ctx context.Context, serverID string) ([]Tool, error)

	// GetToolByName returns one tool by (server, name).
	GetToolByName(ctx context.Context, serverID, name string) (Tool, error)

	// UpsertTools reconciles the discovered tool list against the catalog:
	// unknown tools are created free and active, known tools keep their
	// pricing, tools absent from the list are marked inactive. Returns the
	// number of added and deactivated tools.
	UpsertTools(ctx context.Context, serverID string, discovered []Tool) (added, removed int, err error)

	// SetToolPricing replaces a tool's pricing entries.
	SetToolPricing(ctx context.Context, serverID, toolName string, pricing []PricingEntry) error

	// Close closes any open connections.
	Close() error
}

// NewServerID mints a public server ID.
func NewServerID() string {
	return "srv_" + uuid.NewString()
}

// NewToolID mints a tool ID.
func NewToolID() string {
	return "tool_" + uuid.NewString()
}

// NewPricingID mints a pricing entry ID.
func NewPricingID() string {
	return "price_" + uuid.NewString()
}

// prepareServer fills defaults before insertion.
func prepareServer(server *Server) {
	if server.ID == "" {
		server.ID = NewServerID()
	}
	if server.Status == "" {
		server.Status = StatusActive
	}
	now := time.Now().UTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
}

// prepareTool fills defaults before insertion.
func prepareTool(tool *Tool) {
	if tool.ID == "" {
		tool.ID = NewToolID()
	}
	if tool.Status == "" {
		tool.Status = StatusActive
	}
	now := time.Now().UTC()
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now
}
