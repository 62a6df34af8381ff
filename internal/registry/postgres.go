package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ToolGate/gateway/internal/metrics"
)

// Registry reads sit on the hot path; bound them tighter than writes.
const (
	queryTimeoutGet  = 5 * time.Second
	queryTimeoutList = 10 * time.Second
)

// PostgresRepository implements Repository using PostgreSQL. Tools embed
// their pricing entries as a jsonb column.
type PostgresRepository struct {
	db      *sql.DB
	ownsDB  bool
	metrics *metrics.Metrics

	serversTableName   string
	toolsTableName     string
	ownershipTableName string
}

// NewPostgresRepository connects to PostgreSQL and ensures the catalog
// tables exist.
func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := newPostgresRepository(db)
	repo.ownsDB = true
	if err := repo.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithDB creates a repository on a shared connection
// pool. The caller keeps ownership of the pool.
func NewPostgresRepositoryWithDB(db *sql.DB) (*PostgresRepository, error) {
	repo := newPostgresRepository(db)
	if err := repo.createTables(); err != nil {
		return nil, err
	}
	return repo, nil
}

func newPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:                 db,
		serversTableName:   "mcp_servers",
		toolsTableName:     "mcp_tools",
		ownershipTableName: "server_ownership",
	}
}

// WithMetrics adds query timing instrumentation.
func (r *PostgresRepository) WithMetrics(m *metrics.Metrics) *PostgresRepository {
	r.metrics = m
	return r
}

func (r *PostgresRepository) createTables() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		mcp_origin TEXT NOT NULL,
		receiver_address TEXT NOT NULL,
		require_auth BOOLEAN NOT NULL DEFAULT FALSE,
		auth_headers JSONB,
		status TEXT NOT NULL DEFAULT 'active',
		creator_id TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_%[1]s_origin_creator UNIQUE (mcp_origin, creator_id)
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		input_schema JSONB,
		pricing JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_%[2]s_server_name UNIQUE (server_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_%[2]s_server_id ON %[2]s(server_id);

	CREATE TABLE IF NOT EXISTS %[3]s (
		server_id TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'owner',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (server_id, user_id)
	);
	`, r.serversTableName, r.toolsTableName, r.ownershipTableName)

	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("create registry tables: %w", err)
	}
	return nil
}

const serverSelectColumns = `id, name, description, mcp_origin, receiver_address, require_auth,
	auth_headers, status, creator_id, webhook_url, webhook_secret, created_at, updated_at`

const toolSelectColumns = `id, server_id, name, description, input_schema, pricing, status, created_at, updated_at`

// GetServer returns a server by ID.
func (r *PostgresRepository) GetServer(ctx context.Context, serverID string) (Server, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_server", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, serverSelectColumns, r.serversTableName)
	return r.scanServer(r.db.QueryRowContext(ctx, query, serverID))
}

// FindByOrigin returns the server registered for (origin, creator).
func (r *PostgresRepository) FindByOrigin(ctx context.Context, mcpOrigin, creatorID string) (Server, error) {
	defer metrics.MeasureDBQuery(r.metrics, "find_server_by_origin", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mcp_origin = $1 AND creator_id = $2`,
		serverSelectColumns, r.serversTableName)
	return r.scanServer(r.db.QueryRowContext(ctx, query, mcpOrigin, creatorID))
}

// CreateServer registers a server and records its ownership.
func (r *PostgresRepository) CreateServer(ctx context.Context, server Server) error {
	defer metrics.MeasureDBQuery(r.metrics, "create_server", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	prepareServer(&server)

	authHeaders, err := json.Marshal(server.AuthHeaders)
	if err != nil {
		return fmt.Errorf("marshal auth headers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insertServer := fmt.Sprintf(`
		INSERT INTO %s (id, name, description, mcp_origin, receiver_address, require_auth,
			auth_headers, status, creator_id, webhook_url, webhook_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, r.serversTableName)

	_, err = tx.ExecContext(ctx, insertServer,
		server.ID, server.Name, server.Description, server.MCPOrigin, server.ReceiverAddress,
		server.RequireAuth, authHeaders, server.Status, server.CreatorID,
		server.WebhookURL, server.WebhookSecret, server.CreatedAt, server.UpdatedAt,
	)
	if err != nil {
		return mapServerInsertError(err)
	}

	if server.CreatorID != "" {
		insertOwnership := fmt.Sprintf(`
			INSERT INTO %s (server_id, user_id, role) VALUES ($1, $2, 'owner')
			ON CONFLICT (server_id, user_id) DO NOTHING`, r.ownershipTableName)
		if _, err := tx.ExecContext(ctx, insertOwnership, server.ID, server.CreatorID); err != nil {
			return fmt.Errorf("insert ownership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SetServerStatus transitions a server between active and inactive.
func (r *PostgresRepository) SetServerStatus(ctx context.Context, serverID, status string) error {
	defer metrics.MeasureDBQuery(r.metrics, "set_server_status", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1`, r.serversTableName)
	result, err := r.db.ExecContext(ctx, query, serverID, status)
	if err != nil {
		return fmt.Errorf("update server status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrServerNotFound
	}
	return nil
}

// ListTools returns all tools of a server.
func (r *PostgresRepository) ListTools(ctx context.Context, serverID string) ([]Tool, error) {
	defer metrics.MeasureDBQuery(r.metrics, "list_tools", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutList)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE server_id = $1 ORDER BY name`,
		toolSelectColumns, r.toolsTableName)
	rows, err := r.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("query tools: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		tool, err := r.scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// GetToolByName returns one tool by (server, name).
func (r *PostgresRepository) GetToolByName(ctx context.Context, serverID, name string) (Tool, error) {
	defer metrics.MeasureDBQuery(r.metrics, "get_tool", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE server_id = $1 AND name = $2`,
		toolSelectColumns, r.toolsTableName)
	return r.scanToolRow(r.db.QueryRowContext(ctx, query, serverID, name))
}

// UpsertTools reconciles the discovered tool list against the catalog inside
// one transaction.
func (r *PostgresRepository) UpsertTools(ctx context.Context, serverID string, discovered []Tool) (int, int, error) {
	defer metrics.MeasureDBQuery(r.metrics, "upsert_tools", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutList)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing := make(map[string]bool)
	listQuery := fmt.Sprintf(`SELECT name FROM %s WHERE server_id = $1`, r.toolsTableName)
	rows, err := tx.QueryContext(ctx, listQuery, serverID)
	if err != nil {
		return 0, 0, fmt.Errorf("query tool names: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan tool name: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	// New tools start free; known tools keep their pricing column untouched.
	upsert := fmt.Sprintf(`
		INSERT INTO %s (id, server_id, name, description, input_schema, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', NOW(), NOW())
		ON CONFLICT (server_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			input_schema = EXCLUDED.input_schema,
			status = 'active',
			updated_at = NOW()`, r.toolsTableName)

	added := 0
	seen := make(map[string]bool, len(discovered))
	for _, tool := range discovered {
		seen[tool.Name] = true
		if !existing[tool.Name] {
			added++
		}
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx, upsert, NewToolID(), serverID, tool.Name, tool.Description, []byte(schema)); err != nil {
			return 0, 0, fmt.Errorf("upsert tool %s: %w", tool.Name, err)
		}
	}

	removed := 0
	if len(existing) > 0 {
		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		deactivate := fmt.Sprintf(`
			UPDATE %s SET status = 'inactive', updated_at = NOW()
			WHERE server_id = $1 AND status = 'active' AND NOT (name = ANY($2))`, r.toolsTableName)
		result, err := tx.ExecContext(ctx, deactivate, serverID, pq.Array(names))
		if err != nil {
			return 0, 0, fmt.Errorf("deactivate tools: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("rows affected: %w", err)
		}
		removed = int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit tx: %w", err)
	}
	return added, removed, nil
}

// SetToolPricing replaces a tool's pricing entries.
func (r *PostgresRepository) SetToolPricing(ctx context.Context, serverID, toolName string, pricing []PricingEntry) error {
	defer metrics.MeasureDBQuery(r.metrics, "set_tool_pricing", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	now := time.Now().UTC()
	for i := range pricing {
		if pricing[i].ID == "" {
			pricing[i].ID = NewPricingID()
		}
		if pricing[i].CreatedAt.IsZero() {
			pricing[i].CreatedAt = now
		}
	}
	if pricing == nil {
		pricing = []PricingEntry{}
	}
	encoded, err := json.Marshal(pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET pricing = $3, updated_at = NOW()
		WHERE server_id = $1 AND name = $2`, r.toolsTableName)
	result, err := r.db.ExecContext(ctx, query, serverID, toolName, encoded)
	if err != nil {
		return fmt.Errorf("update tool pricing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrToolNotFound
	}
	return nil
}

// Close closes the underlying pool when this repository owns it.
func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PostgresRepository) scanServer(row rowScanner) (Server, error) {
	var (
		server      Server
		authHeaders []byte
	)
	err := row.Scan(
		&server.ID, &server.Name, &server.Description, &server.MCPOrigin,
		&server.ReceiverAddress, &server.RequireAuth, &authHeaders,
		&server.Status, &server.CreatorID, &server.WebhookURL, &server.WebhookSecret,
		&server.CreatedAt, &server.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, ErrServerNotFound
	}
	if err != nil {
		return Server{}, fmt.Errorf("scan server: %w", err)
	}

	if len(authHeaders) > 0 && string(authHeaders) != "null" {
		if err := json.Unmarshal(authHeaders, &server.AuthHeaders); err != nil {
			return Server{}, fmt.Errorf("unmarshal auth headers: %w", err)
		}
	}
	return server, nil
}

func (r *PostgresRepository) scanTool(row rowScanner) (Tool, error) {
	var (
		tool        Tool
		inputSchema []byte
		pricing     []byte
	)
	err := row.Scan(
		&tool.ID, &tool.ServerID, &tool.Name, &tool.Description,
		&inputSchema, &pricing, &tool.Status, &tool.CreatedAt, &tool.UpdatedAt,
	)
	if err != nil {
		return Tool{}, fmt.Errorf("scan tool: %w", err)
	}

	if len(inputSchema) > 0 && string(inputSchema) != "null" {
		tool.InputSchema = json.RawMessage(inputSchema)
	}
	if len(pricing) > 0 {
		if err := json.Unmarshal(pricing, &tool.Pricing); err != nil {
			return Tool{}, fmt.Errorf("unmarshal pricing: %w", err)
		}
	}
	return tool, nil
}

func (r *PostgresRepository) scanToolRow(row *sql.Row) (Tool, error) {
	tool, err := r.scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Tool{}, ErrToolNotFound
	}
	return tool, err
}

func mapServerInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "origin") {
			return ErrDuplicateServer
		}
	}
	return fmt.Errorf("insert server: %w", err)
}

// withQueryTimeout adds a timeout to the context if not already set.
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
