package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Wallet         WalletConfig         `yaml:"wallet"`
	Storage        StorageConfig        `yaml:"storage"`
	Registry       RegistryConfig       `yaml:"registry"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	PublicBaseURL      string   `yaml:"public_base_url"` // External URL used in payment requirement resource links
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g. "/gateway")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`        // Request body cap for JSON-RPC messages
}

// FacilitatorConfig holds x402 facilitator service configuration.
type FacilitatorConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"` // Per verify/settle call (default: 15s)
}

// PaymentsConfig holds payment state machine configuration.
type PaymentsConfig struct {
	DefaultMaxTimeout   Duration `yaml:"default_max_timeout"`   // maxTimeoutSeconds advertised in requirements (default: 60s)
	ValidAfterSkew      Duration `yaml:"valid_after_skew"`      // How far in the past validAfter is set when auto-signing (default: 600s)
	JanitorInterval     Duration `yaml:"janitor_interval"`      // How often pending records are swept (default: 60s)
	PendingGracePeriod  Duration `yaml:"pending_grace_period"`  // Added to max timeout before a pending record expires (default: 60s)
	PreferredMainnet    string   `yaml:"preferred_mainnet"`     // Network favored when ordering requirements (default: "base")
	SettlementRetention Duration `yaml:"settlement_retention"`  // How long settled records are kept before archival (0 disables)
	ArchivalInterval    Duration `yaml:"archival_run_interval"` // How often archival runs (default: 24h)
}

// WalletConfig holds managed-wallet provider (Coinbase CDP) configuration.
type WalletConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BaseURL      string   `yaml:"base_url"` // default: https://api.cdp.coinbase.com
	APIKeyID     string   `yaml:"api_key_id"`
	APIKeySecret string   `yaml:"api_key_secret"` // PEM-encoded ECDSA or Ed25519 private key
	WalletSecret string   `yaml:"wallet_secret"`
	Timeout      Duration `yaml:"timeout"` // Signing call timeout (default: 30s)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string (DATABASE_URL)
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	QueryTimeout    Duration            `yaml:"query_timeout"`    // Per-query timeout (default: 5s)
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Payments     TableMappingConfig `yaml:"payments"`      // Payment records table/collection
	Proofs       TableMappingConfig `yaml:"proofs"`        // Validation proofs table/collection
	Servers      TableMappingConfig `yaml:"servers"`       // Registered MCP servers table/collection
	Tools        TableMappingConfig `yaml:"tools"`         // Registered tools table/collection
	APIKeys      TableMappingConfig `yaml:"api_keys"`      // API keys table/collection
	Wallets      TableMappingConfig `yaml:"wallets"`       // User wallets table/collection
	WebhookQueue TableMappingConfig `yaml:"webhook_queue"` // Webhook queue table/collection
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"` // Custom table/collection name
}

// RegistryConfig holds tool/server catalog configuration.
type RegistryConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"` // Per-server catalog cache TTL (default: 60s, 0 disables)
}

// UpstreamConfig holds upstream MCP session pool configuration.
type UpstreamConfig struct {
	IdleTimeout       Duration `yaml:"idle_timeout"`        // Idle session eviction (default: 300s)
	ConnectTimeout    Duration `yaml:"connect_timeout"`     // Dial + initialize handshake timeout (default: 10s)
	CallTimeout       Duration `yaml:"call_timeout"`        // Default tools/call timeout when no requirement applies (default: 60s)
	MaxInFlight       int      `yaml:"max_in_flight"`       // Per-server concurrent call cap (default: 32)
	QueueDepth        int      `yaml:"queue_depth"`         // Waiters allowed beyond the cap before Busy (default: 64)
	PingProbeTimeout  Duration `yaml:"ping_probe_timeout"`  // Per-URL reachability probe during ping ingestion (default: 10s)
	ReaperInterval    Duration `yaml:"reaper_interval"`     // Idle session sweep interval (default: 60s)
	AnnotatePaidTools bool     `yaml:"annotate_paid_tools"` // Rewrite tools/list descriptions with price info (default: true)
}

// WebhooksConfig holds outbound webhook delivery configuration.
type WebhooksConfig struct {
	Enabled       bool        `yaml:"enabled"`
	SigningSecret string      `yaml:"signing_secret"` // HMAC-SHA256 key for X-Webhook-Signature
	Timeout       Duration    `yaml:"timeout"`        // Per-delivery timeout (default: 10s)
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum retry attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-key rate limiting (identified by X-API-KEY header)
	PerKeyEnabled bool     `yaml:"per_key_enabled"`
	PerKeyLimit   int      `yaml:"per_key_limit"`
	PerKeyWindow  Duration `yaml:"per_key_window"`

	// Per-IP rate limiting (fallback when no API key is presented)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds API key authentication configuration.
// Keys are stored hashed; only the SHA-256 of the presented key is compared.
type APIKeyConfig struct {
	Enabled bool `yaml:"enabled"` // Require API keys on catalog mutation routes (default: true)

	// StaticKeys maps SHA-256 key hash -> user ID for deployments without a
	// relational key store. Ignored when the accounts store is backed by a database.
	StaticKeys map[string]string `yaml:"static_keys"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled        bool                 `yaml:"enabled"` // Enable circuit breakers (default: true)
	Facilitator    BreakerServiceConfig `yaml:"facilitator"`
	WalletProvider BreakerServiceConfig `yaml:"wallet_provider"`
	Webhook        BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
