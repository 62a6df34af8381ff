package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Platform-conventional names (DATABASE_URL, FACILITATOR_URL, CDP_*) are read
// as-is; everything else uses the GATEWAY_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "GATEWAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.PublicBaseURL, "GATEWAY_PUBLIC_BASE_URL")
	setIfEnv(&c.Server.RoutePrefix, "GATEWAY_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "GATEWAY_ADMIN_METRICS_API_KEY")
	setDurationIfEnv(&c.Server.ReadTimeout, "GATEWAY_READ_TIMEOUT")
	setDurationIfEnv(&c.Server.WriteTimeout, "GATEWAY_WRITE_TIMEOUT")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "GATEWAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "GATEWAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "GATEWAY_ENVIRONMENT")

	// Facilitator config
	setIfEnv(&c.Facilitator.URL, "FACILITATOR_URL")
	setDurationIfEnv(&c.Facilitator.Timeout, "GATEWAY_FACILITATOR_TIMEOUT")

	// Payments config
	setDurationIfEnv(&c.Payments.DefaultMaxTimeout, "GATEWAY_PAYMENT_MAX_TIMEOUT")
	setDurationIfEnv(&c.Payments.JanitorInterval, "GATEWAY_JANITOR_INTERVAL")
	setDurationIfEnv(&c.Payments.PendingGracePeriod, "GATEWAY_PENDING_GRACE_PERIOD")
	setIfEnv(&c.Payments.PreferredMainnet, "GATEWAY_PREFERRED_MAINNET")

	// Managed-wallet provider config
	setIfEnv(&c.Wallet.BaseURL, "GATEWAY_CDP_BASE_URL")
	setIfEnv(&c.Wallet.APIKeyID, "CDP_API_KEY")
	setIfEnv(&c.Wallet.APIKeySecret, "CDP_API_SECRET")
	setIfEnv(&c.Wallet.WalletSecret, "CDP_WALLET_SECRET")
	if c.Wallet.APIKeyID != "" && c.Wallet.APIKeySecret != "" {
		c.Wallet.Enabled = true
	}
	setBoolIfEnv(&c.Wallet.Enabled, "GATEWAY_WALLET_ENABLED")

	// Storage config
	setIfEnv(&c.Storage.Backend, "GATEWAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DATABASE_URL")
	setIfEnv(&c.Storage.MongoDBURL, "GATEWAY_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "GATEWAY_MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.QueryTimeout, "GATEWAY_STORAGE_QUERY_TIMEOUT")
	if c.Storage.PostgresURL != "" && os.Getenv("GATEWAY_STORAGE_BACKEND") == "" && c.Storage.Backend == "memory" {
		c.Storage.Backend = "postgres"
	}

	// Registry config
	setDurationIfEnv(&c.Registry.CacheTTL, "GATEWAY_REGISTRY_CACHE_TTL")

	// Upstream config
	setDurationIfEnv(&c.Upstream.IdleTimeout, "GATEWAY_UPSTREAM_IDLE_TIMEOUT")
	setDurationIfEnv(&c.Upstream.ConnectTimeout, "GATEWAY_UPSTREAM_CONNECT_TIMEOUT")
	setIntIfEnv(&c.Upstream.MaxInFlight, "GATEWAY_UPSTREAM_MAX_IN_FLIGHT")
	setIntIfEnv(&c.Upstream.QueueDepth, "GATEWAY_UPSTREAM_QUEUE_DEPTH")
	setBoolIfEnv(&c.Upstream.AnnotatePaidTools, "GATEWAY_ANNOTATE_PAID_TOOLS")

	// Webhooks config
	setBoolIfEnv(&c.Webhooks.Enabled, "GATEWAY_WEBHOOKS_ENABLED")
	setIfEnv(&c.Webhooks.SigningSecret, "GATEWAY_WEBHOOK_SIGNING_SECRET")
	setDurationIfEnv(&c.Webhooks.Timeout, "GATEWAY_WEBHOOK_TIMEOUT")

	// API key config
	setBoolIfEnv(&c.APIKey.Enabled, "GATEWAY_API_KEY_ENABLED")
	// Load static keys (GATEWAY_API_KEY_HASH_<USERID>=<sha256 hex>)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "GATEWAY_API_KEY_HASH_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		userID := strings.ToLower(strings.TrimPrefix(parts[0], "GATEWAY_API_KEY_HASH_"))
		hash := strings.TrimSpace(parts[1])
		if userID == "" || hash == "" {
			continue
		}
		if c.APIKey.StaticKeys == nil {
			c.APIKey.StaticKeys = make(map[string]string)
		}
		c.APIKey.StaticKeys[strings.ToLower(hash)] = userID
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "gateway" -> "/gateway"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
