package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}
	if c.Facilitator.Timeout.Duration <= 0 {
		c.Facilitator.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.Payments.DefaultMaxTimeout.Duration <= 0 {
		c.Payments.DefaultMaxTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Payments.ValidAfterSkew.Duration <= 0 {
		c.Payments.ValidAfterSkew = Duration{Duration: 600 * time.Second}
	}
	if c.Payments.JanitorInterval.Duration <= 0 {
		c.Payments.JanitorInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Payments.PendingGracePeriod.Duration <= 0 {
		c.Payments.PendingGracePeriod = Duration{Duration: 60 * time.Second}
	}
	if c.Payments.PreferredMainnet == "" {
		c.Payments.PreferredMainnet = "base"
	}
	if c.Wallet.BaseURL == "" {
		c.Wallet.BaseURL = "https://api.cdp.coinbase.com"
	}
	if c.Wallet.Timeout.Duration <= 0 {
		c.Wallet.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Upstream.MaxInFlight <= 0 {
		c.Upstream.MaxInFlight = 32
	}
	if c.Upstream.QueueDepth < 0 {
		c.Upstream.QueueDepth = 0
	}
	if c.Upstream.IdleTimeout.Duration <= 0 {
		c.Upstream.IdleTimeout = Duration{Duration: 300 * time.Second}
	}
	if c.Upstream.ConnectTimeout.Duration <= 0 {
		c.Upstream.ConnectTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Upstream.CallTimeout.Duration <= 0 {
		c.Upstream.CallTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Upstream.PingProbeTimeout.Duration <= 0 {
		c.Upstream.PingProbeTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Upstream.ReaperInterval.Duration <= 0 {
		c.Upstream.ReaperInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Webhooks.Timeout.Duration <= 0 {
		c.Webhooks.Timeout = Duration{Duration: 10 * time.Second}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Facilitator.URL == "" {
		errs = append(errs, "facilitator.url is required")
	} else if err := validateHTTPURL(c.Facilitator.URL); err != nil {
		errs = append(errs, fmt.Sprintf("facilitator.url: %v", err))
	}

	if err := validateHTTPURL(c.Server.PublicBaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("server.public_base_url: %v", err))
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url (DATABASE_URL) is required for the postgres backend")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required for the mongodb backend")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required for the mongodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	if c.Wallet.Enabled {
		if c.Wallet.APIKeyID == "" {
			errs = append(errs, "wallet.api_key_id (CDP_API_KEY) is required when managed-wallet signing is enabled")
		}
		if c.Wallet.APIKeySecret == "" {
			errs = append(errs, "wallet.api_key_secret (CDP_API_SECRET) is required when managed-wallet signing is enabled")
		}
	}

	if c.Webhooks.Enabled && c.Webhooks.SigningSecret == "" {
		errs = append(errs, "webhooks.signing_secret is required when webhooks are enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateHTTPURL checks that a URL parses and carries an http(s) scheme.
func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	case "":
		return errors.New("url missing scheme")
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
