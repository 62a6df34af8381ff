package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			PublicBaseURL: "http://localhost:8080",
			ReadTimeout:   Duration{Duration: 15 * time.Second},
			WriteTimeout:  Duration{Duration: 120 * time.Second},
			IdleTimeout:   Duration{Duration: 60 * time.Second},
			MaxBodyBytes:  4 << 20,
		},
		Facilitator: FacilitatorConfig{
			URL:     "https://facilitator.x402.rs",
			Timeout: Duration{Duration: 15 * time.Second},
		},
		Payments: PaymentsConfig{
			DefaultMaxTimeout:  Duration{Duration: 60 * time.Second},
			ValidAfterSkew:     Duration{Duration: 600 * time.Second},
			JanitorInterval:    Duration{Duration: 60 * time.Second},
			PendingGracePeriod: Duration{Duration: 60 * time.Second},
			PreferredMainnet:   "base",
			ArchivalInterval:   Duration{Duration: 24 * time.Hour},
		},
		Wallet: WalletConfig{
			BaseURL: "https://api.cdp.coinbase.com",
			Timeout: Duration{Duration: 30 * time.Second},
		},
		Storage: StorageConfig{
			Backend:      "memory",
			QueryTimeout: Duration{Duration: 5 * time.Second},
		},
		Registry: RegistryConfig{
			CacheTTL: Duration{Duration: 60 * time.Second},
		},
		Upstream: UpstreamConfig{
			IdleTimeout:       Duration{Duration: 300 * time.Second},
			ConnectTimeout:    Duration{Duration: 10 * time.Second},
			CallTimeout:       Duration{Duration: 60 * time.Second},
			MaxInFlight:       32,
			QueueDepth:        64,
			PingProbeTimeout:  Duration{Duration: 10 * time.Second},
			ReaperInterval:    Duration{Duration: 60 * time.Second},
			AnnotatePaidTools: true,
		},
		Webhooks: WebhooksConfig{
			Timeout: Duration{Duration: 10 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		RateLimit: RateLimitConfig{
			// Generous limits, designed to prevent spam rather than restrict legitimate use
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerKeyEnabled: true,
			PerKeyLimit:   300,
			PerKeyWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled:    true,
			StaticKeys: make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			WalletProvider: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for webhooks
				ConsecutiveFailures: 10,                                   // More tolerant for webhooks
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
