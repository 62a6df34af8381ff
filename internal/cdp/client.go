package cdp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ToolGate/gateway/internal/circuitbreaker"
	"github.com/ToolGate/gateway/internal/httputil"
)

// DefaultBaseURL is the production wallet-provider API endpoint.
const DefaultBaseURL = "https://api.cdp.coinbase.com"

// DefaultTimeout bounds a single signing or account call.
const DefaultTimeout = 30 * time.Second

// Retry policy for transient failures.
const (
	maxAttempts  = 5
	initialDelay = 100 * time.Millisecond
	maxDelay     = 10 * time.Second
	multiplier   = 2.0
)

// clientAuth allows tests to substitute token generation.
type clientAuth interface {
	GenerateBearerToken(method, path string) (string, error)
	GenerateWalletAuthToken(method, path string, bodyHash []byte) (string, error)
}

// Client is the wallet-provider REST client. It handles JWT auth headers,
// retry with exponential backoff on 429/5xx, and routes calls through the
// wallet-provider circuit breaker. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       clientAuth
	breaker    *circuitbreaker.Manager
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithBreaker routes calls through the circuit breaker manager.
func WithBreaker(breaker *circuitbreaker.Manager) Option {
	return func(c *Client) { c.breaker = breaker }
}

// NewClient creates a wallet-provider client.
func NewClient(auth clientAuth, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: httputil.NewClient(DefaultTimeout),
		auth:       auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do executes one authenticated request.
func (c *Client) do(ctx context.Context, method, path string, body, result any, requireWalletAuth bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cdp: marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("cdp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.GenerateBearerToken(method, path)
	if err != nil {
		return fmt.Errorf("cdp: generate bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if requireWalletAuth {
		// Wallet-auth binds the token to these exact body bytes.
		hash := sha256.Sum256(bodyBytes)
		walletToken, err := c.auth.GenerateWalletAuthToken(method, path, hash[:])
		if err != nil {
			return fmt.Errorf("cdp: generate wallet auth token: %w", err)
		}
		req.Header.Set("X-Wallet-Auth", walletToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cdp: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyError(resp, method, path)
	}

	if result != nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("cdp: read response body: %w", err)
		}
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("cdp: decode response: %w", err)
		}
	}
	return nil
}

// doWithRetry retries transient failures inside one breaker execution, so a
// request that eventually succeeds counts as a single success.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body, result any, requireWalletAuth bool) error {
	operation := func() error {
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			err := c.do(ctx, method, path, body, result, requireWalletAuth)
			if err == nil {
				return nil
			}
			lastErr = err

			var apiErr *Error
			if !errors.As(err, &apiErr) || !apiErr.Retryable {
				return err
			}
			if attempt == maxAttempts-1 {
				return err
			}

			delay := apiErr.RetryAfter
			if delay <= 0 {
				delay = backoffDelay(attempt)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return fmt.Errorf("cdp: max retry attempts exceeded: %w", lastErr)
	}

	if c.breaker == nil {
		return operation()
	}
	_, err := c.breaker.Execute(circuitbreaker.ServiceWalletProvider, func() (any, error) {
		return nil, operation()
	})
	return err
}

func classifyError(resp *http.Response, method, path string) error {
	apiErr := &Error{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
		Method:     method,
		Path:       path,
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr.Message = string(body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.ErrorType = ErrorTypeRateLimit
		apiErr.Retryable = true
		apiErr.RetryAfter = parseRetryAfter(resp)
		if apiErr.Message == "" {
			apiErr.Message = "rate limit exceeded"
		}
	case resp.StatusCode >= 500:
		apiErr.ErrorType = ErrorTypeServerError
		apiErr.Retryable = true
		if apiErr.Message == "" {
			apiErr.Message = "server error"
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.ErrorType = ErrorTypeAuthError
		if apiErr.Message == "" {
			apiErr.Message = "authentication failed"
		}
	default:
		apiErr.ErrorType = ErrorTypeClientError
		if apiErr.Message == "" {
			apiErr.Message = "invalid request"
		}
	}
	return apiErr
}

// parseRetryAfter reads the Retry-After header, seconds or HTTP date.
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, retryAfter); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// backoffDelay is exponential with a ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := float64(initialDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	jitterRange := delay / 2.0
	jitter := (rand.Float64() * jitterRange) - (jitterRange / 2.0)

	result := time.Duration(delay + jitter)
	if result < 0 {
		result = initialDelay
	}
	return result
}
