// Package facilitator implements the HTTP client for the external x402
// facilitator service, which verifies payment signatures off-chain and
// settles them on-chain on the gateway's behalf.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ToolGate/gateway/internal/circuitbreaker"
	"github.com/ToolGate/gateway/internal/httputil"
	"github.com/ToolGate/gateway/internal/logger"
	"github.com/ToolGate/gateway/internal/x402"
	"github.com/sony/gobreaker"
)

// ErrUnavailable indicates the facilitator could not be reached or answered
// with a server error. Callers should surface this as a retryable condition
// and must not treat it as a payment rejection.
var ErrUnavailable = errors.New("facilitator unavailable")

// DefaultTimeout bounds a single verify or settle round trip.
const DefaultTimeout = 15 * time.Second

// Client talks to an x402 facilitator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
}

// NewClient creates a facilitator client. A nil breaker disables circuit
// breaking; timeout <= 0 falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Manager) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httputil.NewClient(timeout),
		breaker:    breaker,
	}
}

// request is the body shared by the verify and settle endpoints.
type request struct {
	X402Version         int                      `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's answer to a verification request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SupportedKind describes one (scheme, network) pair the facilitator can
// settle, optionally with EIP-712 domain data for the network's default asset.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the facilitator's capability listing.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Verify asks the facilitator to check a payment signature against the given
// requirements, via POST {base}/{network}/verify. A reachable facilitator that
// rejects the payment returns (VerifyResponse{IsValid: false, ...}, nil); only
// transport-level failures return an error.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (VerifyResponse, error) {
	var out VerifyResponse
	body, err := c.post(ctx, "/"+payload.Network+"/verify", request{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: decode verify response: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Settle asks the facilitator to broadcast the payment on-chain, via POST
// {base}/{network}/settle. Settlement rejections (including nonce replays)
// come back as a SettlementResponse with Success=false; only transport-level
// failures return an error.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (x402.SettlementResponse, error) {
	var out x402.SettlementResponse
	body, err := c.post(ctx, "/"+payload.Network+"/settle", request{
		X402Version:         x402.Version,
		PaymentPayload:      payload,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: decode settle response: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Supported fetches the facilitator's supported (scheme, network) kinds.
func (c *Client) Supported(ctx context.Context) (SupportedResponse, error) {
	var out SupportedResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return out, fmt.Errorf("build supported request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("%w: decode supported response: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload request) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// do executes the request inside the facilitator circuit breaker and maps
// transport failures and 5xx answers to ErrUnavailable.
func (c *Client) do(req *http.Request) ([]byte, error) {
	log := logger.FromContext(req.Context())

	execute := func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
		}

		if resp.StatusCode >= 500 {
			log.Warn().
				Int("status", resp.StatusCode).
				Str("url", req.URL.Path).
				Msg("facilitator server error")
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("facilitator rejected request: status %d: %s", resp.StatusCode, truncate(body, 256))
		}
		return body, nil
	}

	var (
		result interface{}
		err    error
	)
	if c.breaker != nil {
		result, err = c.breaker.Execute(circuitbreaker.ServiceFacilitator, execute)
	} else {
		result, err = execute()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
