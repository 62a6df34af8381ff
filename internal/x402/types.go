// Package x402 implements the payments protocol wire format: typed payment
// requirements, signed EIP-3009 payment payloads, settlement responses, and
// the base64-JSON header codec used on X-PAYMENT and X-PAYMENT-RESPONSE.
package x402

// Version is the protocol version carried in every envelope.
const Version = 1

// SchemeExact is the only payment scheme defined by the protocol.
const SchemeExact = "exact"

// Header names used on the HTTP surface.
const (
	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements represents a single payment option advertised in a 402 response.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier (always "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g. "base", "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in base units as a decimal string.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the stable URL of the protected tool.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries scheme-specific data; for EVM assets the EIP-712 domain
	// {name, version} of the token contract.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// RequirementsResponse is the body of an HTTP 402 response.
type RequirementsResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the signed EIP-3009 payment data.
	Payload EVMPayload `json:"payload"`
}

// EVMPayload represents an EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature over the EIP-712 digest.
	Signature string `json:"signature"`

	// Authorization contains the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in base units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing replay.
	Nonce string `json:"nonce"`
}

// SettlementResponse is the decoded X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	// Success indicates whether the payment was settled.
	Success bool `json:"success"`

	// ErrorReason provides details if settlement failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// Transaction is the on-chain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the blockchain network where the payment settled.
	Network string `json:"network"`
}

// Protocol error reasons carried in settlement and verification responses.
const (
	ReasonReplay       = "replay"
	ReasonUnderpayment = "underpayment"
	ReasonWrongNetwork = "wrong_network"
	ReasonExpired      = "expired"
)
