package storage

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the lifecycle state of a payment record.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Verified, claimed, upstream call in flight
	PaymentStatusCompleted PaymentStatus = "completed" // Settled on-chain
	PaymentStatusFailed    PaymentStatus = "failed"    // Settlement failed or pending claim expired
)

// FailureReasonExpired marks pending records abandoned past their grace period.
const FailureReasonExpired = "expired"

// PaymentRecord represents one payment authorization accepted by the gateway.
// The signature is globally unique - inserting it claims the authorization and
// is the gateway-side replay guard. A signature that exists here, in any
// status, can never be presented again as a new payment.
type PaymentRecord struct {
	ID              string            // Payment identifier (pay_<uuid>)
	ServerID        string            // Registered MCP server the tool belongs to
	ToolName        string            // Tool that was paid for
	Resource        string            // Stable resource URL from the requirements
	Signature       string            // EIP-3009 authorization signature (globally unique)
	Payer           string            // Address that signed the authorization
	PayTo           string            // Recipient address
	Asset           string            // Token contract address
	Network         string            // Blockchain network identifier
	Amount          string            // Amount in base units (decimal string)
	Status          PaymentStatus     // Current lifecycle state
	FailureReason   string            // Why the payment failed (when status=failed)
	TransactionHash string            // On-chain settlement transaction (when status=completed)
	CreatedAt       time.Time         // When the authorization was claimed
	SettledAt       *time.Time        // When settlement completed
	Metadata        map[string]string // Additional metadata
}

// IsFinal reports whether the record has left the pending state.
func (p PaymentRecord) IsFinal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// SettlementProof is the durable copy of a facilitator settlement response,
// keyed by payment signature so clients can re-fetch proof of payment later.
type SettlementProof struct {
	Signature   string          // Payment signature the proof belongs to
	PaymentID   string          // Payment record identifier
	Transaction string          // On-chain transaction hash
	Network     string          // Network where the payment settled
	Payer       string          // Address that made the payment
	Response    json.RawMessage // Raw facilitator settlement response
	CreatedAt   time.Time       // When the proof was recorded
}
