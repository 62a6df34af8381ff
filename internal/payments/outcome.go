package payments

import (
	"github.com/ToolGate/gateway/internal/x402"
)

// Outcome is the result of presenting (or omitting) a payment for a
// monetized tool call. Exactly one concrete type is returned per call.
type Outcome interface {
	outcome()
}

// PaymentRequired means the call cannot proceed until the caller pays.
// Accepts lists the payment options; Reason is empty on a bare challenge and
// carries a protocol reason when a presented payment was rejected.
type PaymentRequired struct {
	Reason  string
	Accepts []x402.PaymentRequirements
}

// Proceed means the payment was verified and claimed: the caller must forward
// the tool call upstream and then settle with the carried payload.
type Proceed struct {
	RecordID     string
	Payload      x402.PaymentPayload
	Requirements x402.PaymentRequirements
}

// Settled means this exact payment was already settled earlier; the original
// settlement is returned and no facilitator call was made.
type Settled struct {
	RecordID   string
	Settlement x402.SettlementResponse
}

// Failed means the payment cannot be processed right now. Code is the HTTP
// status the proxy should surface.
type Failed struct {
	Reason string
	Code   int
}

func (PaymentRequired) outcome() {}
func (Proceed) outcome()         {}
func (Settled) outcome()         {}
func (Failed) outcome()          {}
