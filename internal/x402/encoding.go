package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// maxIntegerValue bounds value and timestamp fields (10^18).
var maxIntegerValue = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EncodePayment converts a PaymentPayload to the base64 JSON form carried in
// the X-PAYMENT header. Addresses are checksummed on the way out.
func EncodePayment(payment PaymentPayload) (string, error) {
	payment.Payload.Authorization.From = checksum(payment.Payload.Authorization.From)
	payment.Payload.Authorization.To = checksum(payment.Payload.Authorization.To)

	data, err := json.Marshal(payment)
	if err != nil {
		return "", fmt.Errorf("marshal payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses and validates an X-PAYMENT header value.
func DecodePayment(encoded string) (PaymentPayload, error) {
	var payment PaymentPayload

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return payment, ErrNotBase64
	}

	if err := json.Unmarshal(decoded, &payment); err != nil {
		return payment, ErrNotJSON
	}

	if err := payment.Validate(); err != nil {
		return payment, err
	}
	return payment, nil
}

// EncodeSettlement converts a SettlementResponse to the base64 JSON form
// carried in the X-PAYMENT-RESPONSE header.
func EncodeSettlement(settlement SettlementResponse) (string, error) {
	data, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (SettlementResponse, error) {
	var settlement SettlementResponse

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return settlement, ErrNotBase64
	}

	if err := json.Unmarshal(decoded, &settlement); err != nil {
		return settlement, ErrNotJSON
	}
	return settlement, nil
}

// Validate checks the payload against the wire shape schema.
func (p PaymentPayload) Validate() error {
	if p.X402Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrShapeViolation, p.X402Version)
	}
	if p.Scheme != SchemeExact {
		return fmt.Errorf("%w: unsupported scheme %q", ErrShapeViolation, p.Scheme)
	}
	if p.Network == "" {
		return fmt.Errorf("%w: missing network", ErrShapeViolation)
	}
	if err := validateSignature(p.Payload.Signature); err != nil {
		return err
	}
	return p.Payload.Authorization.Validate()
}

// Validate checks the authorization fields against the wire shape schema.
func (a EVMAuthorization) Validate() error {
	if !isHexAddress(a.From) {
		return fmt.Errorf("%w: bad from address", ErrShapeViolation)
	}
	if !isHexAddress(a.To) {
		return fmt.Errorf("%w: bad to address", ErrShapeViolation)
	}
	for name, v := range map[string]string{"value": a.Value, "validAfter": a.ValidAfter, "validBefore": a.ValidBefore} {
		if err := validateIntegerString(v); err != nil {
			return fmt.Errorf("%w: bad %s: %v", ErrShapeViolation, name, err)
		}
	}
	if !isHexBytes(a.Nonce, 32) {
		return fmt.Errorf("%w: nonce must be 32 bytes hex", ErrShapeViolation)
	}
	return nil
}

// validateSignature accepts a standard 65-byte ECDSA signature or a longer
// EIP-6492 wrapped smart-account signature. Either way it must be 0x hex.
func validateSignature(sig string) error {
	if !strings.HasPrefix(sig, "0x") {
		return ErrBadSignatureFormat
	}
	body := sig[2:]
	if len(body) < 130 || len(body)%2 != 0 {
		return ErrBadSignatureFormat
	}
	if !isHex(body) {
		return ErrBadSignatureFormat
	}
	return nil
}

// validateIntegerString checks a decimal integer string is >= 0 and <= 10^18.
func validateIntegerString(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("not an integer")
	}
	if n.Sign() < 0 {
		return fmt.Errorf("negative")
	}
	if n.Cmp(maxIntegerValue) > 0 {
		return fmt.Errorf("exceeds 10^18")
	}
	return nil
}

func isHexAddress(s string) bool {
	return common.IsHexAddress(s)
}

func isHexBytes(s string, n int) bool {
	if !strings.HasPrefix(s, "0x") {
		return false
	}
	body := s[2:]
	return len(body) == n*2 && isHex(body)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// checksum re-exports an address in EIP-55 checksummed form when it parses.
func checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}
