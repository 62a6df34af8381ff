package x402

import (
	"errors"
	"fmt"
)

// ErrMalformedHeader is the root of all payment header decode failures.
var ErrMalformedHeader = errors.New("x402: malformed payment header")

// Decode sub-reasons. Each wraps ErrMalformedHeader so callers can match the
// family with errors.Is and still report the precise failure.
var (
	ErrNotBase64          = fmt.Errorf("%w: not_base64", ErrMalformedHeader)
	ErrNotJSON            = fmt.Errorf("%w: not_json", ErrMalformedHeader)
	ErrShapeViolation     = fmt.Errorf("%w: shape_violation", ErrMalformedHeader)
	ErrBadSignatureFormat = fmt.Errorf("%w: bad_signature_format", ErrMalformedHeader)
)
