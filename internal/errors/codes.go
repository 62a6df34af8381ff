package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Payment errors (x402 wire protocol)
const (
	// Payment header failed to decode or validate
	ErrCodePaymentMalformed ErrorCode = "payment_malformed"

	// Facilitator rejected the authorization
	ErrCodePaymentInvalid ErrorCode = "payment_invalid"

	// Local pre-checks before the facilitator is consulted
	ErrCodeUnderpayment       ErrorCode = "underpayment"
	ErrCodeWrongNetwork       ErrorCode = "wrong_network"
	ErrCodePaymentExpired     ErrorCode = "payment_expired"
	ErrCodeUnsupportedScheme  ErrorCode = "unsupported_scheme"
	ErrCodeNoMatchingPricing  ErrorCode = "no_matching_requirement"
	ErrCodePaymentRequired    ErrorCode = "payment_required"
	ErrCodeSettlementFailed   ErrorCode = "settlement_failed"
	ErrCodePaymentAlreadyUsed ErrorCode = "payment_already_used"
)

// Auth errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeForbidden    ErrorCode = "forbidden"
)

// Conflict errors
const (
	ErrCodeDuplicateRegistration ErrorCode = "duplicate_registration"
	ErrCodePaymentInFlight       ErrorCode = "payment_in_flight"
)

// Request validation errors
const (
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidRequest  ErrorCode = "invalid_request"
	ErrCodeRequestTooLarge ErrorCode = "request_too_large"
)

// Resource errors
const (
	ErrCodeServerNotFound  ErrorCode = "server_not_found"
	ErrCodeToolNotFound    ErrorCode = "tool_not_found"
	ErrCodePaymentNotFound ErrorCode = "payment_not_found"
	ErrCodeNotFound        ErrorCode = "not_found"
)

// External service errors
const (
	ErrCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamError          ErrorCode = "upstream_error"
	ErrCodeUpstreamBusy           ErrorCode = "upstream_busy"
	ErrCodeFacilitatorUnavailable ErrorCode = "facilitator_unavailable"
	ErrCodeWalletProviderError    ErrorCode = "wallet_provider_error"
)

// Rate limiting
const (
	ErrCodeRateLimited ErrorCode = "rate_limited"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeFacilitatorUnavailable,
		ErrCodeUpstreamUnavailable,
		ErrCodeUpstreamBusy,
		ErrCodeWalletProviderError,
		ErrCodeRateLimited,
		ErrCodeDatabaseError:
		return true

	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodePaymentMalformed,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidRequest:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodePaymentRequired,
		ErrCodePaymentInvalid,
		ErrCodeUnderpayment,
		ErrCodeWrongNetwork,
		ErrCodePaymentExpired,
		ErrCodeUnsupportedScheme,
		ErrCodeNoMatchingPricing,
		ErrCodeSettlementFailed,
		ErrCodePaymentAlreadyUsed:
		return 402

	case ErrCodeForbidden:
		return 403

	case ErrCodeServerNotFound,
		ErrCodeToolNotFound,
		ErrCodePaymentNotFound,
		ErrCodeNotFound:
		return 404

	case ErrCodeDuplicateRegistration,
		ErrCodePaymentInFlight:
		return 409

	case ErrCodeRequestTooLarge:
		return 413

	case ErrCodeRateLimited:
		return 429

	case ErrCodeUpstreamUnavailable,
		ErrCodeUpstreamError:
		return 502

	case ErrCodeFacilitatorUnavailable,
		ErrCodeUpstreamBusy,
		ErrCodeWalletProviderError:
		return 503

	default:
		return 500
	}
}
