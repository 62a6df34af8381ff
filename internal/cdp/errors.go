package cdp

import (
	"fmt"
	"time"
)

// Error classification for programmatic handling.
const (
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeServerError = "server_error"
	ErrorTypeAuthError   = "auth_error"
	ErrorTypeClientError = "client_error"
)

// Error is a structured wallet-provider API error. Retryable errors (429,
// 5xx) are retried by the client with backoff; auth and client errors fail
// immediately.
type Error struct {
	StatusCode int
	ErrorType  string
	Message    string
	RequestID  string
	Retryable  bool
	RetryAfter time.Duration
	Method     string
	Path       string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("cdp: api error [%d]: %s", e.StatusCode, e.Message)
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request %s)", e.RequestID)
	}
	if e.Method != "" && e.Path != "" {
		msg += fmt.Sprintf(" [%s %s]", e.Method, e.Path)
	}
	return msg
}
