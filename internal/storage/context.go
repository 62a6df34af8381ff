package storage

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout is the maximum time allowed for database queries.
	// This prevents queries from hanging indefinitely and causing cascading failures.
	DefaultQueryTimeout = 5 * time.Second
)

// withQueryTimeout wraps the context with a query timeout if one isn't already set.
// This ensures all database operations have a reasonable deadline while respecting
// any existing timeout that the caller may have set.
func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		// Context already has timeout, don't override it
		return ctx, func() {}
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
