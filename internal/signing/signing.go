// Package signing produces signed payment headers on behalf of authenticated
// callers that did not attach one themselves. Strategies are consulted in
// priority order; the first one that can serve the request signs it.
package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/x402"
)

// ErrNoStrategy is returned when no configured strategy can serve a request.
var ErrNoStrategy = errors.New("signing: no strategy can sign this payment")

// Request carries everything a strategy needs to produce a payment.
type Request struct {
	// Identity is the authenticated caller, nil for anonymous requests.
	Identity *accounts.Identity

	// Requirements is the payment option selected for signing.
	Requirements x402.PaymentRequirements
}

// Strategy signs payments one particular way.
type Strategy interface {
	Name() string

	// CanSign reports whether the strategy can serve this request. It must
	// be side-effect free.
	CanSign(ctx context.Context, req *Request) bool

	// Sign returns the encoded payment header value.
	Sign(ctx context.Context, req *Request) (string, error)
}

// Selector holds strategies in priority order. The first strategy whose
// CanSign returns true gets the request; a failed Sign is returned to the
// caller, never retried with a lower-priority strategy.
type Selector struct {
	strategies []Strategy
}

func NewSelector(strategies ...Strategy) *Selector {
	return &Selector{strategies: strategies}
}

// Sign picks a strategy and signs the payment.
func (s *Selector) Sign(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("signing: request must not be nil")
	}
	for _, strategy := range s.strategies {
		if !strategy.CanSign(ctx, req) {
			continue
		}
		header, err := strategy.Sign(ctx, req)
		if err != nil {
			return "", fmt.Errorf("signing: strategy %s: %w", strategy.Name(), err)
		}
		return header, nil
	}
	return "", ErrNoStrategy
}
