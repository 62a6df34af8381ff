package payments

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/storage"
)

// DefaultJanitorInterval is how often abandoned pending payments are swept.
const DefaultJanitorInterval = 60 * time.Second

// expiryGrace is added to the authorization window before a pending record is
// considered abandoned. An in-flight settlement near the window edge must
// never race the sweep.
const expiryGrace = 60 * time.Second

// Janitor expires pending payment records whose authorization window has
// passed. A pending record only stays pending when the gateway died between
// claim and settle; the sweep turns those into failed records so the
// signature's fate is recorded.
type Janitor struct {
	store    storage.Store
	metrics  *metrics.Metrics
	interval time.Duration
	maxAge   time.Duration
}

// NewJanitor creates a janitor sweeping records older than
// maxTimeoutSeconds plus a grace period.
func NewJanitor(store storage.Store, m *metrics.Metrics, interval time.Duration, maxTimeoutSeconds int) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	return &Janitor{
		store:    store,
		metrics:  m,
		interval: interval,
		maxAge:   time.Duration(maxTimeoutSeconds)*time.Second + expiryGrace,
	}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.maxAge)
	expired, err := j.store.ExpirePending(ctx, cutoff)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("pending payment sweep failed")
		return
	}
	if expired > 0 {
		j.metrics.ObservePendingExpired(expired)
		zerolog.Ctx(ctx).Info().Int64("expired", expired).Msg("expired abandoned pending payments")
	}
}
