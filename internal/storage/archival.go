package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// ArchivalConfig holds configuration for automatic payment record archival.
type ArchivalConfig struct {
	Enabled         bool          // Enable automatic archival (default: false)
	RetentionPeriod time.Duration // How long to keep finalized payment records (default: 90 days)
	RunInterval     time.Duration // How often to run archival (default: 24 hours)
}

// DefaultArchivalConfig returns sensible defaults for payment archival.
func DefaultArchivalConfig() ArchivalConfig {
	return ArchivalConfig{
		Enabled:         false,
		RetentionPeriod: 90 * 24 * time.Hour,
		RunInterval:     24 * time.Hour,
	}
}

// ArchivalService deletes finalized payment records beyond the retention
// period on a schedule. Pending records are never archived - the replay guard
// only needs signatures for as long as an authorization could still be valid,
// and retention is far longer than any authorization window.
type ArchivalService struct {
	store    Store
	config   ArchivalConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewArchivalService creates a new archival service.
func NewArchivalService(store Store, config ArchivalConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) *ArchivalService {
	return &ArchivalService{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  metricsCollector,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the archival service background loop.
func (s *ArchivalService) Start() {
	if !s.config.Enabled {
		s.logger.Info().Msg("archival: service disabled")
		close(s.doneChan)
		return
	}

	s.logger.Info().
		Dur("retentionPeriod", s.config.RetentionPeriod).
		Dur("runInterval", s.config.RunInterval).
		Msg("archival: service started")

	go s.run()
}

// Stop gracefully stops the archival service.
func (s *ArchivalService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("archival: service stopped")
}

// run is the main archival loop.
func (s *ArchivalService) run() {
	defer close(s.doneChan)

	// Run immediately on startup
	s.runArchival()

	ticker := time.NewTicker(s.config.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runArchival()
		case <-s.stopChan:
			return
		}
	}
}

// runArchival performs a single archival pass.
func (s *ArchivalService) runArchival() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoffTime := time.Now().Add(-s.config.RetentionPeriod)

	count, err := s.store.ArchiveOldPayments(ctx, cutoffTime)
	if err != nil {
		s.logger.Error().Err(err).Msg("archival: failed to archive old payments")
		return
	}

	if s.metrics != nil && count > 0 {
		s.metrics.ObserveArchival(count)
	}

	s.logger.Info().
		Int64("paymentsArchived", count).
		Time("olderThan", cutoffTime).
		Msg("archival: archival pass completed")
}

// RunNow immediately runs an archival pass (useful for testing or manual triggers).
func (s *ArchivalService) RunNow() error {
	if !s.config.Enabled {
		return fmt.Errorf("archival service is disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoffTime := time.Now().Add(-s.config.RetentionPeriod)

	count, err := s.store.ArchiveOldPayments(ctx, cutoffTime)
	if err != nil {
		return fmt.Errorf("archive old payments: %w", err)
	}

	if s.metrics != nil && count > 0 {
		s.metrics.ObserveArchival(count)
	}

	s.logger.Info().
		Int64("paymentsArchived", count).
		Msg("archival: manual archival completed")

	return nil
}
