package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/rs/zerolog"
)

// ArchivalConfig holds configuration for pruning processed webhook events.
type ArchivalConfig struct {
	Enabled         bool          // Enable automatic archival (default: false)
	RetentionPeriod time.Duration // How long to keep processed events (default: 90 days)
	RunInterval     time.Duration // How often to run archival (default: 24 hours)
}

// DefaultArchivalConfig returns sensible defaults for webhook event archival.
func DefaultArchivalConfig() ArchivalConfig {
	return ArchivalConfig{
		Enabled:         false,
		RetentionPeriod: 90 * 24 * time.Hour,
		RunInterval:     24 * time.Hour,
	}
}

// ArchivalService deletes processed webhook events past the retention period.
// Unprocessed events are never archived; they stay available for replay.
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
	if config.RunInterval <= 0 {
		config.RunInterval = DefaultArchivalConfig().RunInterval
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = DefaultArchivalConfig().RetentionPeriod
	}
	return &ArchivalService{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  metricsCollector,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the archival background loop.
func (s *ArchivalService) Start() {
	if !s.config.Enabled {
		s.logger.Info().Msg("archival.disabled")
		close(s.doneChan)
		return
	}

	s.logger.Info().
		Dur("retention_period", s.config.RetentionPeriod).
		Dur("run_interval", s.config.RunInterval).
		Msg("archival.started")

	go s.run()
}

// Stop gracefully stops the archival service.
func (s *ArchivalService) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.doneChan
	s.logger.Info().Msg("archival.stopped")
}

// Close implements io.Closer for the lifecycle manager.
func (s *ArchivalService) Close() error {
	s.Stop()
	return nil
}

func (s *ArchivalService) run() {
	defer close(s.doneChan)

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

func (s *ArchivalService) runArchival() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.archive(ctx); err != nil {
		s.logger.Error().Err(err).Msg("archival.failed")
	}
}

func (s *ArchivalService) archive(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.RetentionPeriod)

	count, err := s.store.ArchiveProcessedEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive processed webhook events: %w", err)
	}
	if s.metrics != nil && count > 0 {
		s.metrics.ObserveArchival(count)
	}

	s.logger.Info().
		Int64("events_archived", count).
		Time("older_than", cutoff).
		Msg("archival.completed")
	return count, nil
}

// RunNow immediately runs an archival pass and returns the number of events removed.
func (s *ArchivalService) RunNow(ctx context.Context) (int64, error) {
	if !s.config.Enabled {
		return 0, fmt.Errorf("archival service is disabled")
	}
	return s.archive(ctx)
}
