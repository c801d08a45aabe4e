package payments

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/rs/zerolog"
)

// SweeperConfig controls the server-side pull path for sessions whose webhook
// never arrived.
type SweeperConfig struct {
	Enabled      bool
	Interval     time.Duration // default: 5m
	StaleAfter   time.Duration // verify sessions older than this (default: 15m)
	AbandonAfter time.Duration // cancel abandoned sessions older than this (default: 24h)
	BatchSize    int           // default: 100
}

// SweeperConfigFrom maps the reconciler section onto a SweeperConfig.
func SweeperConfigFrom(cfg config.ReconcilerConfig) SweeperConfig {
	return SweeperConfig{
		Enabled:      cfg.Enabled,
		Interval:     cfg.Interval.Duration,
		StaleAfter:   cfg.StaleAfter.Duration,
		AbandonAfter: cfg.AbandonAfter.Duration,
		BatchSize:    cfg.BatchSize,
	}
}

// SweepStats summarises one pass.
type SweepStats struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Sweeper periodically verifies open sessions with the gateway.
type Sweeper struct {
	service  *Service
	config   SweeperConfig
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper builds a sweeper over the service.
func NewSweeper(service *Service, cfg SweeperConfig, log zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.AbandonAfter < cfg.StaleAfter {
		cfg.AbandonAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		service:  service,
		config:   cfg,
		logger:   log,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the background loop. A disabled sweeper returns immediately.
func (s *Sweeper) Start() {
	if !s.config.Enabled {
		s.logger.Info().Msg("reconciler.disabled")
		close(s.doneChan)
		return
	}
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("stale_after", s.config.StaleAfter).
		Dur("abandon_after", s.config.AbandonAfter).
		Msg("reconciler.started")
	go s.run()
}

// Stop halts the loop and waits for an in-progress pass.
func (s *Sweeper) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.doneChan
	s.logger.Info().Msg("reconciler.stopped")
}

// Close implements io.Closer for the lifecycle manager.
func (s *Sweeper) Close() error {
	s.Stop()
	return nil
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
			stats, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Error().Err(err).Msg("reconciler.failed")
				continue
			}
			if stats.Checked > 0 {
				s.logger.Info().
					Int("checked", stats.Checked).
					Int("completed", stats.Completed).
					Int("failed", stats.Failed).
					Int("cancelled", stats.Cancelled).
					Int("errors", stats.Errors).
					Msg("reconciler.completed")
			}
		case <-s.stopChan:
			return
		}
	}
}

// Sweep runs one pass over stale open sessions.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	s.service.metrics.ObserveReconcilerRun()
	now := s.service.now()

	sessions, err := s.service.store.ListOpenSessions(ctx, now.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		return SweepStats{}, err
	}

	var stats SweepStats
	for _, session := range sessions {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-s.stopChan:
			return stats, nil
		default:
		}
		stats.Checked++

		log := s.logger.With().Str("reference", logger.TruncateReference(session.Reference)).Logger()
		updated, outcome, err := s.service.reconcile(ctx, session)
		if err != nil && !gateway.IsNotFound(err) {
			stats.Errors++
			s.service.metrics.ObserveReconciledSession("error")
			log.Warn().Err(err).Msg("reconciler.verify_failed")
			continue
		}

		// The gateway has no transaction when checkout was never opened.
		abandoned := outcome == gateway.OutcomeAbandoned || errors.Is(err, gateway.ErrNotFound)
		if abandoned && now.Sub(session.CreatedAt) >= s.config.AbandonAfter {
			res, cancelErr := s.service.abandonSession(ctx, session.Reference, "abandoned")
			if cancelErr != nil {
				stats.Errors++
				s.service.metrics.ObserveReconciledSession("error")
				log.Warn().Err(cancelErr).Msg("reconciler.cancel_failed")
				continue
			}
			updated = res.Session
		}

		result := string(OutcomeOf(updated.Status))
		switch OutcomeOf(updated.Status) {
		case OutcomeCompleted:
			stats.Completed++
		case OutcomeFailed:
			stats.Failed++
		case OutcomeCancelled:
			stats.Cancelled++
		default:
			stats.Pending++
		}
		s.service.metrics.ObserveReconciledSession(result)
	}
	return stats, nil
}
