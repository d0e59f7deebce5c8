package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/presenced/internal/config"
	"github.com/dokzlo13/presenced/internal/history"
)

// RetentionService drops history entries older than the configured age.
type RetentionService struct {
	cfg     *config.Config
	history history.Store
}

// NewRetentionService creates a new RetentionService.
func NewRetentionService(cfg *config.Config, h history.Store) *RetentionService {
	return &RetentionService{cfg: cfg, history: h}
}

// Start begins periodic cleanup if retention is configured.
func (s *RetentionService) Start(ctx context.Context) {
	if !s.cfg.History.IsRetentionEnabled() {
		return
	}
	go s.run(ctx)
}

func (s *RetentionService) run(ctx context.Context) {
	interval := s.cfg.History.CleanupInterval.Duration()

	s.cleanup(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *RetentionService) cleanup(ctx context.Context) {
	retention := s.cfg.History.Retention.Duration()

	deleted, err := s.history.DeleteOlderThan(ctx, retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old history entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old history entries")
	}
}
