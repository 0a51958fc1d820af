package services

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires TTL-exceeded jobs from the store. Hygiene is
// background work; request paths never pay for it.
type Sweeper struct {
	logger   *slog.Logger
	orch     *Orchestrator
	interval time.Duration
}

func NewSweeper(logger *slog.Logger, orch *Orchestrator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{logger: logger, orch: orch, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case now := <-ticker.C:
			removed, err := s.orch.SweepExpired(ctx, now)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("expired jobs removed", "count", removed)
			}
		}
	}
}
