package view

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler refreshes views whose delta budget is spent. It is
// stateless: each tick independently asks the materializer what is due,
// so a missed tick only delays a refresh, never loses one.
type Scheduler struct {
	interval time.Duration
	mat      *Materializer
}

// NewScheduler creates a scheduler polling at the given interval.
func NewScheduler(interval time.Duration, mat *Materializer) *Scheduler {
	return &Scheduler{interval: interval, mat: mat}
}

// Start begins periodic refresh checks. Runs until ctx is cancelled,
// then performs one final pass so a clean shutdown leaves no view with
// an exhausted budget.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[ViewScheduler] Starting", "interval", s.interval)

	for {
		select {
		case <-ticker.C:
			s.refreshDue(ctx)
		case <-ctx.Done():
			slog.Info("[ViewScheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.refreshDue(shutdownCtx)
			return nil
		}
	}
}

func (s *Scheduler) refreshDue(ctx context.Context) {
	for _, name := range s.mat.Due() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.mat.Refresh(ctx, name); err != nil {
			slog.Error("[ViewScheduler] Refresh failed", "view", name, "error", err)
		}
	}
}
