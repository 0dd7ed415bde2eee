package lease

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically finalizes overdue leases. It is the authoritative
// expiry path; the check-on-read in the service only covers the window
// between ticks.
type Sweeper struct {
	service  *Service
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(service *Service, logger *slog.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{
		service:  service,
		logger:   logger.With("component", "sweeper"),
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval.String())
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	iterCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	ended, err := s.service.ExpireDue(iterCtx, s.now())
	if err != nil {
		s.logger.Error("sweep iteration failed", "error", err)
		return
	}
	if ended > 0 {
		s.logger.Info("sweep ended leases", "count", ended)
	}
}
