// Package scheduler drives the engine cycle at a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atmx/delta-engine/internal/logging"
)

// Cycle is one unit of scheduled work.
type Cycle interface {
	OnTick(ctx context.Context) error
}

// Scheduler runs a Cycle every Interval. Ticks run on the scheduler's own
// goroutine, so a slow cycle delays the next one instead of overlapping it;
// ticks missed meanwhile are dropped.
type Scheduler struct {
	cycle    Cycle
	interval time.Duration
	log      logrus.FieldLogger
}

// New creates a scheduler. A nil logger discards output.
func New(cycle Cycle, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{cycle: cycle, interval: interval, log: log}
}

// Run ticks until ctx is done and then returns nil. The first cycle runs
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval.String()).Info("scheduler started")
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.cycle.OnTick(ctx); err != nil {
		s.log.WithError(err).Warn("cycle returned error")
	}
}
