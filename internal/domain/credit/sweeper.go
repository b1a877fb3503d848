package credit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often the scheduler sweeps expired holds.
const DefaultSweepInterval = time.Minute

// Sweeper settles expired reservations. *Engine implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler periodically runs a sweep. It runs once on start, then on every
// tick and on every Trigger. A failing sweep is logged and retried next tick.
type Scheduler struct {
	sweeper    Sweeper
	interval   time.Duration
	runTimeout time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewScheduler creates a new sweep scheduler
func NewScheduler(sweeper Sweeper, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		sweeper:    sweeper,
		interval:   interval,
		runTimeout: max(interval, time.Minute),
		wake:       make(chan struct{}, 1),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go s.run(runCtx)

	log.Info().Dur("interval", s.interval).Msg("reservation sweep scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.cancel = nil

	log.Info().Msg("reservation sweep scheduler stopped")
}

// Trigger requests an immediate sweep without blocking.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunOnce runs a single sweep and returns the number of settled reservations.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	start := time.Now()
	cleaned, err := s.sweeper.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Int("cleaned", cleaned).Msg("reservation sweep failed")
		return cleaned
	}

	if cleaned > 0 {
		log.Info().Int("cleaned", cleaned).Dur("took", time.Since(start)).Msg("expired reservations settled")
	}
	return cleaned
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.RunOnce(ctx)
	}
}
