package scheduler

import (
	"context"
	"log/slog"
	"time"

	"list_harvester/internal/backoff"
	"list_harvester/internal/domain"
)

// minCycleWait is the shortest pause between cycles when a slow cycle used up the interval.
const minCycleWait = time.Second

// Runner defines the operations the monitor loop drives.
type Runner interface {
	RunCycle(ctx context.Context) domain.CycleReport
	Probe(ctx context.Context) bool
}

type Config struct {
	BaseInterval   time.Duration
	SleepChunk     time.Duration
	ProbeEnabled   bool
	ProbeThreshold time.Duration
	ProbeEvery     time.Duration
	Once           bool
}

type Scheduler struct {
	runner Runner
	cfg    Config
	logger *slog.Logger

	after func(d time.Duration) <-chan time.Time
}

func NewScheduler(runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.SleepChunk <= 0 {
		cfg.SleepChunk = 10 * time.Second
	}
	if cfg.ProbeEvery <= 0 {
		cfg.ProbeEvery = cfg.SleepChunk
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		after:  time.After,
	}
}

// Start runs cycles until ctx is cancelled, sleeping the wait each cycle asks for. With Once
// set it returns after the first cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.cfg.BaseInterval,
		"once", s.cfg.Once,
	)

	for {
		report := s.runner.RunCycle(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}
		if s.cfg.Once {
			s.logger.Info("single run completed", "outcome", report.Outcome.String(), "new", report.New)
			return nil
		}

		if err := s.wait(ctx, s.nextWait(report)); err != nil {
			s.logger.Info("scheduler stopped")
			return err
		}
	}
}

// nextWait keeps a fixed cadence in the normal state by counting the cycle's own duration
// against the interval. Backoff waits are slept in full.
func (s *Scheduler) nextWait(report domain.CycleReport) time.Duration {
	d := report.NextWait
	if d <= 0 {
		d = s.cfg.BaseInterval
	}
	if report.State != backoff.StateNormal.String() {
		return d
	}
	return max(d-report.Duration, minCycleWait)
}

// wait sleeps for d in chunks so cancellation is noticed quickly. Waits of at least
// ProbeThreshold run the probe every ProbeEvery; the first successful probe cuts the
// remaining wait to at most the base interval.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = s.cfg.BaseInterval
	}
	probing := s.cfg.ProbeEnabled && d >= s.cfg.ProbeThreshold

	remaining := d
	var sinceProbe time.Duration
	for remaining > 0 {
		chunk := min(s.cfg.SleepChunk, remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(chunk):
		}
		remaining -= chunk
		sinceProbe += chunk

		if !probing || remaining <= 0 || sinceProbe < s.cfg.ProbeEvery {
			continue
		}
		sinceProbe = 0
		if !s.runner.Probe(ctx) {
			continue
		}
		probing = false
		if remaining > s.cfg.BaseInterval {
			s.logger.Debug("probe succeeded, shortening wait",
				"remaining", remaining,
				"shortened_to", s.cfg.BaseInterval,
			)
			remaining = s.cfg.BaseInterval
		}
	}
	return nil
}
