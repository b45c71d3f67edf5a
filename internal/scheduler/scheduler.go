// Package scheduler drives the periodic maintenance jobs: the status
// heartbeat and the alert retention sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Job is one periodic task. Aligned jobs fire on interval boundaries
// (UTC); unaligned jobs fire a full interval after registration.
type Job struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	Run          TickFunc
}

// Scheduler runs each registered job on its own loop.
type Scheduler struct {
	jobs   []Job
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(logger zerolog.Logger, jobs ...Job) *Scheduler {
	for _, j := range jobs {
		if j.Interval <= 0 {
			panic("scheduler: job interval must be positive: " + j.Name)
		}
	}
	return &Scheduler{jobs: jobs, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks until ctx is cancelled, driving every job.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	logger := s.logger.With().Str("job", job.Name).Logger()

	next := s.nextTick(job, time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(job, time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			timer.Stop()
		}

		logger.Debug().Time("tick", next).Msg("executing scheduled job")
		if err := job.Run(ctx, next); err != nil {
			logger.Error().Err(err).Msg("job execution failed")
		}

		next = next.Add(job.Interval)
	}
}

func (s *Scheduler) nextTick(job Job, now time.Time) time.Time {
	if !job.AlignToStart {
		return now.Add(job.Interval)
	}
	tick := now.Truncate(job.Interval)
	if !tick.After(now) {
		tick = tick.Add(job.Interval)
	}
	return tick
}
