// Package scheduler runs named jobs on fixed intervals. Unlike a
// process-wide singleton, a Runner is an instance: callers construct,
// start, and stop it explicitly, and tests can run several side by side.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/findrhealth/booking-platform/pkg/logging"
)

// Job is one recurring task. Run errors are logged; the schedule keeps
// going.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a fixed set of jobs, one goroutine each.
type Runner struct {
	jobs   []Job
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a stopped runner.
func NewRunner(jobs []Job, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{jobs: jobs, logger: logger}
}

// Start launches the job loops. It reports false when the runner is
// already started, without touching the running loops.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		if job.Interval <= 0 || job.Run == nil {
			r.logger.Warn("skipping misconfigured job", "job", job.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
	r.logger.Info("scheduler started", "jobs", len(r.jobs))
	return true
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("scheduled job failed",
					"job", job.Name,
					"duration", time.Since(start).String(),
					"error", err,
				)
			}
		}
	}
}

// Stop cancels the loops and waits for in-flight runs to return. Safe to
// call on a stopped runner.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("scheduler stopped")
}
