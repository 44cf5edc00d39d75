package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/taskpact/internal/logging"
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// PenaltyJob wraps a Penalty sweep as a Job.
func PenaltyJob(p *Penalty, interval time.Duration) Job {
	return Job{
		Name:     "penalty",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := p.RunOnce(ctx)
			return err
		},
	}
}

// ExpiryJob wraps negotiation expiry as a Job.
func ExpiryJob(e *Expiry, interval time.Duration) Job {
	return Job{
		Name:     "negotiation_expiry",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := e.RunOnce(ctx)
			return err
		},
	}
}

// Runner ticks each job on its own interval until stopped.
type Runner struct {
	mu     sync.RWMutex
	jobs   []Job
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{jobs: jobs, logger: logger}
}

// Start launches one goroutine per job. Jobs with no interval are skipped.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	for _, job := range r.jobs {
		if job.Interval <= 0 {
			r.logger.Warn("job has no interval, not scheduling", "job", job.Name)
			continue
		}
		r.wg.Add(1)
		go func(job Job) {
			defer r.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.tick(ctx, job)
				}
			}
		}(job)
	}
	r.logger.Info("sweep runner started", "jobs", len(r.jobs))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunAll runs every job once, in order, and returns the first error.
func (r *Runner) RunAll(ctx context.Context) error {
	var first error
	for _, job := range r.jobs {
		if err := r.tick(ctx, job); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// tick runs job once. Everything the job logs through logging.From carries
// the run's id.
func (r *Runner) tick(ctx context.Context, job Job) error {
	runID := uuid.NewString()
	logger := r.logger.With("job", job.Name, "run_id", runID)
	ctx = logging.WithAttrs(ctx, "run_id", runID)
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		logger.Error("job failed", "duration", time.Since(start), "error", err)
		return err
	}
	logger.Debug("job finished", "duration", time.Since(start))
	return nil
}
