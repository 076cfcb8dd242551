package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// DefaultJobConcurrency bounds how many claimed jobs run at once.
const DefaultJobConcurrency = 5

// JobHandler executes a job's work and returns an error if the execution failed.
type JobHandler func(ctx context.Context, job Job) error

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo           JobRepo
	log            *logger.Logger
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	concurrency    int
	now            func() time.Time
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobConcurrency sets the number of jobs executed in parallel.
func WithJobConcurrency(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithJobLogger sets the runner's logger.
func WithJobLogger(l *logger.Logger) JobRunnerOption {
	return func(r *JobRunner) { r.log = l }
}

// WithJobClock overrides the runner's clock.
func WithJobClock(now func() time.Time) JobRunnerOption {
	return func(r *JobRunner) { r.now = now }
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	r := &JobRunner{
		repo:           repo,
		log:            logger.NewNop(),
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		concurrency:    DefaultJobConcurrency,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	r.log.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	r.log.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "concurrency", r.concurrency)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims one round of due jobs and runs them to completion.
func (r *JobRunner) Poll(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		r.log.Error("JobRunner.Poll: claim failed", "error", err)
		return 0
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			r.execute(ctx, now, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, now time.Time, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		r.log.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			r.log.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	r.log.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job); err != nil {
		r.log.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
		// Exponential backoff: 30s, 60s, 120s, ...
		backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), now.Add(backoff)); err != nil {
			r.log.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		r.log.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
	}
	r.log.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}
