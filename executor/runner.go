package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"
)

// DefaultOutputRef is used for a single job submitted without an output ref
const DefaultOutputRef = "out.json"

// JobRunner runs one job inside a pooled worker
type JobRunner struct {
	pool           *WorkerPool
	transform      TransformConfig
	acquireTimeout time.Duration
	logger         *logrus.Logger
}

// NewJobRunner creates a runner that borrows workers from pool
func NewJobRunner(pool *WorkerPool, transform TransformConfig) *JobRunner {
	transform.fillDefaults()
	return &JobRunner{
		pool:           pool,
		transform:      transform,
		acquireTimeout: pool.cfg.AcquireTimeout,
		logger:         pool.logger,
	}
}

// Run acquires a worker, executes the transform for job and always releases
// the worker again. A non-zero exit code is reported in the result; only
// infrastructure failures are returned as errors.
func (r *JobRunner) Run(ctx context.Context, job Job) (JobResult, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Output == "" {
		job.Output = DefaultOutputRef
	}

	handle, err := r.pool.Acquire(ctx, r.acquireTimeout)
	if err != nil {
		r.pool.metrics.observeJob("no_worker", 0)
		return JobResult{}, fmt.Errorf("job %s: acquire worker: %w", job.ID, err)
	}
	defer r.pool.Release(handle.ID())

	execCtx := ctx
	if r.transform.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.transform.Timeout)
		defer cancel()
	}

	log := r.logger.WithFields(logrus.Fields{
		"job":    job.ID,
		"worker": shortID(handle.ID()),
	})
	log.Debugf("Executing %s -> %s", job.Input, job.Output)

	start := time.Now()
	res, err := r.pool.launcher.Exec(execCtx, handle.ID(), r.transform.Args(job))
	duration := time.Since(start)

	if err != nil {
		// The worker's state is unknown after a failed exec, never reuse it
		handle.setStatus(StatusUnhealthy)

		switch {
		case ctx.Err() != nil:
			r.pool.metrics.observeJob("cancelled", duration)
			return JobResult{}, fmt.Errorf("job %s: %w", job.ID, ctx.Err())
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			log.WithField("duration", duration).Warn("Transform timeout, replacing worker")
			r.pool.metrics.observeJob("timeout", duration)
			return JobResult{}, fmt.Errorf("job %s: %w after %v", job.ID, ErrTransformTimeout, r.transform.Timeout)
		default:
			log.WithFields(logrus.Fields{
				"duration": duration,
				"error":    err,
			}).Error("Execution failed")
			r.pool.metrics.observeJob("worker_lost", duration)
			return JobResult{}, fmt.Errorf("job %s: %w: %v", job.ID, ErrWorkerLost, err)
		}
	}

	result := JobResult{
		JobID:     job.ID,
		OutputRef: job.Output,
		ExitCode:  res.ExitCode,
		Output:    res.Output,
		WorkerID:  handle.ID(),
		Duration:  duration,
	}

	outcome := "success"
	if !result.Succeeded() {
		outcome = "transform_failed"
	}
	r.pool.metrics.observeJob(outcome, duration)
	log.WithFields(logrus.Fields{
		"exit_code": res.ExitCode,
		"duration":  duration,
	}).Debug("Execution completed")
	return result, nil
}
