package executor

import (
	"context"
	"fmt"
	"time"

	logrus "github.com/sirupsen/logrus"
)

// WorkerFactory creates workers and waits for them to become healthy
type WorkerFactory struct {
	launcher Launcher
	spec     LaunchSpec
	logger   *logrus.Logger

	maxRetries    int
	healthTimeout time.Duration
	pollInterval  time.Duration
	retryDelay    time.Duration
	stopTimeout   time.Duration
}

// NewWorkerFactory builds a factory from the pool configuration
func NewWorkerFactory(launcher Launcher, spec LaunchSpec, cfg PoolConfig, logger *logrus.Logger) *WorkerFactory {
	cfg.FillDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WorkerFactory{
		launcher:      launcher,
		spec:          spec,
		logger:        logger,
		maxRetries:    cfg.MaxCreateRetries,
		healthTimeout: cfg.HealthCheckTimeout,
		pollInterval:  cfg.HealthPollInterval,
		retryDelay:    cfg.CreateRetryDelay,
		stopTimeout:   cfg.StopTimeout,
	}
}

// Create launches a worker and returns it once it reports running. Failed
// attempts are retried maxRetries times with a fixed delay; a worker that
// was launched but never became healthy is stopped before the next attempt.
func (f *WorkerFactory) Create(ctx context.Context) (*WorkerHandle, error) {
	attempts := f.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			f.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     attempts,
				"error":   lastErr,
			}).Warn("Worker creation failed, retrying")

			if err := sleepCtx(ctx, f.retryDelay); err != nil {
				return nil, &WorkerCreationError{Attempts: attempt - 1, Err: err}
			}
		}

		handle, err := f.createOnce(ctx)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, &WorkerCreationError{Attempts: attempt, Err: lastErr}
		}
	}

	f.logger.WithFields(logrus.Fields{
		"attempts": attempts,
		"error":    lastErr,
	}).Error("Failed to create worker")
	return nil, &WorkerCreationError{Attempts: attempts, Err: lastErr}
}

// createOnce is a single launch + health check attempt
func (f *WorkerFactory) createOnce(ctx context.Context) (*WorkerHandle, error) {
	ref, err := f.launcher.Launch(ctx, f.spec)
	if err != nil {
		return nil, fmt.Errorf("launch worker: %w", err)
	}

	handle := newWorkerHandle(ref)
	if err := f.waitRunning(ctx, handle); err != nil {
		f.discard(ref)
		return nil, err
	}

	handle.setStatus(StatusRunning)
	handle.touch()
	f.logger.Infof("Worker created: %s", shortID(ref))
	return handle, nil
}

// waitRunning polls the worker status until it is running or the health
// check window closes
func (f *WorkerFactory) waitRunning(ctx context.Context, handle *WorkerHandle) error {
	deadline := time.Now().Add(f.healthTimeout)
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		status, err := f.launcher.InspectStatus(ctx, handle.ID())
		if err != nil {
			return fmt.Errorf("inspect worker %s: %w", shortID(handle.ID()), err)
		}
		switch status {
		case StatusRunning:
			return nil
		case StatusStopped, StatusUnhealthy:
			handle.setStatus(status)
			return fmt.Errorf("%w: worker %s is %s", ErrWorkerNotRunning, shortID(handle.ID()), status)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %v", ErrHealthCheckTimeout, shortID(handle.ID()), f.healthTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// discard stops a worker that failed its health check. It uses its own
// context so a cancelled caller does not leak the container.
func (f *WorkerFactory) discard(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.stopTimeout+5*time.Second)
	defer cancel()

	if err := f.launcher.Stop(ctx, ref); err != nil {
		f.logger.WithFields(logrus.Fields{
			"worker": shortID(ref),
			"error":  err,
		}).Warn("Failed to stop unhealthy worker")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
