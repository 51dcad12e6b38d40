package executor

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted = errors.New("no worker available within acquire timeout")
	ErrPoolClosed    = errors.New("worker pool is closed")
)

var (
	ErrHealthCheckTimeout = errors.New("worker did not reach running state in time")
	ErrWorkerNotRunning   = errors.New("worker is not running")
	ErrWorkerLost         = errors.New("worker lost during job execution")
	ErrTransformTimeout   = errors.New("transform timed out")
)

// WorkerCreationError is returned once the factory has used up its retries.
// Err is the cause of the last attempt.
type WorkerCreationError struct {
	Attempts int
	Err      error
}

func (e *WorkerCreationError) Error() string {
	return fmt.Sprintf("failed to create worker after %d attempts: %v", e.Attempts, e.Err)
}

func (e *WorkerCreationError) Unwrap() error {
	return e.Err
}
