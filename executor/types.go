package executor

import (
	"sync"
	"time"
)

// WorkerStatus represents the current state of a worker container
type WorkerStatus string

const (
	StatusStarting  WorkerStatus = "starting"
	StatusRunning   WorkerStatus = "running"
	StatusStopped   WorkerStatus = "stopped"
	StatusUnhealthy WorkerStatus = "unhealthy"
)

// WorkerHandle wraps a single worker container. The pool owns it; a job
// runner only borrows it between Acquire and Release.
type WorkerHandle struct {
	id string

	mu           sync.RWMutex
	status       WorkerStatus
	lastActiveAt time.Time
}

func newWorkerHandle(id string) *WorkerHandle {
	return &WorkerHandle{
		id:           id,
		status:       StatusStarting,
		lastActiveAt: time.Now(),
	}
}

// ID returns the runtime-assigned worker id
func (h *WorkerHandle) ID() string {
	return h.id
}

// Status returns the last known status
func (h *WorkerHandle) Status() WorkerStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// LastActiveAt returns the time of the last creation, acquire or release
func (h *WorkerHandle) LastActiveAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActiveAt
}

func (h *WorkerHandle) setStatus(status WorkerStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *WorkerHandle) touch() {
	h.mu.Lock()
	h.lastActiveAt = time.Now()
	h.mu.Unlock()
}

// idleFor reports how long the handle has been untouched as of now
func (h *WorkerHandle) idleFor(now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return now.Sub(h.lastActiveAt)
}

// Job is one unit of work: an input ref and an output ref, both relative
// to the worker's mount points and passed through untouched.
type Job struct {
	ID     string
	Input  string
	Output string
}

// JobResult contains the outcome of one transform run. A non-zero ExitCode
// is a transform failure, not a pool failure.
type JobResult struct {
	JobID     string
	OutputRef string
	ExitCode  int
	Output    string
	WorkerID  string
	Duration  time.Duration
}

// Succeeded reports whether the transform exited with code zero
func (r JobResult) Succeeded() bool {
	return r.ExitCode == 0
}

// BatchResult holds either a result or the infrastructure error for one
// slot of a batch.
type BatchResult struct {
	Job    Job
	Result JobResult
	Err    error
}

// PoolStats is a point-in-time snapshot of pool bookkeeping
type PoolStats struct {
	MaxWorkers int  `json:"max_workers"`
	Available  int  `json:"available"`
	Active     int  `json:"active"`
	Reserved   int  `json:"reserved"`
	Closed     bool `json:"closed"`

	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Evicted   int64 `json:"evicted"`
	Reclaimed int64 `json:"reclaimed"`
}

// shortID returns a shortened worker id for logging
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
