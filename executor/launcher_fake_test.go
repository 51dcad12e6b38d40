package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	logrus "github.com/sirupsen/logrus"
)

var errLaunch = errors.New("launch failed")

// fakeLauncher keeps workers in memory. Fields are configured before use
// and read under mu afterwards.
type fakeLauncher struct {
	mu sync.Mutex

	seq      int
	statuses map[string]WorkerStatus
	launches int
	stopped  []string

	// failLaunches fails the next n launches, failAlways every launch
	failLaunches int
	failAlways   bool
	// bootStatus is what a fresh worker reports, running when empty
	bootStatus WorkerStatus
	stopDelay  time.Duration

	execFn     func(ctx context.Context, ref string, cmd []string) (ExecResult, error)
	// inspectHook runs before every status inspection, inspectErr fails it
	inspectHook func(ref string)
	inspectErr  error
	running    int
	maxRunning int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{statuses: make(map[string]WorkerStatus)}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.launches++
	if f.failAlways || f.failLaunches > 0 {
		if f.failLaunches > 0 {
			f.failLaunches--
		}
		return "", errLaunch
	}

	f.seq++
	ref := fmt.Sprintf("worker-%04d-%s", f.seq, strings.Repeat("x", 16))
	status := f.bootStatus
	if status == "" {
		status = StatusRunning
	}
	f.statuses[ref] = status
	return ref, nil
}

func (f *fakeLauncher) InspectStatus(ctx context.Context, ref string) (WorkerStatus, error) {
	f.mu.Lock()
	hook := f.inspectHook
	f.mu.Unlock()
	if hook != nil {
		hook(ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inspectErr != nil {
		return "", f.inspectErr
	}
	status, ok := f.statuses[ref]
	if !ok {
		return StatusStopped, nil
	}
	return status, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, ref string) error {
	f.mu.Lock()
	delay := f.stopDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = StatusStopped
	f.stopped = append(f.stopped, ref)
	return nil
}

func (f *fakeLauncher) Exec(ctx context.Context, ref string, cmd []string) (ExecResult, error) {
	f.mu.Lock()
	if f.statuses[ref] != StatusRunning {
		f.mu.Unlock()
		return ExecResult{}, fmt.Errorf("container %s is not running", ref)
	}
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	fn := f.execFn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, ref, cmd)
	}
	return ExecResult{ExitCode: 0, Output: "Success: " + strings.Join(cmd, " ")}, nil
}

// kill simulates a worker dying underneath the pool
func (f *fakeLauncher) kill(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = StatusStopped
}

func (f *fakeLauncher) stoppedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeLauncher) peakRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testConfig keeps every timing short and the background loop out of the way
func testConfig(maxWorkers int) PoolConfig {
	return PoolConfig{
		MaxWorkers:         maxWorkers,
		IdleTimeout:        time.Minute,
		MaxCreateRetries:   1,
		HealthCheckTimeout: 100 * time.Millisecond,
		AcquireTimeout:     time.Second,
		HealthPollInterval: 5 * time.Millisecond,
		CreateRetryDelay:   5 * time.Millisecond,
		ReconcileInterval:  time.Hour,
		StopTimeout:        10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, l *fakeLauncher, cfg PoolConfig) *WorkerPool {
	t.Helper()

	pool, err := NewWorkerPool(l, LaunchSpec{Image: "test"}, cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { pool.Shutdown(time.Second) })
	return pool
}
