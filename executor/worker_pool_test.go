package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireCreatesAndReleaseReuses(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(2))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 1, stats.Active)

	pool.Release(h.ID())
	stats = pool.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 0, stats.Active)

	again, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), again.ID(), "released worker should be reused")
	assert.Equal(t, 1, l.launchCount())
}

func TestPool_ReleaseTwiceIsNoop(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(2))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	pool.Release(h.ID())
	assert.NotPanics(t, func() { pool.Release(h.ID()) })
	assert.NotPanics(t, func() { pool.Release("no-such-worker") })

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Available, "second release must not double insert")
	assert.Equal(t, 0, stats.Active)
}

func TestPool_ReleaseDestroysDeadWorker(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(2))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	l.kill(h.ID())
	pool.Release(h.ID())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Active)
	assert.Contains(t, l.stoppedRefs(), h.ID())
	assert.Equal(t, StatusStopped, h.Status())
}

func TestPool_AcquireSkipsDeadAvailableWorker(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	pool.Release(h.ID())
	l.kill(h.ID())

	fresh, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), fresh.ID())
	assert.Contains(t, l.stoppedRefs(), h.ID())
}

func TestPool_AcquireTimesOutWhenFull(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	_, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Active, "a timed out acquire must not touch pool state")
	assert.Equal(t, 0, stats.Available)
}

func TestPool_WaiterGetsReleasedWorker(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	got := make(chan *WorkerHandle, 1)
	go func() {
		w, err := pool.Acquire(context.Background(), 2*time.Second)
		if err == nil {
			got <- w
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(h.ID())

	select {
	case w := <-got:
		require.NotNil(t, w)
		assert.Equal(t, h.ID(), w.ID())
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPool_CallerContextCancel(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	_, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = pool.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_ConcurrentAcquireNeverDoubleIssues(t *testing.T) {
	const maxWorkers = 3

	l := newFakeLauncher()
	cfg := testConfig(maxWorkers)
	cfg.AcquireTimeout = 5 * time.Second
	pool := newTestPool(t, l, cfg)

	var (
		mu   sync.Mutex
		held = make(map[string]bool)
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for g := 0; g < 12; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h, err := pool.Acquire(context.Background(), 0)
				if err != nil {
					fail(err)
					return
				}

				mu.Lock()
				if held[h.ID()] {
					errs = append(errs, errors.New("worker issued twice: "+h.ID()))
				}
				held[h.ID()] = true
				mu.Unlock()

				stats := pool.Stats()
				if stats.Available+stats.Active > maxWorkers {
					fail(errors.New("pool grew past MaxWorkers"))
				}

				time.Sleep(time.Millisecond)

				mu.Lock()
				delete(held, h.ID())
				mu.Unlock()
				pool.Release(h.ID())
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.LessOrEqual(t, l.launchCount(), maxWorkers)
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.LessOrEqual(t, stats.Available, maxWorkers)
}

func TestPool_ReconcileReplenishes(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(3))

	pool.reconcile(context.Background())

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Available)
	assert.Equal(t, 0, stats.Reserved)
	assert.Equal(t, int64(3), stats.Created)
}

func TestPool_ReconcileCreationFailure(t *testing.T) {
	l := newFakeLauncher()
	l.failAlways = true

	cfg := testConfig(2)
	cfg.MaxCreateRetries = 1
	pool := newTestPool(t, l, cfg)

	pool.reconcile(context.Background())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Reserved)

	_, err := pool.Acquire(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	var createErr *WorkerCreationError
	assert.True(t, errors.As(err, &createErr), "last creation failure should be attached")
}

func TestPool_ReconcileEvictsIdleWorkers(t *testing.T) {
	l := newFakeLauncher()
	cfg := testConfig(2)
	cfg.IdleTimeout = 30 * time.Millisecond
	pool := newTestPool(t, l, cfg)

	pool.reconcile(context.Background())
	before := pool.Stats()
	require.Equal(t, 2, before.Available)

	var oldIDs []string
	pool.mu.Lock()
	for _, h := range pool.available {
		oldIDs = append(oldIDs, h.ID())
	}
	pool.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	pool.reconcile(context.Background())

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Evicted)
	for _, id := range oldIDs {
		assert.Contains(t, l.stoppedRefs(), id)
	}

	pool.mu.Lock()
	for _, h := range pool.available {
		assert.NotContains(t, oldIDs, h.ID(), "evicted worker still tracked")
	}
	pool.mu.Unlock()
}

func TestPool_ReconcileReclaimsStuckWorker(t *testing.T) {
	l := newFakeLauncher()
	cfg := testConfig(1)
	cfg.IdleTimeout = 30 * time.Millisecond
	pool := newTestPool(t, l, cfg)

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	pool.reconcile(context.Background())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, 0, stats.Active)
	assert.Contains(t, l.stoppedRefs(), h.ID())

	// The late release from the crashed holder is ignored
	pool.Release(h.ID())
	pool.mu.Lock()
	for _, w := range pool.available {
		assert.NotEqual(t, h.ID(), w.ID())
	}
	pool.mu.Unlock()
}

func TestPool_Prewarm(t *testing.T) {
	l := newFakeLauncher()
	cfg := testConfig(2)
	cfg.Prewarm = true
	pool := newTestPool(t, l, cfg)

	assert.Equal(t, 2, pool.Stats().Available)
}

func TestPool_PrewarmFails(t *testing.T) {
	l := newFakeLauncher()
	l.failAlways = true

	cfg := testConfig(2)
	cfg.Prewarm = true
	cfg.MaxCreateRetries = 0

	_, err := NewWorkerPool(l, LaunchSpec{Image: "test"}, cfg, testLogger(), nil)
	assert.Error(t, err)
}

func TestPool_Shutdown(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(3))

	pool.reconcile(context.Background())
	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	pool.Shutdown(time.Second)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Active)
	assert.True(t, stats.Closed)
	assert.Len(t, l.stoppedRefs(), 3)

	_, err = pool.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, ErrPoolClosed)

	assert.NotPanics(t, func() {
		pool.Release(h.ID())
		pool.Shutdown(time.Second)
	})
}

func TestPool_ShutdownWakesWaiters(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	_, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 10*time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Shutdown(time.Second)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after shutdown")
	}
}

func TestPool_ShutdownRespectsDrainTimeout(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(2))
	pool.reconcile(context.Background())

	l.mu.Lock()
	l.stopDelay = time.Minute
	l.mu.Unlock()

	start := time.Now()
	pool.Shutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Active)
}

func TestPool_AcquireRetriesCreation(t *testing.T) {
	l := newFakeLauncher()
	l.failLaunches = 2

	cfg := testConfig(1)
	cfg.MaxCreateRetries = 3
	pool := newTestPool(t, l, cfg)

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())
	assert.Equal(t, 3, l.launchCount())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Reserved)
}

func TestPool_ShutdownInterruptsCreation(t *testing.T) {
	l := newFakeLauncher()
	l.bootStatus = StatusStarting

	cfg := testConfig(1)
	cfg.HealthCheckTimeout = 5 * time.Second
	cfg.MaxCreateRetries = 3
	cfg.CreateRetryDelay = time.Second
	pool := newTestPool(t, l, cfg)

	result := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 30*time.Second)
		result <- err
	}()

	require.Eventually(t, func() bool { return l.launchCount() == 1 }, time.Second, time.Millisecond)
	pool.Shutdown(time.Second)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("acquire still creating a worker after shutdown")
	}
	assert.Len(t, l.stoppedRefs(), 1, "half-started worker must be stopped")
	assert.Equal(t, 1, l.launchCount(), "no retries after shutdown")
}

func TestPool_ShutdownDuringReuseCheck(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	pool.Release(h.ID())

	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	l.mu.Lock()
	l.inspectHook = func(string) {
		once.Do(func() {
			close(started)
			<-proceed
		})
	}
	l.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), 0)
		result <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("acquire never inspected the available worker")
	}
	pool.Shutdown(time.Second)
	close(proceed)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return")
	}
	assert.Contains(t, l.stoppedRefs(), h.ID())
}

func TestPool_InspectTimeoutKeepsWorker(t *testing.T) {
	l := newFakeLauncher()
	pool := newTestPool(t, l, testConfig(1))

	h, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	pool.Release(h.ID())

	l.mu.Lock()
	l.inspectErr = context.DeadlineExceeded
	l.mu.Unlock()

	_, err = pool.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.NotContains(t, l.stoppedRefs(), h.ID(), "slow runtime is no reason to destroy a worker")

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 0, stats.Active)

	l.mu.Lock()
	l.inspectErr = nil
	l.mu.Unlock()

	again, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, h.ID(), again.ID())
}

func TestPool_ReconcileLoopRunsOnItsOwn(t *testing.T) {
	l := newFakeLauncher()
	cfg := testConfig(2)
	cfg.ReconcileInterval = 10 * time.Millisecond
	cfg.IdleTimeout = 40 * time.Millisecond
	pool := newTestPool(t, l, cfg)

	require.Eventually(t, func() bool { return pool.Stats().Available == 2 }, time.Second, 5*time.Millisecond,
		"loop should fill the pool")
	require.Eventually(t, func() bool { return pool.Stats().Evicted >= 2 }, time.Second, 5*time.Millisecond,
		"loop should evict idle workers")
	require.Eventually(t, func() bool { return pool.Stats().Available == 2 }, time.Second, 5*time.Millisecond,
		"loop should refill after eviction")

	pool.Shutdown(time.Second)
	select {
	case <-pool.loopDone:
	default:
		t.Fatal("reconcile loop still running after shutdown")
	}

	launches := l.launchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, launches, l.launchCount(), "no workers created after shutdown")
}
