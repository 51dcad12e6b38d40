package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logrus "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WorkerPool manages a bounded pool of worker containers. All bookkeeping
// lives behind one mutex so moving a worker between available and active
// is atomic.
type WorkerPool struct {
	cfg      PoolConfig
	factory  *WorkerFactory
	launcher Launcher
	logger   *logrus.Logger
	metrics  *Metrics

	mu        sync.Mutex
	available []*WorkerHandle
	active    map[string]*WorkerHandle
	// reserved counts slots held by workers being created or re-checked on
	// release. They count towards MaxWorkers.
	reserved int
	closed   bool
	// changed is closed and replaced whenever a worker or capacity frees up
	changed chan struct{}

	created   atomic.Int64
	destroyed atomic.Int64
	evicted   atomic.Int64
	reclaimed atomic.Int64

	done         chan struct{}
	stopLoop     context.CancelFunc
	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// NewWorkerPool initializes a new worker pool and starts its reconcile loop.
// metrics may be nil.
func NewWorkerPool(launcher Launcher, spec LaunchSpec, cfg PoolConfig, logger *logrus.Logger, metrics *Metrics) (*WorkerPool, error) {
	cfg.FillDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	pool := &WorkerPool{
		cfg:      cfg,
		factory:  NewWorkerFactory(launcher, spec, cfg, logger),
		launcher: launcher,
		logger:   logger,
		metrics:  metrics,
		active:   make(map[string]*WorkerHandle),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if cfg.Prewarm {
		pool.reconcile(context.Background())
		if stats := pool.Stats(); stats.Available == 0 {
			return nil, fmt.Errorf("failed to initialize worker pool: no workers available")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.stopLoop = cancel
	go pool.reconcileLoop(ctx)

	logger.WithFields(logrus.Fields{
		"max_workers":  cfg.MaxWorkers,
		"idle_timeout": cfg.IdleTimeout,
		"interval":     cfg.ReconcileInterval,
	}).Info("Worker pool started")
	return pool, nil
}

// Config returns the effective pool configuration
func (p *WorkerPool) Config() PoolConfig {
	return p.cfg
}

// Acquire hands out a worker for exclusive use until Release. When nothing
// is available and the pool is under capacity a worker is created on the
// caller's path. A non-positive timeout means the configured AcquireTimeout.
func (p *WorkerPool) Acquire(ctx context.Context, timeout time.Duration) (*WorkerHandle, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()
	actx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()

	var lastErr error
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.metrics.observeAcquire("closed", time.Since(start))
			return nil, ErrPoolClosed
		}

		// Reuse the oldest available worker
		if len(p.available) > 0 {
			h := p.available[0]
			p.available[0] = nil
			p.available = p.available[1:]
			p.active[h.ID()] = h
			h.touch()
			p.metrics.setSizes(len(p.available), len(p.active))
			p.mu.Unlock()

			status, err := p.inspect(h)
			if err == nil && status == StatusRunning {
				p.mu.Lock()
				closed := p.closed
				p.mu.Unlock()
				if closed {
					// shutdown drained it while we were inspecting
					p.metrics.observeAcquire("closed", time.Since(start))
					return nil, ErrPoolClosed
				}
				p.logger.Debugf("Acquired worker: %s", shortID(h.ID()))
				p.metrics.observeAcquire("reused", time.Since(start))
				return h, nil
			}

			if err != nil && isContextErr(err) {
				// runtime did not answer in time, keep the worker
				lastErr = err
				p.logger.WithFields(logrus.Fields{
					"worker": shortID(h.ID()),
					"error":  err,
				}).Warn("Worker status unknown, returning it to the pool")
				p.mu.Lock()
				if p.active[h.ID()] == h && !p.closed {
					delete(p.active, h.ID())
					p.available = append(p.available, h)
					p.signalLocked()
				}
				p.mu.Unlock()

				if err := p.wait(ctx, actx, p.cfg.HealthPollInterval); err != nil {
					p.metrics.observeAcquire(acquireOutcome(err), time.Since(start))
					if errors.Is(err, ErrPoolExhausted) {
						return nil, exhausted(timeout, lastErr)
					}
					return nil, err
				}
				continue
			}

			if err != nil {
				h.setStatus(StatusUnhealthy)
			} else {
				h.setStatus(status)
			}
			p.logger.Warnf("Worker %s not running, dropping it", shortID(h.ID()))
			p.mu.Lock()
			if p.active[h.ID()] == h {
				delete(p.active, h.ID())
			}
			p.signalLocked()
			p.mu.Unlock()
			p.destroy(h, "unhealthy")
			continue
		}

		// Create one ourselves while there is room
		if p.sizeLocked() < p.cfg.MaxWorkers {
			p.reserved++
			p.mu.Unlock()

			cctx, ccancel := p.withClose(actx)
			h, err := p.factory.Create(cctx)
			closedDuringCreate := errors.Is(context.Cause(cctx), ErrPoolClosed)
			ccancel()

			p.mu.Lock()
			p.reserved--
			if err == nil {
				if p.closed {
					p.signalLocked()
					p.mu.Unlock()
					p.destroy(h, "pool closed")
					p.metrics.observeAcquire("closed", time.Since(start))
					return nil, ErrPoolClosed
				}
				p.active[h.ID()] = h
				p.created.Add(1)
				p.metrics.workerCreated()
				p.signalLocked()
				p.mu.Unlock()

				p.logger.Infof("Created new worker for immediate use: %s", shortID(h.ID()))
				p.metrics.observeAcquire("created", time.Since(start))
				return h, nil
			}
			p.signalLocked()
			p.mu.Unlock()

			if closedDuringCreate {
				p.metrics.observeAcquire("closed", time.Since(start))
				return nil, ErrPoolClosed
			}
			lastErr = err
			p.metrics.creationFailed()
			p.logger.WithError(err).Error("Failed to create worker")
			if ctx.Err() != nil {
				p.metrics.observeAcquire("cancelled", time.Since(start))
				return nil, ctx.Err()
			}
			if actx.Err() != nil {
				p.metrics.observeAcquire("exhausted", time.Since(start))
				return nil, exhausted(timeout, lastErr)
			}

			// Back off before the next creation attempt unless something
			// frees up first
			if err := p.wait(ctx, actx, p.cfg.CreateRetryDelay); err != nil {
				p.metrics.observeAcquire(acquireOutcome(err), time.Since(start))
				if errors.Is(err, ErrPoolExhausted) {
					return nil, exhausted(timeout, lastErr)
				}
				return nil, err
			}
			continue
		}

		if err := p.waitLocked(ctx, actx); err != nil {
			p.metrics.observeAcquire(acquireOutcome(err), time.Since(start))
			if errors.Is(err, ErrPoolExhausted) {
				return nil, exhausted(timeout, lastErr)
			}
			return nil, err
		}
	}
}

// withClose derives a context that is also cancelled, with cause
// ErrPoolClosed, once the pool shuts down
func (p *WorkerPool) withClose(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-p.done:
			cancel(ErrPoolClosed)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

// inspect asks the runtime for the live status of a worker, bounded by the
// health check timeout rather than the caller's deadline
func (p *WorkerPool) inspect(h *WorkerHandle) (WorkerStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()
	return p.launcher.InspectStatus(ctx, h.ID())
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// waitLocked releases the lock and blocks until the pool state changes.
// Must be called with p.mu held.
func (p *WorkerPool) waitLocked(ctx, actx context.Context) error {
	ch := p.changed
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolExhausted
	}
}

// wait blocks until the pool state changes or d elapses
func (p *WorkerPool) wait(ctx, actx context.Context, d time.Duration) error {
	p.mu.Lock()
	ch := p.changed
	p.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolExhausted
	}
}

func exhausted(timeout time.Duration, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w (waited %v): %w", ErrPoolExhausted, timeout, cause)
	}
	return fmt.Errorf("%w (waited %v)", ErrPoolExhausted, timeout)
}

func acquireOutcome(err error) string {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	default:
		return "cancelled"
	}
}

// Release returns a worker to the pool. Workers that are no longer running
// or were marked unhealthy are destroyed instead. Unknown ids are ignored.
func (p *WorkerPool) Release(id string) {
	p.mu.Lock()
	h, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		p.logger.Debugf("Release of unknown worker %s ignored", shortID(id))
		return
	}
	delete(p.active, id)
	p.reserved++
	p.mu.Unlock()

	healthy := h.Status() == StatusRunning
	if healthy {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
		healthy = p.isRunning(ctx, h)
		cancel()
	}

	p.mu.Lock()
	p.reserved--
	if healthy && !p.closed {
		h.touch()
		p.available = append(p.available, h)
		p.signalLocked()
		p.mu.Unlock()
		p.logger.Debugf("Released worker: %s", shortID(id))
		return
	}
	closed := p.closed
	p.signalLocked()
	p.mu.Unlock()

	if closed {
		p.destroy(h, "pool closed")
		return
	}
	p.logger.Warnf("Worker %s not healthy on release (status: %s)", shortID(id), h.Status())
	p.destroy(h, "unhealthy")
}

// isRunning asks the runtime for the live status of a worker
func (p *WorkerPool) isRunning(ctx context.Context, h *WorkerHandle) bool {
	status, err := p.launcher.InspectStatus(ctx, h.ID())
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"worker": shortID(h.ID()),
			"error":  err,
		}).Warn("Failed to inspect worker")
		h.setStatus(StatusUnhealthy)
		return false
	}
	h.setStatus(status)
	return status == StatusRunning
}

// reconcileLoop runs reconcile on a fixed interval until the pool shuts down
func (p *WorkerPool) reconcileLoop(ctx context.Context) {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile evicts idle available workers, reclaims active workers held
// past the idle timeout and refills the pool to MaxWorkers. Selection and
// reservation happen under a single lock acquisition; runtime calls do not.
func (p *WorkerPool) reconcile(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var evicted, reclaimed []*WorkerHandle
	kept := p.available[:0]
	for _, h := range p.available {
		if h.idleFor(now) > p.cfg.IdleTimeout {
			evicted = append(evicted, h)
		} else {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(p.available); i++ {
		p.available[i] = nil
	}
	p.available = kept

	for id, h := range p.active {
		if h.idleFor(now) > p.cfg.IdleTimeout {
			reclaimed = append(reclaimed, h)
			delete(p.active, id)
		}
	}

	deficit := p.cfg.MaxWorkers - p.sizeLocked()
	if deficit < 0 {
		deficit = 0
	}
	p.reserved += deficit
	if len(evicted)+len(reclaimed) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, h := range evicted {
		p.logger.Infof("Removing idle worker: %s", shortID(h.ID()))
		p.evicted.Add(1)
		p.destroy(h, "idle")
	}
	for _, h := range reclaimed {
		p.logger.Warnf("Force reclaiming long-running worker: %s", shortID(h.ID()))
		p.reclaimed.Add(1)
		p.destroy(h, "reclaimed")
	}

	p.replenish(ctx, deficit)
}

// replenish creates n workers into available. The n slots were reserved
// by the caller.
func (p *WorkerPool) replenish(ctx context.Context, n int) {
	if n > 0 {
		p.logger.Debugf("Pool below target, starting %d workers", n)
	}

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			p.mu.Lock()
			p.reserved -= n - i
			p.signalLocked()
			p.mu.Unlock()
			return
		}

		h, err := p.factory.Create(ctx)

		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.signalLocked()
			p.mu.Unlock()
			p.metrics.creationFailed()
			p.logger.WithError(err).Error("Failed to add worker to pool")
			continue
		}
		if p.closed {
			p.signalLocked()
			p.mu.Unlock()
			p.destroy(h, "pool closed")
			continue
		}
		p.available = append(p.available, h)
		p.created.Add(1)
		p.metrics.workerCreated()
		p.signalLocked()
		p.mu.Unlock()
	}
}

// destroy stops a worker that has already left the bookkeeping. Failures
// are logged only.
func (p *WorkerPool) destroy(h *WorkerHandle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout+5*time.Second)
	defer cancel()
	p.stopWorker(ctx, h, reason)
}

func (p *WorkerPool) stopWorker(ctx context.Context, h *WorkerHandle, reason string) bool {
	defer func() {
		h.setStatus(StatusStopped)
		p.destroyed.Add(1)
		p.metrics.workerDestroyed(reason)
	}()

	if err := p.launcher.Stop(ctx, h.ID()); err != nil {
		p.logger.WithFields(logrus.Fields{
			"worker": shortID(h.ID()),
			"reason": reason,
			"error":  err,
		}).Warn("Error stopping worker")
		return false
	}
	p.logger.WithFields(logrus.Fields{
		"worker": shortID(h.ID()),
		"reason": reason,
	}).Info("Stopped worker")
	return true
}

// Shutdown stops the reconcile loop and destroys every worker in parallel,
// waiting at most drainTimeout. It never fails; later calls are no-ops.
func (p *WorkerPool) Shutdown(drainTimeout time.Duration) {
	p.shutdownOnce.Do(func() {
		p.shutdown(drainTimeout)
	})
}

func (p *WorkerPool) shutdown(drainTimeout time.Duration) {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	start := time.Now()
	p.logger.Info("Shutting down worker pool...")

	p.mu.Lock()
	p.closed = true
	close(p.done)
	p.signalLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	p.stopLoop()
	select {
	case <-p.loopDone:
	case <-ctx.Done():
		p.logger.Warn("Reconcile loop did not stop before drain timeout")
	}

	p.mu.Lock()
	workers := make([]*WorkerHandle, 0, len(p.available)+len(p.active))
	workers = append(workers, p.available...)
	for _, h := range p.active {
		workers = append(workers, h)
	}
	p.available = nil
	p.active = make(map[string]*WorkerHandle)
	p.signalLocked()
	p.mu.Unlock()

	var stopped atomic.Int64
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var g errgroup.Group
		g.SetLimit(p.cfg.ShutdownParallelism)
		for _, h := range workers {
			g.Go(func() error {
				if p.stopWorker(ctx, h, "shutdown") {
					stopped.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		p.logger.Warnf("Drain timeout of %v exceeded, some workers may still be running", drainTimeout)
	}

	p.logger.WithFields(logrus.Fields{
		"stopped":  stopped.Load(),
		"total":    len(workers),
		"duration": time.Since(start),
	}).Info("Worker pool shutdown complete")
}

// Stats returns a snapshot of the pool bookkeeping
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		MaxWorkers: p.cfg.MaxWorkers,
		Available:  len(p.available),
		Active:     len(p.active),
		Reserved:   p.reserved,
		Closed:     p.closed,
		Created:    p.created.Load(),
		Destroyed:  p.destroyed.Load(),
		Evicted:    p.evicted.Load(),
		Reclaimed:  p.reclaimed.Load(),
	}
}

func (p *WorkerPool) sizeLocked() int {
	return len(p.available) + len(p.active) + p.reserved
}

// signalLocked wakes every goroutine blocked in Acquire
func (p *WorkerPool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.metrics.setSizes(len(p.available), len(p.active))
}
