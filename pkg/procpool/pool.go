package procpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procpool/procpool/internal/wire"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// poolAcquireBackoffAttempts is how many times Acquire retries finding an
// available worker before giving up with PoolExhaustedError.
const poolAcquireBackoffAttempts = 10

// poolAcquireBackoffUnit is the linear backoff step: attempt N waits
// N*poolAcquireBackoffUnit before retrying.
const poolAcquireBackoffUnit = 100 * time.Millisecond

// Stats is a point-in-time snapshot of pool composition and load.
type Stats struct {
	Total     int
	Healthy   int
	Busy      int
	Available int
	Calls     uint64
}

// Pool manages a set of Worker processes, sized between MinPoolSize and
// MaxPoolSize, recycling and replacing workers as they wear out or fail
// (spec.md §5).
type Pool struct {
	cfg       PoolConfig
	socketMgr *SocketManager
	spawnTmpl SpawnConfig
	codec     wire.Codec
	logger    *Logger

	mu        sync.Mutex
	workers   map[string]*Worker
	available []*Worker

	semaphore chan struct{}

	totalCalls atomic.Uint64
	shutdown   atomic.Bool
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// AttachMetrics wires m to this pool's worker-failure events. Invoke
// records call latency/outcome into m itself (see Pool.Invoke), so this
// only needs to cover the events raised off the acquire/release path.
func (p *Pool) AttachMetrics(m *Metrics) { p.metrics = m }

// NewPool constructs a Pool. Call Start to bring it up to MinPoolSize.
func NewPool(cfg PoolConfig, socketMgr *SocketManager, spawnTmpl SpawnConfig, codec wire.Codec, logger *Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}
	return &Pool{
		cfg:       cfg,
		socketMgr: socketMgr,
		spawnTmpl: spawnTmpl,
		codec:     codec,
		logger:    logger,
		workers:   make(map[string]*Worker),
		semaphore: make(chan struct{}, cfg.MaxPoolSize),
	}, nil
}

// Start spawns MinPoolSize workers, bounding simultaneous spawns to
// StartupConcurrency via a conc worker pool so a large MinPoolSize does not
// thundering-herd the host machine.
func (p *Pool) Start(ctx context.Context) error {
	concurrency := p.cfg.StartupConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	startPool := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()

	for i := 0; i < p.cfg.MinPoolSize; i++ {
		startPool.Go(func(ctx context.Context) error {
			w, err := p.spawnOne(ctx)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.available = append(p.available, w)
			p.mu.Unlock()
			return nil
		})
	}

	if err := startPool.Wait(); err != nil {
		_ = p.Shutdown(context.Background())
		return fmt.Errorf("procpool: pool start: %w", err)
	}

	p.logger.InfoContext(ctx, "pool started", "workers", p.cfg.MinPoolSize)
	return nil
}

// spawnOne builds and starts one fresh Worker, retrying exactly once if the
// failing attempt never completed a successful call (a startup-race retry
// policy: a worker that crashes before ever succeeding is assumed to have
// lost a race, e.g. against a slow-starting dependency, not to be
// structurally broken).
func (p *Pool) spawnOne(ctx context.Context) (*Worker, error) {
	w, err := p.trySpawnOnce(ctx)
	if err == nil {
		return w, nil
	}
	if w != nil && w.EverSucceeded() {
		return nil, err
	}
	return p.trySpawnOnce(ctx)
}

func (p *Pool) trySpawnOnce(ctx context.Context) (*Worker, error) {
	id := NewWorkerID()
	spawn := p.spawnTmpl
	spawn.SocketPath = p.socketMgr.GenerateSocketPath(id)
	spawn.ImplementationLocator = p.cfg.ImplementationLocator
	spawn.ImplementationTypeName = p.cfg.ImplementationTypeName
	spawn.VerboseLogging = p.cfg.VerboseWorkerLogging

	w := NewWorker(id, spawn, p.cfg, p.codec, p.logger, p.onWorkerFailed)
	if err := w.Spawn(ctx); err != nil {
		_ = p.socketMgr.CleanupSocket(spawn.SocketPath)
		return w, err
	}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()
	return w, nil
}

// onWorkerFailed is the Worker failure callback: remove the worker from
// rotation and, unless the pool is shutting down, asynchronously replace it
// to maintain MinPoolSize.
func (p *Pool) onWorkerFailed(ev WorkerFailedEvent) {
	p.logger.Logger.Warn("worker failed", "worker_id", ev.WorkerID, "reason", ev.Reason, "error", ev.Cause)
	if p.metrics != nil {
		p.metrics.RecordWorkerFailure()
	}

	p.mu.Lock()
	if _, ok := p.workers[ev.WorkerID]; !ok {
		// Already removed by an earlier event for the same worker.
		p.mu.Unlock()
		return
	}
	delete(p.workers, ev.WorkerID)
	p.removeAvailableLocked(ev.WorkerID)
	count := len(p.workers)
	p.mu.Unlock()

	if p.shutdown.Load() {
		return
	}
	if count < p.cfg.MinPoolSize {
		p.wg.Add(1)
		go p.replace()
	}
}

func (p *Pool) replace() {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProcessStartTimeout)
	defer cancel()

	w, err := p.spawnOne(ctx)
	if err != nil {
		p.logger.Logger.Error("failed to replace worker", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.RecordWorkerRestart()
	}
	p.mu.Lock()
	p.available = append(p.available, w)
	p.mu.Unlock()
}

// Acquire reserves a semaphore slot (bounding concurrent in-flight
// invocations to MaxPoolSize) and returns an available Ready worker,
// growing the pool on demand up to MaxPoolSize. It retries for up to
// poolAcquireBackoffAttempts linear-backoff rounds before failing with
// PoolExhaustedError.
//
// ctx expiring at any point in this method — waiting for a semaphore
// slot under a saturated pool, or during the backoff between retries —
// means the caller's acquire deadline fired while the pool could not
// make room; spec.md §8 scenario 6 requires that to surface as
// PoolExhaustedError, the same stable kind tag as running out of
// backoff attempts, not a bare context error.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	if p.shutdown.Load() {
		return nil, &ConfigurationError{Reason: "pool is shut down"}
	}

	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, &PoolExhaustedError{Max: p.cfg.MaxPoolSize}
	}

	for attempt := 1; attempt <= poolAcquireBackoffAttempts; attempt++ {
		if w := p.popAvailable(); w != nil {
			return w, nil
		}

		if p.tryGrowLocked(ctx) {
			continue
		}

		select {
		case <-time.After(time.Duration(attempt) * poolAcquireBackoffUnit):
		case <-ctx.Done():
			<-p.semaphore
			return nil, &PoolExhaustedError{Max: p.cfg.MaxPoolSize}
		}
	}

	<-p.semaphore
	return nil, &PoolExhaustedError{Max: p.cfg.MaxPoolSize}
}

// tryGrowLocked spawns one additional worker synchronously if the pool has
// room under MaxPoolSize, returning true only if a new worker was added, so
// the caller retries popAvailable immediately. A full pool or a failed spawn
// returns false and the caller backs off.
func (p *Pool) tryGrowLocked(ctx context.Context) bool {
	p.mu.Lock()
	if len(p.workers) >= p.cfg.MaxPoolSize {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	w, err := p.spawnOne(ctx)
	if err != nil {
		return false
	}
	p.mu.Lock()
	p.available = append(p.available, w)
	p.mu.Unlock()
	return true
}

// Release returns a worker to the available set after use, releasing its
// semaphore slot. A worker whose recycle predicate now trips is instead
// torn down and, asynchronously, replaced.
func (p *Pool) Release(w *Worker) {
	defer func() { <-p.semaphore }()

	if w.State() != WorkerStateReady {
		// Failed mid-call; onWorkerFailed already handled removal/replace.
		return
	}

	if w.ShouldRecycle() {
		p.mu.Lock()
		delete(p.workers, w.ID())
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Stop(context.Background())
			_ = p.socketMgr.CleanupSocket(w.spawn.SocketPath)
			p.replace()
		}()
		return
	}

	p.mu.Lock()
	p.available = append(p.available, w)
	p.mu.Unlock()
}

func (p *Pool) popAvailable() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.available)
	if n == 0 {
		return nil
	}
	w := p.available[n-1]
	p.available = p.available[:n-1]
	return w
}

func (p *Pool) removeAvailableLocked(workerID string) {
	for i, w := range p.available {
		if w.ID() == workerID {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

// Invoke is a convenience wrapper around Acquire/Invoke/Release for callers
// that do not need to hold the worker across multiple calls.
func (p *Pool) Invoke(ctx context.Context, method string, paramTypeTags []string, paramPayloads [][]byte) (*wire.MethodResult, error) {
	w, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(w)

	p.totalCalls.Add(1)
	start := time.Now()
	result, err := w.Invoke(ctx, method, paramTypeTags, paramPayloads)
	if p.metrics != nil {
		p.metrics.RecordCall(time.Since(start), err)
	}
	return result, err
}

// Stats returns a point-in-time snapshot of pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0
	busy := 0
	for _, w := range p.workers {
		switch w.State() {
		case WorkerStateReady:
			healthy++
		case WorkerStateBusy:
			healthy++
			busy++
		}
	}

	return Stats{
		Total:     len(p.workers),
		Healthy:   healthy,
		Busy:      busy,
		Available: len(p.available),
		Calls:     p.totalCalls.Load(),
	}
}

// AverageWorkingSetMB returns the mean resource-probe working set across
// every live worker, or 0 if there are none or every probe failed
// (spec.md §4.6 "average per-worker working-set in MB, computed from live
// probes").
func (p *Pool) AverageWorkingSetMB() uint64 {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	if len(workers) == 0 {
		return 0
	}

	var total, counted uint64
	for _, w := range workers {
		usage, err := probeResourceUsage(w.PID())
		if err != nil {
			continue
		}
		total += usage.MemoryMB
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / counted
}

// Shutdown stops every worker, aggregating per-worker errors with multierr
// rather than stopping at the first failure.
func (p *Pool) Shutdown(ctx context.Context) error {
	var shutdownErr error
	p.stopOnce.Do(func() {
		p.shutdown.Store(true)

		p.mu.Lock()
		workers := make([]*Worker, 0, len(p.workers))
		for _, w := range p.workers {
			workers = append(workers, w)
		}
		p.workers = make(map[string]*Worker)
		p.available = nil
		p.mu.Unlock()

		var errs error
		for _, w := range workers {
			if err := w.Stop(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
			}
		}

		p.wg.Wait()
		_ = p.socketMgr.CleanupAllSockets()

		shutdownErr = errs
	})
	return shutdownErr
}
