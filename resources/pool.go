// Package resources owns the shared network execution substrate of a
// standby client: a bounded set of workers on which every transport
// session schedules its I/O.
//
// A Pool is created once, before any session can run, and shut down
// exactly once. Shutdown is two-phased. First the pool stops accepting
// work and waits up to a grace period for in-flight work to finish on
// its own. If work remains once the grace period has elapsed, the
// pool's context is cancelled and Shutdown keeps waiting until a hard
// deadline. Shutdown never blocks past the hard deadline: work that
// ignores cancellation is abandoned and ErrShutdownTimeout returned.
package resources

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultGracePeriod is how long Shutdown waits for in-flight
	// work before cancelling it
	DefaultGracePeriod = 2 * time.Second
	// DefaultShutdownTimeout bounds the total time spent in Shutdown
	DefaultShutdownTimeout = 20 * time.Second
)

var (
	// ErrShutdown is returned when work is submitted to a pool
	// that has been shut down
	ErrShutdown = errors.New("pool was shut down")
	// ErrShutdownTimeout is returned by Shutdown when in-flight
	// work did not finish before the hard deadline
	ErrShutdownTimeout = errors.New("pool shutdown timed out")
)

// Options configures a Pool
type Options struct {
	// Workers bounds the number of concurrently running tasks.
	// Defaults to twice the number of CPUs.
	Workers int
	Logger  *zap.Logger
}

// Pool is a bounded worker pool shared by all transport
// sessions of one standby client.
type Pool struct {
	logger  *zap.Logger
	workers int
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	active  int64
}

// New creates a pool
func New(options Options) *Pool {
	pool := &Pool{logger: options.Logger, workers: options.Workers}

	if pool.logger == nil {
		pool.logger = zap.L()
	}

	if pool.workers <= 0 {
		pool.workers = 2 * runtime.NumCPU()
	}

	pool.sem = semaphore.NewWeighted(int64(pool.workers))
	pool.ctx, pool.cancel = context.WithCancel(context.Background())
	pool.logger.Debug("pool created", zap.Int("workers", pool.workers))

	return pool
}

// Workers returns the maximum number of concurrently running tasks
func (pool *Pool) Workers() int {
	return pool.workers
}

// Active returns the number of tasks currently running
func (pool *Pool) Active() int {
	return int(atomic.LoadInt64(&pool.active))
}

// Go runs fn on a pool worker. It blocks until a worker is
// free or ctx is done. The context passed to fn is cancelled
// when ctx is done or when the pool is forcibly shut down.
func (pool *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	pool.mu.RLock()

	if pool.closed {
		pool.mu.RUnlock()

		return ErrShutdown
	}

	pool.wg.Add(1)
	pool.mu.RUnlock()

	if err := pool.sem.Acquire(ctx, 1); err != nil {
		pool.wg.Done()

		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(pool.ctx, cancel)
	atomic.AddInt64(&pool.active, 1)

	go func() {
		defer pool.wg.Done()
		defer pool.sem.Release(1)
		defer atomic.AddInt64(&pool.active, -1)
		defer cancel()
		defer stop()

		fn(taskCtx)
	}()

	return nil
}

// Group returns a handle for fanning out a set of tasks onto
// the pool and collecting the first error. The returned context
// is cancelled as soon as any task fails.
func (pool *Pool) Group(ctx context.Context) (*Group, context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)

	return &Group{pool: pool, group: group, ctx: groupCtx}, groupCtx
}

// Shutdown stops accepting work, waits up to grace for in-flight
// work to finish, then cancels it and waits until timeout has
// elapsed since Shutdown was called. It returns ErrShutdownTimeout
// if work was still running at that point and ErrShutdown if the
// pool was already shut down.
func (pool *Pool) Shutdown(grace time.Duration, timeout time.Duration) error {
	pool.mu.Lock()

	if pool.closed {
		pool.mu.Unlock()

		return ErrShutdown
	}

	pool.closed = true
	pool.mu.Unlock()

	hard := time.NewTimer(timeout)
	defer hard.Stop()

	soft := time.NewTimer(grace)
	defer soft.Stop()

	done := make(chan struct{})

	go func() {
		pool.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pool.cancel()
		pool.logger.Debug("pool shut down")

		return nil
	case <-soft.C:
	case <-hard.C:
		pool.cancel()
		pool.logger.Warn("pool shutdown timed out", zap.Int("active", pool.Active()))

		return ErrShutdownTimeout
	}

	pool.logger.Debug("grace period elapsed, cancelling in-flight work", zap.Int("active", pool.Active()))
	pool.cancel()

	select {
	case <-done:
		pool.logger.Debug("pool shut down")

		return nil
	case <-hard.C:
		pool.logger.Warn("pool shutdown timed out", zap.Int("active", pool.Active()))

		return ErrShutdownTimeout
	}
}

// Group fans tasks out onto a pool. It must not be reused
// after Wait returns.
type Group struct {
	pool  *Pool
	group *errgroup.Group
	ctx   context.Context
}

// Go schedules fn on the pool. Scheduling failures are
// reported through Wait like task errors.
func (group *Group) Go(fn func(ctx context.Context) error) {
	group.group.Go(func() error {
		result := make(chan error, 1)

		if err := group.pool.Go(group.ctx, func(ctx context.Context) { result <- fn(ctx) }); err != nil {
			return err
		}

		return <-result
	})
}

// Wait blocks until every task has returned and
// returns the first non-nil error
func (group *Group) Wait() error {
	return group.group.Wait()
}
