package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrPoolShutDown is returned by Submit after Shutdown
var ErrPoolShutDown = errors.New("worker pool shut down")

var logger atomic.Pointer[logrus.Logger]

// SetLogger sets the logger used for panics and dropped errors
func SetLogger(l *logrus.Logger) {
	logger.Store(l)
}

func log() *logrus.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return logrus.StandardLogger()
}

func logPanic(taskName string, r interface{}) {
	log().WithFields(logrus.Fields{
		"task":  taskName,
		"panic": r,
		"stack": string(debug.Stack()),
	}).Error("PANIC recovered")
}

// SafeGo executes fn in a goroutine with panic recovery, a timeout and
// error logging. Use it instead of a bare go statement.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logPanic(taskName, r)
			}
		}()

		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log().WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines, each task bounded by timeout
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues fn. It blocks while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return ErrPoolShutDown
	default:
	}

	// send on a queue closed by a concurrent Shutdown
	defer func() {
		if recover() != nil {
			err = ErrPoolShutDown
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolShutDown
	}
}

func (p *WorkerPool) closeQueue() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

// Wait closes the queue and blocks until every queued task has run
func (p *WorkerPool) Wait() {
	p.closeQueue()
	<-p.doneCh
}

// Shutdown stops accepting work and waits up to timeout for running tasks
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.closeQueue()

		select {
		case <-p.doneCh:
		case <-time.After(timeout):
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
		p.cancel()
	})

	return shutdownErr
}

// Errors returns task errors. Errors beyond the buffer are logged and dropped.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		log().WithError(err).WithField("task", p.taskName).Warn("Worker pool error buffer full, dropping error")
	}
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(fn)
		}
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logPanic(p.taskName, r)
			p.report(fmt.Errorf("%s: panic: %v", p.taskName, r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

// Batch runs fn over items on a bounded pool and returns the errors
// collected, in completion order
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			if err := fn(ctx, item); err != nil {
				collect(err)
			}
			return nil
		}); err != nil {
			collect(err)
			break
		}
	}

	pool.Wait()

	for {
		select {
		case err := <-pool.errCh:
			collect(err)
		default:
			return errs
		}
	}
}

// Map runs fn over items with at most workers in flight. results[i] and
// errs[i] belong to items[i]; a panic in fn becomes that item's error.
// Cancelling ctx fails the items that have not started yet.
func Map[T, R any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) (R, error)) ([]R, []error) {

	results := make([]R, len(items))
	errs := make([]error, len(items))

	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					logPanic(taskName, r)
					errs[i] = fmt.Errorf("%s: panic: %v", taskName, r)
				}
			}()

			results[i], errs[i] = fn(taskCtx, item)
			return nil
		})
	}
	g.Wait()

	return results, errs
}
