// Package workers provides a bounded goroutine pool with panic recovery,
// used where several independent simulations run side by side.
package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute runs the function.
func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("workers: pool closed")

// Config sizes the pool.
type Config struct {
	Name       string // pool name for logging
	NumWorkers int
	QueueSize  int
}

// DefaultConfig returns a CPU-sized pool with a small queue.
func DefaultConfig(name string) Config {
	return Config{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  64,
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Recovered int64
}

// Pool runs tasks on a fixed set of goroutines. A panicking task is recovered
// and counted as failed; it never takes the worker down.
type Pool struct {
	logger *zap.Logger
	cfg    Config

	tasks  chan Task
	wg     sync.WaitGroup
	closed atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64
}

// New creates a pool; call Start before submitting.
func New(logger *zap.Logger, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Pool{
		logger: logger,
		cfg:    cfg,
		tasks:  make(chan Task, cfg.QueueSize),
	}
}

// Start launches the workers. The context cancels in-flight tasks but queued
// tasks are still drained so Close never hangs.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.logger.Debug("worker pool started",
		zap.String("pool", p.cfg.Name),
		zap.Int("workers", p.cfg.NumWorkers),
	)
}

// Submit enqueues a task, blocking when the queue is full.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.tasks <- task
	return nil
}

// Close stops accepting tasks and waits for the queue to drain.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Recovered: p.recovered.Load(),
	}
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.execute(ctx, id, task)
	}
}

func (p *Pool) execute(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.recovered.Add(1)
			p.failed.Add(1)
			p.logger.Error("task panic recovered",
				zap.String("pool", p.cfg.Name),
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()

	if err := task.Execute(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("pool", p.cfg.Name),
			zap.Int("worker", id),
			zap.Error(err),
		)
		return
	}
	p.completed.Add(1)
}
