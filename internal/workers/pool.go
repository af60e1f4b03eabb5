// Package workers provides the bounded worker pool the Orchestrator
// dispatches its periodic maintenance jobs onto: order-timeout sweeps,
// LLMS ladder sweeps, metrics sampling. Submission is non-blocking
// and refuses with Backpressure when the queue is full; shutdown drains
// pending work up to a deadline, then force-stops at twice the deadline.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trueasset/alluse-core/internal/corerr"
	"go.uber.org/zap"
)

// Task is one unit of work.
type Task interface {
	Name() string
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f TaskFunc) Name() string                      { return f.Label }
func (f TaskFunc) Execute(ctx context.Context) error { return f.Fn(ctx) }

// Config tunes a pool.
type Config struct {
	Name          string
	NumWorkers    int
	QueueSize     int
	TaskTimeout   time.Duration // per-task budget; 0 means no per-task deadline
	DrainDeadline time.Duration // graceful drain window on Stop
}

// DefaultConfig returns the defaults the Orchestrator uses.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		NumWorkers:    4,
		QueueSize:     1024,
		TaskTimeout:   30 * time.Second,
		DrainDeadline: 10 * time.Second,
	}
}

// Stats counts pool activity.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Refused   uint64
}

// Pool is a fixed-size worker pool over a bounded task queue.
type Pool struct {
	logger *zap.Logger
	config Config

	queue  chan Task
	wg     sync.WaitGroup
	cancel context.CancelFunc

	running   atomic.Bool
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

// New constructs a pool; Start launches its workers.
func New(logger *zap.Logger, config Config) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	return &Pool{
		logger: logger.Named("pool-" + config.Name),
		config: config,
		queue:  make(chan Task, config.QueueSize),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize))
}

// Submit enqueues a task without blocking. Returns Backpressure when the
// queue is full; the caller decides whether to retry or drop.
func (p *Pool) Submit(t Task) error {
	if !p.running.Load() {
		return corerr.New(corerr.KindInvariantViolation, "pool "+p.config.Name+" is not running")
	}
	select {
	case p.queue <- t:
		p.submitted.Add(1)
		return nil
	default:
		p.refused.Add(1)
		return corerr.New(corerr.KindBackpressure, "pool "+p.config.Name+" queue full")
	}
}

// Stop drains queued tasks up to the drain deadline, then cancels
// whatever is still running and force-stops at twice the deadline.
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.queue)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.DrainDeadline):
		p.logger.Warn("drain deadline exceeded, cancelling in-flight tasks")
		p.cancel()
		select {
		case <-done:
		case <-time.After(p.config.DrainDeadline):
			p.logger.Error("force-stop: workers did not exit within 2x drain deadline")
		}
	}
	p.cancel()
	p.logger.Info("worker pool stopped",
		zap.Uint64("completed", p.completed.Load()),
		zap.Uint64("failed", p.failed.Load()),
		zap.Uint64("refused", p.refused.Load()))
}

// QueueDepth reports the current backlog, for the health probe.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Snapshot returns current counters.
func (p *Pool) Snapshot() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Refused:   p.refused.Load(),
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.config.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panicked", zap.String("task", t.Name()), zap.Any("panic", r))
		}
	}()
	if err := t.Execute(taskCtx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed", zap.String("task", t.Name()), zap.Error(err))
		return
	}
	p.completed.Add(1)
}
