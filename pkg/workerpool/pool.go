// Package workerpool provides a bounded worker pool for controlled concurrency.
// A Run fans a batch of tasks out to at most Workers goroutines and returns the
// results in task order.
package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Workers: 8}
}

// Pool runs batches of tasks with bounded concurrency. Tasks are never
// retried: a failed create must be seen by the caller, not replayed.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	stopped int32

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
	}, nil
}

// Run processes every task and waits for all of them. results[i] belongs to
// tasks[i]. Tasks not started before ctx is cancelled fail with ctx.Err().
func (p *Pool) Run(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	if atomic.LoadInt32(&p.stopped) == 1 {
		for i, t := range tasks {
			results[i] = &Result{TaskID: t.ID, Error: fmt.Errorf("pool is shutting down")}
		}
		return results
	}

	atomic.AddInt64(&p.tasksSubmitted, int64(len(tasks)))

	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = p.process(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// process runs one task, converting a panic into a failed result
func (p *Pool) process(ctx context.Context, task *Task) (result *Result) {
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	defer func() {
		if r := recover(); r != nil {
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("task panicked: %v", r)}
		}
		if result == nil {
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("task returned no result")}
		}
		if result.Success {
			atomic.AddInt64(&p.tasksCompleted, 1)
			return
		}
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.Error(result.Error))
	}()

	if err := ctx.Err(); err != nil {
		return &Result{TaskID: task.ID, Error: err}
	}
	return p.workerFunc(ctx, task)
}

// Stop rejects further runs. Runs already in progress complete.
func (p *Pool) Stop() error {
	if atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		p.logger.Info("worker pool stopped")
	}
	return nil
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool accepts work
func (p *Pool) IsHealthy() bool {
	return atomic.LoadInt32(&p.stopped) == 0
}
