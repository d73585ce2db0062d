package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool manages a fixed number of worker goroutines that process delivery
// tasks. Each task runs on exactly one worker.
type Pool struct {
	numWorkers int
	tasks      chan Task
	quit       chan struct{}
	runner     *Runner
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, runner *Runner, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		quit:       make(chan struct{}),
		runner:     runner,
		logger:     logger,
	}
}

// Start launches the workers. They run until Stop is called or the context
// is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands a task to the pool. Tasks arriving after Stop are dropped;
// their delivery rows are still pending, so the retry scheduler's stale
// sweep re-queues them.
func (p *Pool) Submit(task Task) {
	select {
	case <-p.quit:
	case p.tasks <- task:
	}
}

// Stop signals the workers and waits for in-flight work to finish. Tasks
// still buffered are dropped and recovered by the stale sweep.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case task := <-p.tasks:
			p.runner.Run(ctx, task)
		}
	}
}
