package worker

import (
	"context"
	"log/slog"
	"time"
)

// Poller continuously claims ready tasks from the queue and feeds them to
// the pool. Several pollers may run against the same queue; the atomic claim
// in Queue guarantees each task reaches exactly one of them.
type Poller struct {
	queue        *Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewPoller(queue *Queue, pool *Pool, logger *slog.Logger) *Poller {
	return &Poller{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start runs the polling loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("task poller started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("task poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	tasks, err := p.queue.Claim(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim tasks", "error", err)
		return
	}

	for _, task := range tasks {
		p.pool.Submit(task)
	}
}
