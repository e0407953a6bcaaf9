// Package jobs runs background full syncs, either from an in-memory worker
// pool or from a durable Postgres queue.
package jobs

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
)

var (
	ErrQueueFull = errors.New("sync queue full")
	ErrStopped   = errors.New("sync queue stopped")
)

// RunFunc performs one project sync.
type RunFunc func(ctx context.Context, projectID int64) error

// Scheduler queues background project syncs.
type Scheduler interface {
	Enqueue(ctx context.Context, projectID int64) error
	Start(ctx context.Context)
	Stop()
}

// Pool is an in-memory Scheduler. A project that is already queued or
// running is not queued again.
type Pool struct {
	run     RunFunc
	queue   chan int64
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	workers int

	mu      sync.Mutex
	pending map[int64]bool
	stopped bool
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(run RunFunc, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &Pool{
		run:     run,
		queue:   make(chan int64, capacity),
		workers: workers,
		pending: make(map[int64]bool),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	logging.Info("sync pool started", zap.Int("workers", p.workers))
}

// Stop cancels running syncs and waits for the workers to exit. Queued
// projects are dropped.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	logging.Info("sync pool stopped")
}

// Enqueue schedules a sync of projectID.
func (p *Pool) Enqueue(ctx context.Context, projectID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.pending[projectID] {
		logging.WithContext(ctx).Debug("project sync already pending", logging.ProjectID(projectID))
		return nil
	}

	select {
	case p.queue <- projectID:
		p.pending[projectID] = true
		metrics.SetSeedQueueDepth(len(p.queue))
		logging.WithContext(ctx).Info("project sync queued", logging.ProjectID(projectID))
		return nil
	default:
		logging.WithContext(ctx).Warn("sync queue full, dropping", logging.ProjectID(projectID))
		return ErrQueueFull
	}
}

// Pending reports whether projectID is queued or running.
func (p *Pool) Pending(projectID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[projectID]
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case projectID, ok := <-p.queue:
			if !ok {
				return
			}
			metrics.SetSeedQueueDepth(len(p.queue))
			p.process(ctx, projectID)
		}
	}
}

func (p *Pool) process(ctx context.Context, projectID int64) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, projectID)
		p.mu.Unlock()
	}()

	log := logging.L().With(logging.ProjectID(projectID))
	log.Info("background sync started")
	if err := p.run(ctx, projectID); err != nil {
		log.Error("background sync failed", zap.Error(err))
		return
	}
	log.Info("background sync finished")
}
