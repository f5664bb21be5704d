package pipeline

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"report-verify-pipeline/metrics"

	"github.com/apex/log"
)

var (
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolStopped is returned after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Job is one unit of background work.
type Job func(ctx context.Context)

// WorkerPool runs jobs on a fixed number of goroutines. Jobs get their own
// context detached from whoever submitted them.
type WorkerPool struct {
	jobs    chan Job
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	workers sync.WaitGroup
	pending sync.WaitGroup
}

// NewWorkerPool starts workers goroutines reading from a queue of queueSize.
// timeout bounds each job; zero means no deadline.
func NewWorkerPool(workers, queueSize int, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	base, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		jobs:    make(chan Job, queueSize),
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.run(i + 1)
	}
	return p
}

func (p *WorkerPool) run(id int) {
	defer p.workers.Done()
	for job := range p.jobs {
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		p.execute(id, job)
	}
}

func (p *WorkerPool) execute(id int, job Job) {
	defer p.pending.Done()

	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	ctx := p.base
	cancel := func() {}
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.base, p.timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"worker_id": id}).Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	job(ctx)
}

// Submit enqueues a job without blocking.
func (p *WorkerPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job:
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		p.pending.Done()
		return ErrQueueFull
	}
}

// Wait blocks until every submitted job has finished.
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}

// Stop rejects new jobs and drains the queue. When ctx expires first, the
// running jobs' contexts are cancelled and Stop returns ctx.Err().
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
