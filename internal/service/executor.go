package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"github.com/misakimiku2/aurora-gallery/internal/logger"
)

// Executor runs maintenance jobs on a small fixed worker pool with a
// bounded queue. File moves and copies go through here so a mass rename
// cannot spawn a goroutine per file.
type Executor struct {
	jobs chan func(ctx context.Context)
	wg   sync.WaitGroup
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewExecutor starts workers goroutines draining a queue of queueSize.
func NewExecutor(workers, queueSize int, log *logger.Logger) *Executor {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	e := &Executor{
		jobs: make(chan func(ctx context.Context), queueSize),
		log:  log.WithField(logger.FieldComponent, "executor"),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx := context.Background()
			for job := range e.jobs {
				job(ctx)
			}
		}()
	}
	return e
}

// Submit enqueues a job. Returns ErrUnavailable when the queue is full
// or the executor has shut down, so callers can surface backpressure
// instead of blocking.
func (e *Executor) Submit(job func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: executor is shut down", domain.ErrUnavailable)
	}
	select {
	case e.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: maintenance queue is full", domain.ErrUnavailable)
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()
	e.wg.Wait()
}
