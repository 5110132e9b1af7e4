// Package queue implements the bounded worker queues that interleave the
// run's I/O: article fetches, redirect lookups, media downloads and external
// optimizations each get one.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes one queued item. Errors are the handler's business; the
// queue only tracks completion.
type Handler[T any] func(ctx context.Context, item T)

type envelope[T any] struct {
	item  T
	flush chan struct{}
}

// Queue is an unbounded-backlog queue drained by a fixed number of workers.
// Pending counts both queued and in-flight items.
type Queue[T any] struct {
	name    string
	handler Handler[T]
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []envelope[T]
	pending int
	closed  bool

	wg sync.WaitGroup
}

// New starts width workers consuming the queue until Close or context end.
func New[T any](ctx context.Context, name string, width int, logger *zap.Logger, handler Handler[T]) *Queue[T] {
	if width <= 0 {
		width = 1
	}
	q := &Queue[T]{
		name:    name,
		handler: handler,
		logger:  logger,
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < width; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		q.Close()
	}()
	return q
}

// Push enqueues an item. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(item T) {
	q.push(envelope[T]{item: item})
}

func (q *Queue[T]) push(env envelope[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if env.flush != nil {
			close(env.flush)
		}
		return
	}
	q.backlog = append(q.backlog, env)
	q.pending++
	q.cond.Signal()
}

func (q *Queue[T]) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.backlog) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.backlog) == 0 {
			q.mu.Unlock()
			return
		}
		env := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		if env.flush != nil {
			close(env.flush)
		} else {
			q.handler(ctx, env.item)
		}

		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}
}

// Len returns the queued (not yet picked up) backlog size, the number the
// title scheduler throttles on.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Idle reports whether no item is queued or in flight.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending == 0
}

// Drain blocks until the queue has fully quiesced: it polls Idle every
// second, then pushes a sentinel and waits for it to pass through a worker,
// which guarantees late-arriving work has also completed.
func (q *Queue[T]) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for !q.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	flush := make(chan struct{})
	q.push(envelope[T]{flush: flush})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-flush:
	}
	if q.logger != nil {
		q.logger.Debug("queue drained", zap.String("queue", q.name))
	}
	return nil
}

// Close stops the workers once the backlog empties; it is safe to call more
// than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}
