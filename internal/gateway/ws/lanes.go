package ws

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight bounds the frames of one connection that are queued or
// being handled at once. Reading pauses while the limit is reached.
const DefaultMaxInFlight = 64

// lanes runs work concurrently across keys and in arrival order within one
// key. A lane's goroutine exits once its queue drains.
type lanes struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newLanes(maxInFlight int64) *lanes {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &lanes{
		sem:    semaphore.NewWeighted(maxInFlight),
		queues: make(map[string][]func()),
	}
}

// run queues fn on the lane of key, waiting for an in-flight slot first.
func (l *lanes) run(ctx context.Context, key string, fn func()) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	work := func() {
		defer l.sem.Release(1)
		fn()
	}

	l.mu.Lock()
	if q, busy := l.queues[key]; busy {
		l.queues[key] = append(q, work)
		l.mu.Unlock()
		return nil
	}
	l.queues[key] = nil
	l.wg.Add(1)
	l.mu.Unlock()

	go l.drain(key, work)
	return nil
}

func (l *lanes) drain(key string, fn func()) {
	defer l.wg.Done()
	for {
		fn()

		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		fn = q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()
	}
}

// wait blocks until every queued item has run.
func (l *lanes) wait() { l.wg.Wait() }
