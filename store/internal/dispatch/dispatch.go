// Package dispatch provides the ordered callback queues used by store backends to deliver feed
// events.
package dispatch

import (
	"sync"
)

// Queue invokes callbacks sequentially on its own goroutine, in the order they were enqueued.
// Enqueueing never blocks.
type Queue struct {
	mutex    sync.Mutex
	cond     *sync.Cond
	pending  []func()
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mutex)
	go q.run()
	return q
}

// Enqueue schedules f. It does nothing once the queue is stopped.
func (q *Queue) Enqueue(f func()) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.stopped {
		return
	}
	q.pending = append(q.pending, f)
	q.cond.Signal()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mutex.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mutex.Unlock()
			return
		}
		f := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mutex.Unlock()

		f()
	}
}

// Stop discards pending callbacks. A callback that is already running is allowed to finish, so Stop
// may be invoked from within a callback.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mutex.Lock()
		q.stopped = true
		q.pending = nil
		q.cond.Signal()
		q.mutex.Unlock()
	})
}

// Done is closed once the queue's goroutine exits.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
