package node

import (
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
)

// taskQueue is an unbounded queue of functions for the event loop. Posting
// never blocks, so the loop may post to itself.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) post(f func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain returns every queued task and empties the queue.
func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// loopClock fires timers by posting their callbacks to the event loop.
type loopClock struct {
	base  clock.Clock
	queue *taskQueue
}

func (c loopClock) Now() time.Time {
	return c.base.Now()
}

func (c loopClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.base.AfterFunc(d, func() { c.queue.post(f) })
}
