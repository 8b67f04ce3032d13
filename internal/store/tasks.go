package store

import (
	"log"
	"sync"
)

// TaskQueue serializes best-effort persistence writes off the broadcast
// path. Failures are logged and swallowed; a full queue drops the task
// rather than block a message handler.
type TaskQueue struct {
	tasks chan task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type task struct {
	name string
	fn   func() error
}

// NewTaskQueue starts workers draining a buffered queue.
func NewTaskQueue(buffer, workers int) *TaskQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}

	q := &TaskQueue{tasks: make(chan task, buffer)}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.run()
	}
	return q
}

func (q *TaskQueue) run() {
	defer q.wg.Done()
	for t := range q.tasks {
		if err := t.fn(); err != nil {
			log.Printf("[TaskQueue] %s failed: %v", t.name, err)
		}
	}
}

// Enqueue submits a fire-and-forget write. Never blocks the caller, and a
// connection tearing down during shutdown may still call this after Close.
func (q *TaskQueue) Enqueue(name string, fn func() error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Printf("[TaskQueue] Queue closed, dropping task: %s", name)
		return
	}
	select {
	case q.tasks <- task{name: name, fn: fn}:
	default:
		log.Printf("[TaskQueue] Queue full, dropping task: %s", name)
	}
}

// Close stops accepting tasks and waits for in-flight writes to finish.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
