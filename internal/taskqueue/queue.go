// Package taskqueue implements the cross-thread hand-off described by
// spec.md §4.7: a mutex-protected FIFO of closures appended to by a
// backend thread and drained by the I/O thread, so every socket write
// stays single-threaded.
package taskqueue

import "sync"

// Task is a closure queued for execution on the I/O thread. It must be
// side-effect-safe to run there — in particular it may touch connection
// buffers and bridge state freely, since by construction it only ever
// runs on that one goroutine.
type Task func()

// Queue is safe for concurrent Push from any number of producer
// goroutines; Drain must only be called from the I/O thread.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
}

// Push appends a task. Called from the backend thread when a reply
// arrives.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// Drain atomically swaps out the whole pending list and runs each task in
// order. Called once per poll iteration from the I/O thread.
func (q *Queue) Drain() {
	q.mu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, t := range pending {
		t()
	}
}

// Len reports the number of tasks currently queued, for metrics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
