package ata

import (
	"errors"
	"sync"
)

var errQueueClosed = errors.New("ata: work queue closed")

// workQueue runs controller tasks one at a time on a dedicated goroutine, in
// submission order.
type workQueue struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

func newWorkQueue(depth int) *workQueue {
	q := &workQueue{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *workQueue) run() {
	defer close(q.done)
	for fn := range q.tasks {
		fn()
	}
}

// submit schedules fn without waiting for it.
func (q *workQueue) submit(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	q.tasks <- fn
	return nil
}

// do schedules fn and blocks until it has run.
func (q *workQueue) do(fn func() error) error {
	result := make(chan error, 1)
	if err := q.submit(func() { result <- fn() }); err != nil {
		return err
	}
	return <-result
}

// close drains the queued tasks and waits for the worker to exit.
func (q *workQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}
