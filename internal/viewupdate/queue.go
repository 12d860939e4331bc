package viewupdate

import (
	"sync"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
)

// workItem pairs a staging file with the table it belongs to
type workItem struct {
	file  *model.StagingFile
	table Table
}

// workQueue is an unbounded FIFO of work items. Producers only append; the
// worker is the only one to look at and remove the front.
type workQueue struct {
	mu    sync.Mutex
	items []workItem

	// wake holds at most one pending wake-up so that any number of pushes
	// between two waits coalesce into one
	wake chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{
		wake: make(chan struct{}, 1),
	}
}

func (q *workQueue) push(item workItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
}

func (q *workQueue) front() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return workItem{}, false
	}
	return q.items[0], true
}

func (q *workQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	q.items[0] = workItem{}
	q.items = q.items[1:]
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signal wakes the worker without blocking
func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// clearWake drops a pending wake-up. The pass about to start sees every
// item pushed so far.
func (q *workQueue) clearWake() {
	select {
	case <-q.wake:
	default:
	}
}

func (q *workQueue) wakeup() <-chan struct{} {
	return q.wake
}
