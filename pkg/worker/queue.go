package worker

import (
	"sync"
	"time"

	"github.com/clusterfs/snaptool/pkg/intentlog"
)

// Intent is one queued operation against a (filesystem, snapshot) pair.
type Intent struct {
	UID        string
	Filesystem string
	Snapshot   string
	Op         intentlog.Operation
}

// Queue is the worker's FIFO. Enqueue suppresses duplicate delete
// intents for the same (filesystem, snapshot) so retention passes that
// see the same excess twice do not double-delete.
type Queue struct {
	mu     sync.Mutex
	items  []*Intent
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends an intent. It returns false when an equivalent
// delete is already waiting and the new intent was dropped.
func (q *Queue) Enqueue(it *Intent) bool {
	q.mu.Lock()
	if it.Op == intentlog.OpDelete {
		for _, queued := range q.items {
			if queued.Filesystem == it.Filesystem &&
				queued.Snapshot == it.Snapshot &&
				queued.Op == intentlog.OpDelete {
				q.mu.Unlock()
				return false
			}
		}
	}
	q.items = append(q.items, it)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Dequeue pops the oldest intent, blocking up to timeout. The short
// timeout keeps the consumer responsive to shutdown.
func (q *Queue) Dequeue(timeout time.Duration) (*Intent, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}

// Len returns the number of waiting intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
