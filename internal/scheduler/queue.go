package scheduler

import (
	"context"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/catalog"
)

// Priority distinguishes the reorganizer's ordinary survey-driven queue
// entries from the drainer's urgent low-free-space signal (§4.4).
type Priority int

const (
	Low Priority = iota
	High
)

// requestQueue is a dedup'd, priority-ordered queue of pending
// reorganization requests: at most one outstanding request per key, kept
// at the highest priority ever requested for it until it is popped.
type requestQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[catalog.Key]Priority
	order   []catalog.Key // FIFO arrival order, for stable ordering within a priority
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{pending: make(map[catalog.Key]Priority)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *requestQueue) push(key catalog.Key, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cur, exists := q.pending[key]
	if !exists {
		q.pending[key] = priority
		q.order = append(q.order, key)
		q.cond.Broadcast()
		return
	}
	if priority > cur {
		q.pending[key] = priority
		q.cond.Broadcast()
	}
}

func (q *requestQueue) drop(key catalog.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// pop blocks until a request is pending or ctx is done, then removes and
// returns the highest-priority one (High before Low; FIFO within a tier).
func (q *requestQueue) pop(ctx context.Context) (catalog.Key, Priority, bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		close(done)
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if idx, ok := q.highestLocked(); ok {
			key := q.order[idx]
			priority := q.pending[key]
			q.order = append(q.order[:idx], q.order[idx+1:]...)
			delete(q.pending, key)
			return key, priority, true
		}
		select {
		case <-done:
			return catalog.Key{}, Low, false
		default:
		}
		q.cond.Wait()
	}
}

// highestLocked returns the order-index of the first High-priority entry,
// or the first entry of any priority if none is High.
func (q *requestQueue) highestLocked() (int, bool) {
	if len(q.order) == 0 {
		return 0, false
	}
	for i, k := range q.order {
		if q.pending[k] == High {
			return i, true
		}
	}
	return 0, true
}

// hasHighExcept reports whether a High-priority request is pending for a
// key other than except.
func (q *requestQueue) hasHighExcept(except catalog.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, p := range q.pending {
		if p == High && k != except {
			return true
		}
	}
	return false
}
