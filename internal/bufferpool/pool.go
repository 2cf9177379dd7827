// Package bufferpool provides a bounded pool of segment-sized byte buffers
// (§4's buffer pool component). Buffers are ordinary make([]byte)
// allocations; their addresses are not aligned to a page boundary. Unlike
// the unbounded
// size-bucketed sync.Pool this is adapted from, capacity is fixed at
// construction and producers that exceed it block (or, with TryAcquire,
// fail fast) until a buffer is returned — matching §5's "buffer pool:
// simple bounded queue with blocking acquire".
package bufferpool

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire once the pool has been closed.
// TryAcquire on a closed pool reports ok=false instead.
var ErrClosed = errors.New("bufferpool: closed")

// Pool is a bounded, blocking-acquire pool of fixed-size byte buffers.
// All buffers share the same capacity, sized to one log segment so a
// single buffer can always hold a full segment scratch copy.
type Pool struct {
	bufSize int

	mu     sync.Mutex
	cond   *sync.Cond
	free   [][]byte
	closed bool

	// total is the number of buffers ever created, capped at capacity;
	// outstanding = total - len(free) while the pool is open.
	total    int
	capacity int
}

// New creates a Pool holding up to capacity buffers of bufSize bytes each.
// Buffers are allocated lazily, up to capacity, the first time they are
// needed; afterward Acquire/Release only ever recycles existing buffers.
func New(capacity, bufSize int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		bufSize:  bufSize,
		free:     make([][]byte, 0, capacity),
		capacity: capacity,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// BufferSize returns the fixed size of buffers handed out by this pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Capacity returns the maximum number of buffers this pool will ever hold.
func (p *Pool) Capacity() int { return p.capacity }

// Acquire blocks until a buffer is available, the context is canceled, or
// the pool is closed.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if buf, ok := p.takeLocked(); ok {
			p.mu.Unlock()
			return buf, nil
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				p.mu.Unlock()
				return nil, err
			}
		}
		p.waitLocked(ctx)
	}
}

// waitLocked blocks on the pool's condition variable, honoring ctx
// cancellation by spawning a one-shot waiter that broadcasts on cancel.
func (p *Pool) waitLocked(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		p.cond.Wait()
		return
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	p.cond.Wait()
	close(stop)
	<-done
}

// TryAcquire returns a buffer immediately if one is free, or ok=false if
// the caller must wait (used by the spin-then-park producer path in §4.1).
func (p *Pool) TryAcquire() (buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	return p.takeLocked()
}

func (p *Pool) takeLocked() ([]byte, bool) {
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf[:cap(buf)], true
	}
	if p.total < p.capacity {
		p.total++
		return make([]byte, p.bufSize), true
	}
	return nil, false
}

// Release returns buf to the pool, waking one waiter. Buffers not
// originally sized by this pool are dropped rather than pooled.
func (p *Pool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if cap(buf) != p.bufSize {
		// Foreign buffer: don't grow the pool past its accounted total.
		p.total--
		p.cond.Signal()
		return
	}
	p.free = append(p.free, buf)
	p.cond.Signal()
}

// InUse returns the number of buffers currently checked out, for
// utilization reporting.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}

// Close marks the pool closed; blocked and future Acquire calls return
// ErrClosed. Outstanding buffers may still be Released (and are discarded).
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
