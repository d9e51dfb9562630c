package jobs

import (
	"container/heap"
	"context"
	"sync"

	"github.com/ternarybob/licitometro/internal/models"
)

// workerPool bounds the number of runners executing at once. Jobs waiting for a
// slot stay Pending and are admitted by priority, then in arrival order.
type workerPool struct {
	mu      sync.Mutex
	size    int
	busy    int
	seq     uint64
	waiters waitQueue
}

// waiter is one runner blocked in acquire. granted is set under the pool lock when a
// released slot is handed to it.
type waiter struct {
	rank    int
	seq     uint64
	index   int
	granted bool
	ready   chan struct{}
}

func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{size: size}
}

// acquire blocks until a slot is free, ctx is done or stop is closed
func (p *workerPool) acquire(ctx context.Context, stop <-chan struct{}, priority models.JobPriority) error {
	p.mu.Lock()
	if p.busy < p.size && p.waiters.Len() == 0 {
		p.busy++
		p.mu.Unlock()
		return nil
	}
	p.seq++
	w := &waiter{
		rank:  priority.Rank(),
		seq:   p.seq,
		ready: make(chan struct{}),
	}
	heap.Push(&p.waiters, w)
	p.mu.Unlock()

	var err error
	select {
	case <-w.ready:
		return nil
	case <-stop:
		err = errStopped
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		// The slot arrived together with the stop; pass it on
		p.releaseLocked()
		return err
	}
	heap.Remove(&p.waiters, w.index)
	return err
}

func (p *workerPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked()
}

// releaseLocked hands the slot to the highest priority waiter, or frees it
func (p *workerPool) releaseLocked() {
	if p.waiters.Len() == 0 {
		p.busy--
		return
	}
	w := heap.Pop(&p.waiters).(*waiter)
	w.granted = true
	close(w.ready)
}

// stats returns occupied slots, pool size and queued runners
func (p *workerPool) stats() (busy, size, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy, p.size, p.waiters.Len()
}

// waitQueue implements heap.Interface: highest rank first, then lowest seq
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank > q[j].rank
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
