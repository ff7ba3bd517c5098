package orchestrator

import (
	"container/heap"
	"context"
	"sync"

	"github.com/bettaflow/mediaspider/internal/model"
)

// queueItem pairs a work item with its insertion sequence so equal-priority
// items dequeue in arrival order.
type queueItem struct {
	item *model.WorkItem
	seq  uint64
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// workQueue is a concurrency-safe priority queue: highest priority first,
// stable FIFO within a priority level.
type workQueue struct {
	mu    sync.Mutex
	heap  itemHeap
	seq   uint64
	ready chan struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{ready: make(chan struct{}, 1)}
}

func (q *workQueue) Push(item *model.WorkItem) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &queueItem{item: item, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until an item is available or ctx is done.
func (q *workQueue) Pop(ctx context.Context) (*model.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(*queueItem)
			// Re-arm the signal if more items remain, so concurrent
			// waiters are not stranded.
			if q.heap.Len() > 0 {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return it.item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
