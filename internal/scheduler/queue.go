package scheduler

import (
	"container/heap"
	"sync"

	"github.com/meridian-quant/backtest-engine/pkg/types"
)

// jobHeap is a max-heap on job priority.
type jobHeap []*types.BacktestJob

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].Priority > h[j].Priority }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*types.BacktestJob)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread-safe priority queue of backtest jobs. Higher
// priority pops first.
type PriorityQueue struct {
	mu    sync.Mutex
	items jobHeap
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{}
}

// Push adds a job.
func (q *PriorityQueue) Push(job *types.BacktestJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, job)
}

// Pop removes and returns the highest-priority job.
func (q *PriorityQueue) Pop() (*types.BacktestJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*types.BacktestJob), true
}

// Len returns the queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops all queued jobs, returning how many were dropped.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
