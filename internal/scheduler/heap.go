package scheduler

import (
	"container/heap"

	"github.com/buildgraph/engine/internal/job"
)

// priorityQueue orders jobs by (-priority, insertionIndex): higher
// priority first, ties broken by earliest insertion. container/heap gives
// deterministic O(log n) push/pop over that order, matching the pattern
// used elsewhere in the corpus for deterministic ordering over graph-shaped
// work (e.g. a dependency graph's downstream-skip traversal).
type priorityQueue struct {
	items []*job.Job
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(pq)
	return pq
}

func (pq *priorityQueue) Len() int { return len(pq.items) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.InsertionIndex < b.InsertionIndex
}

func (pq *priorityQueue) Swap(i, j int) { pq.items[i], pq.items[j] = pq.items[j], pq.items[i] }

func (pq *priorityQueue) Push(x any) { pq.items = append(pq.items, x.(*job.Job)) }

func (pq *priorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	pq.items = old[:n-1]
	return item
}

func (pq *priorityQueue) push(j *job.Job) { heap.Push(pq, j) }

func (pq *priorityQueue) peek() *job.Job {
	if len(pq.items) == 0 {
		return nil
	}
	return pq.items[0]
}

func (pq *priorityQueue) pop() *job.Job { return heap.Pop(pq).(*job.Job) }
